// Package resource samples host CPU and memory pressure for autoscaling.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
	"github.com/JakeFAU/cmc-crawler/internal/metrics"
)

// Monitor periodically samples the host and caches the latest reading.
// It implements crawler.LoadSampler.
type Monitor struct {
	interval time.Duration
	logger   *zap.Logger

	cpuPercent func(ctx context.Context) (float64, error)
	memPercent func(ctx context.Context) (float64, error)
	now        func() time.Time

	mu     sync.RWMutex
	last   crawler.LoadSignal
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a Monitor that samples every interval (default 1s).
func NewMonitor(interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		interval:   interval,
		logger:     logger,
		cpuPercent: hostCPUPercent,
		memPercent: hostMemoryPercent,
		now:        time.Now,
	}
}

// Load returns the most recent reading; zero until the first sample lands.
func (m *Monitor) Load() crawler.LoadSignal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Start samples once synchronously, then keeps sampling in the background
// until ctx ends or Stop is called. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	m.Sample(ctx)
	go m.loop(ctx, done)
}

// Stop halts background sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample takes one reading. A failed probe keeps the previous reading.
func (m *Monitor) Sample(ctx context.Context) {
	cpuPct, cpuErr := m.cpuPercent(ctx)
	memPct, memErr := m.memPercent(ctx)
	if err := errors.Join(cpuErr, memErr); err != nil {
		m.logger.Debug("host load sample failed", zap.Error(err))
		return
	}
	signal := crawler.LoadSignal{
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		SampledAt:     m.now(),
	}
	m.mu.Lock()
	m.last = signal
	m.mu.Unlock()
	metrics.SetHostLoad(cpuPct, memPct)
}

// hostCPUPercent reports utilization since the previous call, averaged over
// all cores.
func hostCPUPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return 0, errors.New("cpu percent: no data")
	}
	return pct[0], nil
}

func hostMemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}
