// Package autoscale sizes the worker pool from host resource pressure.
package autoscale

import (
	"errors"
	"math"
	"time"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// Config bounds when the pool may grow or must shrink.
type Config struct {
	// MaxCPUPercent and MaxMemoryPercent mark the host as overloaded.
	MaxCPUPercent    float64 `mapstructure:"max_cpu_percent"`
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
	// ScaleUpRatio grows the pool by ceil(current*ratio) when there is headroom.
	ScaleUpRatio float64 `mapstructure:"scale_up_ratio"`
	// ScaleDownRatio shrinks the pool by ceil(current*ratio) when overloaded.
	ScaleDownRatio float64 `mapstructure:"scale_down_ratio"`
	// MaxSignalAge discards readings older than this; zero disables the check.
	MaxSignalAge time.Duration `mapstructure:"max_signal_age"`
}

// DefaultConfig returns thresholds suited to a single crawl host.
func DefaultConfig() Config {
	return Config{
		MaxCPUPercent:    90,
		MaxMemoryPercent: 70,
		ScaleUpRatio:     0.05,
		ScaleDownRatio:   0.05,
		MaxSignalAge:     5 * time.Second,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.MaxCPUPercent <= 0 || c.MaxCPUPercent > 100:
		return errors.New("autoscale.max_cpu_percent must be in (0, 100]")
	case c.MaxMemoryPercent <= 0 || c.MaxMemoryPercent > 100:
		return errors.New("autoscale.max_memory_percent must be in (0, 100]")
	case c.ScaleUpRatio <= 0 || c.ScaleUpRatio > 1:
		return errors.New("autoscale.scale_up_ratio must be in (0, 1]")
	case c.ScaleDownRatio <= 0 || c.ScaleDownRatio > 1:
		return errors.New("autoscale.scale_down_ratio must be in (0, 1]")
	case c.MaxSignalAge < 0:
		return errors.New("autoscale.max_signal_age must be >= 0")
	}
	return nil
}

// Policy implements crawler.ConcurrencyPolicy. The dispatcher clamps whatever
// it proposes to [min, max].
type Policy struct {
	cfg Config
	now func() time.Time
}

// New builds a Policy.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg, now: time.Now}, nil
}

// DesiredConcurrency shrinks under pressure, grows with headroom and holds
// when the reading is missing or stale.
func (p *Policy) DesiredConcurrency(current int, load crawler.LoadSignal) int {
	if load.SampledAt.IsZero() {
		return current
	}
	if p.cfg.MaxSignalAge > 0 && p.now().Sub(load.SampledAt) > p.cfg.MaxSignalAge {
		return current
	}
	overloaded := load.CPUPercent >= p.cfg.MaxCPUPercent || load.MemoryPercent >= p.cfg.MaxMemoryPercent
	if overloaded {
		return current - step(current, p.cfg.ScaleDownRatio)
	}
	return current + step(current, p.cfg.ScaleUpRatio)
}

func step(current int, ratio float64) int {
	return max(1, int(math.Ceil(float64(current)*ratio)))
}

// Fixed always proposes the same slot count.
type Fixed struct {
	N int
}

// DesiredConcurrency returns N.
func (f Fixed) DesiredConcurrency(int, crawler.LoadSignal) int {
	return f.N
}
