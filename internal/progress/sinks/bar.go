package sinks

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/cmc-crawler/internal/progress"
)

// BarSink renders a terminal progress bar that advances once per settled item.
type BarSink struct {
	out io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewBarSink draws to out, or stderr when out is nil.
func NewBarSink(out io.Writer) *BarSink {
	if out == nil {
		out = os.Stderr
	}
	return &BarSink{out: out}
}

// Consume creates the bar on RUN_START and advances it on terminal item events.
func (s *BarSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageRunStart:
			s.bar = progressbar.NewOptions(evt.Total,
				progressbar.OptionSetWriter(s.out),
				progressbar.OptionSetDescription("crawling"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
		case evt.Stage.Terminal() && s.bar != nil:
			if err := s.bar.Add(1); err != nil {
				return fmt.Errorf("advance progress bar: %w", err)
			}
		case evt.Stage == progress.StageRunDone && s.bar != nil:
			if err := s.bar.Finish(); err != nil {
				return fmt.Errorf("finish progress bar: %w", err)
			}
		}
	}
	return nil
}

// Current reports how many items the bar has counted.
func (s *BarSink) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar == nil {
		return 0
	}
	return s.bar.State().CurrentNum
}

// Close finishes the bar if a run is still drawing.
func (s *BarSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar == nil || s.bar.IsFinished() {
		return nil
	}
	if err := s.bar.Finish(); err != nil {
		return fmt.Errorf("finish progress bar: %w", err)
	}
	return nil
}
