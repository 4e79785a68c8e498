package crawler

import (
	"fmt"
	"time"
)

// Config holds the scheduler bounds for a crawl run. It is decoupled from
// Viper so the dispatcher can be built directly in tests.
type Config struct {
	MinConcurrency int
	MaxConcurrency int
	MaxRetries     int
	PerItemTimeout time.Duration
	// ScaleInterval is how often the concurrency policy is consulted.
	ScaleInterval time.Duration
}

// DefaultConfig returns the CoinMarketCap crawl defaults.
func DefaultConfig() Config {
	return Config{
		MinConcurrency: 1,
		MaxConcurrency: 20,
		MaxRetries:     1,
		PerItemTimeout: 60 * time.Second,
		ScaleInterval:  time.Second,
	}
}

// Validate checks for obviously bad combinations.
func (c Config) Validate() error {
	if c.MinConcurrency < 1 {
		return fmt.Errorf("crawler.min_concurrency must be >= 1")
	}
	if c.MaxConcurrency < c.MinConcurrency {
		return fmt.Errorf("crawler.max_concurrency must be >= crawler.min_concurrency")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.PerItemTimeout <= 0 {
		return fmt.Errorf("crawler.per_item_timeout must be > 0")
	}
	if c.ScaleInterval <= 0 {
		return fmt.Errorf("crawler.scale_interval must be > 0")
	}
	return nil
}

// Clamp bounds n to [MinConcurrency, MaxConcurrency].
func (c Config) Clamp(n int) int {
	if n < c.MinConcurrency {
		return c.MinConcurrency
	}
	if n > c.MaxConcurrency {
		return c.MaxConcurrency
	}
	return n
}
