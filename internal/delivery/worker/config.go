package worker

import "time"

// Config controls the delivery worker loop.
type Config struct {
	Concurrency     int
	BatchSize       int
	PollInterval    time.Duration
	LeaseTimeout    time.Duration
	DispatchTimeout time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffMax      time.Duration
	BackoffJitter   float64
}

func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		BatchSize:       50,
		PollInterval:    2 * time.Second,
		LeaseTimeout:    30 * time.Second,
		DispatchTimeout: 10 * time.Second,
		MaxAttempts:     8,
		BackoffBase:     time.Second,
		BackoffFactor:   2.0,
		BackoffMax:      5 * time.Minute,
		BackoffJitter:   0.2,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaults.LeaseTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaults.DispatchTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = defaults.BackoffFactor
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = defaults.BackoffJitter
	}
	return c
}
