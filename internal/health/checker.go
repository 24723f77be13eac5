package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 10 * time.Second
	checkTimeout    = 5 * time.Second
)

// Status represents the health status of a component
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

// CheckFunc checks one dependency; a nil error means healthy
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name  string
	check CheckFunc
}

// Checker periodically checks health of system components
type Checker struct {
	mu       sync.RWMutex
	statuses []Status
	checks   []namedCheck
	interval time.Duration
}

// NewChecker creates a new health checker
func NewChecker(interval time.Duration) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{interval: interval}
}

// Register adds a named check. Call before Start.
func (c *Checker) Register(name string, p CheckFunc) {
	c.mu.Lock()
	c.checks = append(c.checks, namedCheck{name: name, check: p})
	c.mu.Unlock()
}

// Start begins periodic health checks
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Check(ctx)
			}
		}
	}()

	// Initial check
	c.Check(ctx)
}

// Check runs every check once and stores the results
func (c *Checker) Check(ctx context.Context) []Status {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, p := range checks {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = run(ctx, p)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
	return statuses
}

func run(ctx context.Context, p namedCheck) Status {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.check(ctx)

	status := Status{
		Name:    p.name,
		Latency: time.Since(start),
		Healthy: err == nil,
	}
	if err != nil {
		status.Error = err.Error()
		log.Warn().Str("component", p.name).Err(err).Msg("health check failed")
	}
	return status
}

// GetStatuses returns current health statuses
func (c *Checker) GetStatuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Status(nil), c.statuses...)
}

// Healthy reports whether every component passed its last check
func (c *Checker) Healthy() bool {
	for _, s := range c.GetStatuses() {
		if !s.Healthy {
			return false
		}
	}
	return true
}
