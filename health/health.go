// Package health runs periodic probes against the server's internal
// dependencies and reports readiness.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

// Config holds health check configuration.
type Config struct {
	Interval       time.Duration `json:"interval"`        // How often to probe (default: 15s)
	Timeout        time.Duration `json:"timeout"`         // Timeout per probe (default: 5s)
	HealthyAfter   int           `json:"healthy_after"`   // Passes before marking healthy (default: 1)
	UnhealthyAfter int           `json:"unhealthy_after"` // Failures before marking unhealthy (default: 3)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Second,
		Timeout:        5 * time.Second,
		HealthyAfter:   1,
		UnhealthyAfter: 3,
	}
}

// Check is one named probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Status is the current state of one check.
type Status struct {
	Name            string    `json:"name"`
	Healthy         bool      `json:"healthy"`
	ConsecutivePass int       `json:"consecutive_pass"`
	ConsecutiveFail int       `json:"consecutive_fail"`
	LastCheck       time.Time `json:"last_check"`
	LastError       string    `json:"last_error,omitempty"`
}

// Checker runs registered checks on a schedule.
type Checker struct {
	cfg    Config
	checks []Check

	mu       sync.RWMutex
	statuses map[string]*Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChecker creates a checker.
func NewChecker(cfg Config) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		cfg:      cfg,
		statuses: make(map[string]*Status),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a check. New checks start healthy until a probe says
// otherwise, so startup is not gated on the first sweep.
func (c *Checker) Register(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
	c.statuses[check.Name] = &Status{Name: check.Name, Healthy: true}
}

// Start launches the probe loop. The first sweep runs immediately.
func (c *Checker) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop halts probing and waits for the loop to exit.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Checker) run() {
	defer c.wg.Done()

	c.sweep()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep probes every registered check once.
func (c *Checker) sweep() {
	c.mu.RLock()
	checks := make([]Check, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	for _, check := range checks {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
		err := check.Probe(ctx)
		cancel()
		c.record(check.Name, err)
	}
}

func (c *Checker) record(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.statuses[name]
	st.LastCheck = time.Now().UTC()

	if err != nil {
		st.ConsecutivePass = 0
		st.ConsecutiveFail++
		st.LastError = err.Error()
		if st.Healthy && st.ConsecutiveFail >= c.cfg.UnhealthyAfter {
			st.Healthy = false
			log.Printf("[health] Check %s unhealthy after %d failures: %v", name, st.ConsecutiveFail, err)
		}
		return
	}

	st.ConsecutiveFail = 0
	st.ConsecutivePass++
	st.LastError = ""
	if !st.Healthy && st.ConsecutivePass >= c.cfg.HealthyAfter {
		st.Healthy = true
		log.Printf("[health] Check %s recovered", name)
	}
}

// Statuses returns a snapshot of every check's state.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Status, 0, len(c.statuses))
	for _, st := range c.statuses {
		out = append(out, *st)
	}
	return out
}

// Healthy reports whether every check is passing.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, st := range c.statuses {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// Handler serves readiness as JSON: 200 when every check passes, 503
// otherwise.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthy := c.Healthy()

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy": healthy,
			"checks":  c.Statuses(),
		})
	}
}
