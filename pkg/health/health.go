package health

import (
	"context"
	"time"

	"github.com/cuemby/nexus-proxy/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Defaults used when a target group's policy leaves a field unset. They
// match the proxy's own defaults so probes see what the proxy sees.
const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultRise     = 2
	DefaultFall     = 3
)

// Config is the probing policy of a target group
type Config struct {
	// Interval is the time between probes of one target
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Rise is the number of consecutive successes that bring a target up
	Rise int

	// Fall is the number of consecutive failures that take a target down
	Fall int
}

// ConfigFor derives the probing policy from a target group health check.
// Interval and timeout are stored in seconds.
func ConfigFor(hc *types.HealthCheck) Config {
	cfg := Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Rise:     DefaultRise,
		Fall:     DefaultFall,
	}
	if hc == nil {
		return cfg
	}
	if hc.Interval > 0 {
		cfg.Interval = time.Duration(hc.Interval) * time.Second
	}
	if hc.Timeout > 0 {
		cfg.Timeout = time.Duration(hc.Timeout) * time.Second
	}
	if hc.Healthy > 0 {
		cfg.Rise = hc.Healthy
	}
	if hc.Unhealthy > 0 {
		cfg.Fall = hc.Unhealthy
	}
	return cfg
}

// Status tracks the state of one target across probes
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy is the state after applying rise and fall
	Healthy bool
}

// NewStatus creates a status for a target that starts up, as the proxy
// treats a freshly configured server
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update applies a probe result. A down target comes back up after Rise
// consecutive successes; an up target goes down after Fall consecutive
// failures.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		if !s.Healthy && s.ConsecutiveSuccesses >= config.Rise {
			s.Healthy = true
		}
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.Healthy && s.ConsecutiveFailures >= config.Fall {
		s.Healthy = false
	}
}
