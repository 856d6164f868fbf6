package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by the proxy process
const (
	ComponentStore      = "store"
	ComponentReconciler = "reconciler"
)

// CriticalComponents must all be reported and healthy for /ready to pass
var CriticalComponents = []string{ComponentStore, ComponentReconciler}

// Report is the body of the /health and /ready endpoints
type Report struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
}

type componentState struct {
	healthy bool
	message string
}

// registry holds the last reported state of each component
type registry struct {
	mu         sync.RWMutex
	components map[string]componentState
	started    time.Time
	version    string
}

func newRegistry(version string) *registry {
	return &registry{
		components: make(map[string]componentState),
		started:    time.Now(),
		version:    version,
	}
}

var components = newRegistry("")

// SetVersion sets the version reported by the health endpoints
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// RegisterComponent records the initial state of a component
func RegisterComponent(name string, healthy bool, message string) {
	UpdateComponent(name, healthy, message)
}

// UpdateComponent records the current state of a component. The message
// explains an unhealthy state.
func UpdateComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.components[name] = componentState{healthy: healthy, message: message}
}

// Health reports "unhealthy" when any reported component is
func Health() Report {
	components.mu.RLock()
	defer components.mu.RUnlock()

	r := components.report("healthy")
	for name, c := range components.components {
		if c.healthy {
			r.Components[name] = "healthy"
			continue
		}
		r.Status = "unhealthy"
		r.Components[name] = "unhealthy: " + c.message
	}
	return r
}

// Readiness reports "ready" once every critical component is healthy. The
// reconciler turns healthy after its first applied configuration. The
// message names the first component in the way.
func Readiness() Report {
	components.mu.RLock()
	defer components.mu.RUnlock()

	r := components.report("ready")
	names := append([]string(nil), CriticalComponents...)
	sort.Strings(names)
	for _, name := range names {
		c, ok := components.components[name]
		switch {
		case !ok:
			r.Components[name] = "not reported"
		case !c.healthy:
			r.Components[name] = "not ready: " + c.message
		default:
			r.Components[name] = "ready"
			continue
		}
		if r.Status == "ready" {
			r.Status = "not_ready"
			r.Message = "waiting for " + name
		}
	}
	return r
}

func (reg *registry) report(status string) Report {
	return Report{
		Status:     status,
		Components: make(map[string]string),
		Version:    reg.version,
		Uptime:     time.Since(reg.started).Round(time.Second).String(),
	}
}

func writeReport(w http.ResponseWriter, r Report, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(r)
}

// HealthHandler serves Health, 503 when unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := Health()
		writeReport(w, r, r.Status != "unhealthy")
	}
}

// ReadyHandler serves Readiness, 503 until ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		r := Readiness()
		writeReport(w, r, r.Status == "ready")
	}
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		components.mu.RLock()
		r := components.report("alive")
		components.mu.RUnlock()
		r.Components = nil
		writeReport(w, r, true)
	}
}
