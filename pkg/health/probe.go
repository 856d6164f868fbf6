package health

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nexus-proxy/pkg/clock"
	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// ForTarget builds the checker the proxy would use for target. A health
// check with a path probes over HTTP, anything else opens a connection. The
// policy port replaces the traffic port unless use_traffic_port is set.
func ForTarget(tg *types.TargetGroup, target types.Target) Checker {
	hc := tg.HealthCheck
	cfg := ConfigFor(hc)

	port := target.Port
	if hc != nil && hc.Port > 0 && !hc.UseTrafficPort {
		port = hc.Port
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))

	if hc == nil || hc.Path == "" {
		return NewTCPChecker(addr).WithTimeout(cfg.Timeout)
	}

	path := hc.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	scheme := "http"
	if strings.EqualFold(hc.Protocol, types.ProtocolHTTPS) {
		scheme = "https"
	}

	checker := NewHTTPChecker(scheme + "://" + addr + path).
		WithSuccessCodes(hc.Success...).
		WithTimeout(cfg.Timeout)
	if scheme == "https" {
		// Backend certificates are not verified
		checker.Client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}
	return checker
}

// TargetResult is the state of one target after a probe round
type TargetResult struct {
	TargetGroup string
	Target      types.Target
	Type        CheckType
	Status      Status
}

// Prober probes target groups in rounds and tracks each target's state
// with the group's rise and fall thresholds
type Prober struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	statuses map[string]*Status
}

// NewProber creates a prober. A nil clock uses the wall clock.
func NewProber(c clock.Clock) *Prober {
	if c == nil {
		c = clock.Real{}
	}
	return &Prober{
		clock:    c,
		logger:   log.WithComponent("health"),
		statuses: make(map[string]*Status),
	}
}

type probe struct {
	tg      *types.TargetGroup
	target  types.Target
	checker Checker
}

// Probe runs one round over every target of groups concurrently. Results
// are ordered by target group id, then target.
func (p *Prober) Probe(ctx context.Context, groups []*types.TargetGroup) []TargetResult {
	var probes []probe
	for _, tg := range groups {
		for _, target := range tg.Targets {
			probes = append(probes, probe{tg: tg, target: target, checker: ForTarget(tg, target)})
		}
	}

	results := make([]Result, len(probes))
	var wg sync.WaitGroup
	for i, pr := range probes {
		wg.Add(1)
		go func(i int, pr probe) {
			defer wg.Done()
			results[i] = pr.checker.Check(ctx)
		}(i, pr)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]TargetResult, 0, len(probes))
	for i, pr := range probes {
		key := pr.tg.ID + "/" + pr.target.String()
		status, ok := p.statuses[key]
		if !ok {
			status = NewStatus()
			p.statuses[key] = status
		}
		status.Update(results[i], ConfigFor(pr.tg.HealthCheck))

		p.logger.Debug().
			Str("target_group", pr.tg.ID).
			Str("target", pr.target.String()).
			Bool("probe_ok", results[i].Healthy).
			Bool("healthy", status.Healthy).
			Str("message", results[i].Message).
			Msg("Probed target")

		out = append(out, TargetResult{
			TargetGroup: pr.tg.ID,
			Target:      pr.target,
			Type:        pr.checker.Type(),
			Status:      *status,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TargetGroup != out[j].TargetGroup {
			return out[i].TargetGroup < out[j].TargetGroup
		}
		return out[i].Target.String() < out[j].Target.String()
	})
	return out
}

// Watch runs rounds probe rounds, sleeping the shortest group interval in
// between, and returns the results of the last completed round. It stops
// early without error when ctx is cancelled.
func (p *Prober) Watch(ctx context.Context, groups []*types.TargetGroup, rounds int) []TargetResult {
	interval := time.Duration(0)
	for _, tg := range groups {
		if d := ConfigFor(tg.HealthCheck).Interval; interval == 0 || d < interval {
			interval = d
		}
	}
	if interval == 0 {
		interval = DefaultInterval
	}

	var last []TargetResult
	for round := 1; round <= rounds; round++ {
		last = p.Probe(ctx, groups)
		if round == rounds {
			break
		}
		if err := p.clock.Sleep(ctx, interval); err != nil {
			break
		}
	}
	return last
}
