package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nexus-proxy/pkg/clock"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

func TestConfigFor(t *testing.T) {
	assert.Equal(t, Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Rise:     DefaultRise,
		Fall:     DefaultFall,
	}, ConfigFor(nil))

	assert.Equal(t, Config{
		Interval: 10 * time.Second,
		Timeout:  3 * time.Second,
		Rise:     4,
		Fall:     5,
	}, ConfigFor(&types.HealthCheck{Interval: 10, Timeout: 3, Healthy: 4, Unhealthy: 5}))
}

func TestForTarget(t *testing.T) {
	target := types.Target{Host: "10.0.0.1", Port: 8080}

	tests := []struct {
		name string
		hc   *types.HealthCheck
		want string
		typ  CheckType
	}{
		{name: "no health check", want: "10.0.0.1:8080", typ: CheckTypeTCP},
		{name: "tcp on check port", hc: &types.HealthCheck{Port: 9000}, want: "10.0.0.1:9000", typ: CheckTypeTCP},
		{name: "http on check port", hc: &types.HealthCheck{Path: "/healthz", Port: 9000}, want: "http://10.0.0.1:9000/healthz", typ: CheckTypeHTTP},
		{name: "traffic port wins", hc: &types.HealthCheck{Path: "healthz", Port: 9000, UseTrafficPort: true}, want: "http://10.0.0.1:8080/healthz", typ: CheckTypeHTTP},
		{name: "https", hc: &types.HealthCheck{Protocol: "HTTPS", Path: "/"}, want: "https://10.0.0.1:8080/", typ: CheckTypeHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := ForTarget(&types.TargetGroup{ID: "tg", HealthCheck: tt.hc}, target)
			assert.Equal(t, tt.typ, checker.Type())

			switch c := checker.(type) {
			case *HTTPChecker:
				assert.Equal(t, tt.want, c.URL)
			case *TCPChecker:
				assert.Equal(t, tt.want, c.Address)
			}
		})
	}
}

func TestStatus_Update(t *testing.T) {
	cfg := Config{Rise: 2, Fall: 3}
	ok := Result{Healthy: true}
	fail := Result{}

	s := NewStatus()
	for _, step := range []struct {
		result  Result
		healthy bool
	}{
		{fail, true},
		{fail, true},
		{fail, false},
		{ok, false},
		{fail, false},
		{ok, false},
		{ok, true},
		{fail, true},
	} {
		s.Update(step.result, cfg)
		require.Equal(t, step.healthy, s.Healthy)
	}
	assert.Equal(t, 1, s.ConsecutiveFailures)
	assert.Zero(t, s.ConsecutiveSuccesses)
}

// closedAddr returns a local address nothing listens on
func closedAddr(t *testing.T) types.Target {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())
	return types.Target{Host: "127.0.0.1", Port: addr.Port}
}

func serverTarget(t *testing.T, server *httptest.Server) types.Target {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return types.Target{Host: u.Hostname(), Port: port}
}

func TestProber_Watch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	groups := []*types.TargetGroup{
		{
			ID:          "web",
			HealthCheck: &types.HealthCheck{Path: "/healthz", Interval: 1, Success: []int{200}},
			Targets:     []types.Target{serverTarget(t, server)},
		},
		{
			ID:          "db",
			HealthCheck: &types.HealthCheck{Unhealthy: 2, Timeout: 1},
			Targets:     []types.Target{closedAddr(t)},
		},
	}

	fake := clock.NewFake(time.Now())
	prober := NewProber(fake)

	first := prober.Probe(context.Background(), groups)
	require.Len(t, first, 2)
	assert.Equal(t, "db", first[0].TargetGroup)
	assert.True(t, first[0].Status.Healthy, "one failure is below the fall threshold")
	assert.Equal(t, CheckTypeTCP, first[0].Type)

	results := prober.Watch(context.Background(), groups, 2)
	require.Len(t, results, 2)

	assert.Equal(t, "db", results[0].TargetGroup)
	assert.False(t, results[0].Status.Healthy)
	assert.Equal(t, 3, results[0].Status.ConsecutiveFailures)

	assert.Equal(t, "web", results[1].TargetGroup)
	assert.Equal(t, CheckTypeHTTP, results[1].Type)
	assert.True(t, results[1].Status.Healthy, results[1].Status.LastResult.Message)

	assert.Equal(t, []time.Duration{time.Second}, fake.Sleeps())
}

func TestProber_WatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := clock.NewFake(time.Now())
	fake.OnSleep = func(int, time.Duration) { cancel() }

	groups := []*types.TargetGroup{{ID: "db", Targets: []types.Target{closedAddr(t)}}}
	results := NewProber(fake).Watch(ctx, groups, 5)

	require.Len(t, results, 1)
	assert.Len(t, fake.Sleeps(), 1)
}
