package resolver

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/nexus-proxy/pkg/certs"
	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alb = "vhost"

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func set(t *testing.T, s storage.Store, key, value string) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), key, []byte(value)))
}

func addListener(t *testing.T, s storage.Store, id, port, protocol string, rules map[string]string) {
	t.Helper()
	set(t, s, storage.ListenerKey(alb, id, "port"), port)
	if protocol != "" {
		set(t, s, storage.ListenerKey(alb, id, "protocol"), protocol)
	}
	for ruleID, cfg := range rules {
		set(t, s, storage.RuleConfigKey(alb, id, ruleID), cfg)
	}
}

func addTargetGroup(t *testing.T, s storage.Store, id string, targets map[string]string) {
	t.Helper()
	set(t, s, storage.TargetGroupKey(id, "name"), id)
	set(t, s, storage.TargetGroupKey(id, "protocol"), "http")
	for targetID, cfg := range targets {
		set(t, s, storage.TargetsDir(id)+"/"+targetID, cfg)
	}
}

func resolve(t *testing.T, s storage.Store, opts Options) *types.LoadBalancerConfig {
	t.Helper()
	cfg, err := New(s).Resolve(context.Background(), alb, opts)
	require.NoError(t, err)
	return cfg
}

func ruleIDs(l *types.Listener) []string {
	ids := make([]string, 0, len(l.Rules))
	for _, r := range l.Rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestResolve_Listeners(t *testing.T) {
	s := newTestStore(t)

	addListener(t, s, "web", "80", "", map[string]string{
		"r1": `{"host":"shop.example.com","path":"/","action":"tg:shop"}`,
	})
	addListener(t, s, "empty", "81", "http", nil)
	addListener(t, s, "unusable", "82", "http", map[string]string{
		"r1": `{"host":"a.example.com"}`,
		"r2": `{"action":"bogus"}`,
		"r3": `not json`,
	})
	addListener(t, s, "badport", "eighty", "http", map[string]string{"r1": `{"action":"https"}`})
	set(t, s, storage.RuleConfigKey(alb, "noport", "r1"), `{"action":"https"}`)
	addTargetGroup(t, s, "shop", map[string]string{"t1": `{"host":"10.0.0.1","port":8080}`})

	cfg := resolve(t, s, Options{})

	require.Len(t, cfg.Listeners, 1)
	web := cfg.Listeners["web"]
	require.NotNil(t, web)
	assert.Equal(t, 80, web.Port)
	assert.Equal(t, "http", web.Protocol, "protocol defaults to http")
	require.Len(t, web.Rules, 1)
	assert.Equal(t, "shop.example.com", web.Rules[0].Host)
	assert.Equal(t, types.Forward("shop"), web.Rules[0].Action)

	for _, id := range []string{"empty", "unusable", "badport", "noport"} {
		assert.NotContains(t, cfg.Listeners, id)
	}
}

func TestResolve_NoListeners(t *testing.T) {
	s := newTestStore(t)

	_, err := New(s).Resolve(context.Background(), alb, Options{WithListenerGroups: true})
	assert.ErrorIs(t, err, types.ErrNoListeners)

	addListener(t, s, "empty", "80", "http", nil)
	_, err = New(s).Resolve(context.Background(), alb, Options{})
	assert.ErrorIs(t, err, types.ErrNoListeners)
}

func TestResolve_BindsTargetGroups(t *testing.T) {
	s := newTestStore(t)

	addListener(t, s, "web", "80", "http", map[string]string{
		"known":    `{"host":"a.example.com","action":"tg:shop"}`,
		"unknown":  `{"host":"b.example.com","action":"tg:ghost"}`,
		"redirect": `{"host":"c.example.com","action":"https"}`,
		"teapot":   `{"host":"d.example.com","action":"status:418"}`,
	})
	addTargetGroup(t, s, "shop", map[string]string{
		"t1": `{"host":"10.0.0.1","port":8080}`,
		"t2": `{"host":"10.0.0.2","port":"8081"}`,
		"t3": `{"host":"10.0.0.3"}`,
		"t4": `{"host":"10.0.0.4","port":"x"}`,
	})

	cfg := resolve(t, s, Options{})

	require.Contains(t, cfg.TargetGroups, "shop")
	assert.NotContains(t, cfg.TargetGroups, "ghost")
	assert.Equal(t, []types.Target{{Host: "10.0.0.1", Port: 8080}, {Host: "10.0.0.2", Port: 8081}}, cfg.TargetGroups["shop"].Targets)

	rules := map[string]*types.Rule{}
	for _, r := range cfg.Listeners["web"].Rules {
		rules[r.ID] = r
	}
	require.Len(t, rules, 4, "unresolvable rules stay in the listener")
	assert.Same(t, cfg.TargetGroups["shop"], rules["known"].TargetGroup)
	assert.Nil(t, rules["unknown"].TargetGroup)
	assert.Equal(t, "ghost", rules["unknown"].TargetGroupID())
	assert.Nil(t, rules["redirect"].TargetGroup)
	assert.Equal(t, 418, rules["teapot"].Action.StatusCode)
}

func TestResolve_RuleOrdering(t *testing.T) {
	s := newTestStore(t)

	addListener(t, s, "web", "80", "http", map[string]string{
		"B":    `{"host":"b.example.com","action":"https","priority":5}`,
		"A":    `{"host":"a.example.com","action":"https","priority":5}`,
		"low":  `{"host":"c.example.com","action":"https"}`,
		"high": `{"host":"d.example.com","action":"https","priority":"10"}`,
		"bad":  `{"host":"e.example.com","action":"https","priority":"urgent"}`,
	})

	first := resolve(t, s, Options{})
	assert.Equal(t, []string{"high", "A", "B", "bad", "low"}, ruleIDs(first.Listeners["web"]))

	second := resolve(t, s, Options{})
	assert.Equal(t, ruleIDs(first.Listeners["web"]), ruleIDs(second.Listeners["web"]))
}

func TestResolve_HealthCheck(t *testing.T) {
	tests := []struct {
		name string
		json string
		want *types.HealthCheck
	}{
		{
			name: "unsupported protocol",
			json: `{"protocol":"tcp"}`,
			want: &types.HealthCheck{Success: []int{200}},
		},
		{
			name: "full",
			json: `{"protocol":"http","path":"/health","port":9000,"healthy":"3","unhealthy":2,"timeout":5,"interval":10,"success":[200,204]}`,
			want: &types.HealthCheck{
				Protocol: "http", Path: "/health", Port: 9000,
				Healthy: 3, Unhealthy: 2, Timeout: 5, Interval: 10,
				Success: []int{200, 204},
			},
		},
		{
			name: "traffic port and single success code",
			json: `{"protocol":"http","port":"traffic","success":301}`,
			want: &types.HealthCheck{Protocol: "http", UseTrafficPort: true, Success: []int{301}},
		},
		{
			name: "malformed fields are dropped",
			json: `{"path":"health","port":"nine","healthy":"many","interval":true}`,
			want: &types.HealthCheck{Success: []int{200}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			addListener(t, s, "web", "80", "http", map[string]string{"r1": `{"action":"tg:shop"}`})
			addTargetGroup(t, s, "shop", nil)
			set(t, s, storage.TargetGroupKey("shop", "healthcheck"), tt.json)

			cfg := resolve(t, s, Options{})
			assert.Equal(t, tt.want, cfg.TargetGroups["shop"].HealthCheck)
		})
	}

	t.Run("absent", func(t *testing.T) {
		s := newTestStore(t)
		addListener(t, s, "web", "80", "http", map[string]string{"r1": `{"action":"tg:shop"}`})
		addTargetGroup(t, s, "shop", nil)

		cfg := resolve(t, s, Options{})
		assert.Nil(t, cfg.TargetGroups["shop"].HealthCheck)
		assert.Empty(t, cfg.TargetGroups["shop"].Targets)
	})
}

func registerGroup(t *testing.T, s storage.Store, id string, domains string, managed bool) {
	t.Helper()
	set(t, s, storage.ListenerGroupKey(alb, id, "domains"), domains)
	set(t, s, storage.ListenerGroupKey(alb, id, "listeners"), `["web"]`)
	if managed {
		set(t, s, storage.ListenerGroupKey(alb, id, "certbot_managed"), "true")
	}
}

func registerCertbot(t *testing.T, s storage.Store, id, target string) {
	t.Helper()
	set(t, s, storage.CertbotKey(alb, id, "enabled"), "true")
	set(t, s, storage.CertbotKey(alb, id, "ready"), "false")
	set(t, s, storage.CertbotKey(alb, id, "target"), target)
}

func TestResolve_CertbotSynthesis(t *testing.T) {
	t.Run("merged into port 80 http listener", func(t *testing.T) {
		s := newTestStore(t)
		addListener(t, s, "web", "80", "http", map[string]string{"r1": `{"host":"shop.example.com","action":"tg:shop"}`})
		addTargetGroup(t, s, "shop", nil)
		registerGroup(t, s, "shop", `["shop.example.com","www.example.com"]`, true)
		registerCertbot(t, s, "shop", `["10.1.0.5", 8086]`)

		cfg := resolve(t, s, Options{WithListenerGroups: true})

		require.Len(t, cfg.Listeners, 1)
		web := cfg.Listeners["web"]
		require.Len(t, web.Rules, 3)
		for _, r := range web.Rules[:2] {
			assert.Equal(t, types.CertbotRulePriority, r.Priority)
			assert.Equal(t, types.ACMEChallengePath, r.Path)
			assert.Equal(t, "certbot-shop", r.TargetGroupID())
			require.NotNil(t, r.TargetGroup)
		}
		assert.Equal(t, "r1", web.Rules[2].ID, "challenge rules sort first")

		tg := cfg.TargetGroups["certbot-shop"]
		require.NotNil(t, tg)
		assert.Equal(t, []types.Target{{Host: "10.1.0.5", Port: 8086}}, tg.Targets)

		bots := cfg.ActiveCertBots()
		require.Len(t, bots, 1)
		assert.Equal(t, []string{"shop.example.com", "www.example.com"}, bots[0].Domains)
		assert.False(t, bots[0].Ready)
	})

	t.Run("new listener when no port 80 http listener", func(t *testing.T) {
		s := newTestStore(t)
		addListener(t, s, "tls", "443", "https", map[string]string{"r1": `{"action":"tg:shop"}`})
		registerGroup(t, s, "shop", `["shop.example.com"]`, true)
		registerCertbot(t, s, "shop", `{"host":"10.1.0.5","port":"8086"}`)

		cfg := resolve(t, s, Options{WithListenerGroups: true})

		l := cfg.Listeners["certbot-shop"]
		require.NotNil(t, l)
		assert.Equal(t, 80, l.Port)
		assert.Equal(t, "http", l.Protocol)
		assert.Equal(t, []string{"certbot-shop-shop.example.com"}, ruleIDs(l))
	})

	t.Run("only certbot listener keeps the ALB alive", func(t *testing.T) {
		s := newTestStore(t)
		registerGroup(t, s, "shop", `["shop.example.com"]`, true)
		registerCertbot(t, s, "shop", `["10.1.0.5", 8086]`)

		cfg := resolve(t, s, Options{WithListenerGroups: true})
		assert.Contains(t, cfg.Listeners, "certbot-shop")
	})

	inactive := []struct {
		name    string
		domains string
		managed bool
		target  string
	}{
		{name: "not managed", domains: `["shop.example.com"]`, managed: false, target: `["10.1.0.5", 8086]`},
		{name: "no domains", domains: `[]`, managed: true, target: `["10.1.0.5", 8086]`},
		{name: "short target", domains: `["shop.example.com"]`, managed: true, target: `["10.1.0.5"]`},
		{name: "bad target", domains: `["shop.example.com"]`, managed: true, target: `"10.1.0.5:8086"`},
	}
	for _, tt := range inactive {
		t.Run("inactive: "+tt.name, func(t *testing.T) {
			s := newTestStore(t)
			addListener(t, s, "web", "80", "http", map[string]string{"r1": `{"action":"https"}`})
			registerGroup(t, s, "shop", tt.domains, tt.managed)
			registerCertbot(t, s, "shop", tt.target)

			cfg := resolve(t, s, Options{WithListenerGroups: true})
			assert.Empty(t, cfg.ActiveCertBots())
			assert.Len(t, cfg.Listeners["web"].Rules, 1)
			assert.NotContains(t, cfg.TargetGroups, "certbot-shop")
		})
	}

	t.Run("disabled", func(t *testing.T) {
		s := newTestStore(t)
		addListener(t, s, "web", "80", "http", map[string]string{"r1": `{"action":"https"}`})
		registerGroup(t, s, "shop", `["shop.example.com"]`, true)
		registerCertbot(t, s, "shop", `["10.1.0.5", 8086]`)
		set(t, s, storage.CertbotKey(alb, "shop", "enabled"), "false")

		cfg := resolve(t, s, Options{WithListenerGroups: true})
		assert.Empty(t, cfg.ActiveCertBots())
	})

	t.Run("raw skips synthesis and sorting", func(t *testing.T) {
		s := newTestStore(t)
		addListener(t, s, "web", "80", "http", map[string]string{
			"a": `{"action":"https"}`,
			"b": `{"action":"https","priority":9}`,
		})
		registerGroup(t, s, "shop", `["shop.example.com"]`, true)
		registerCertbot(t, s, "shop", `["10.1.0.5", 8086]`)

		cfg := resolve(t, s, Options{WithListenerGroups: true, Raw: true})
		assert.Equal(t, []string{"a", "b"}, ruleIDs(cfg.Listeners["web"]))
		assert.NotContains(t, cfg.TargetGroups, "certbot-shop")
		assert.Len(t, cfg.ActiveCertBots(), 1)
	})
}

func TestResolve_Certificates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	addListener(t, s, "tls", "443", "https", map[string]string{"r1": `{"action":"https"}`})
	set(t, s, storage.ListenerKey(alb, "tls", "certificate_name"), "shop")
	addListener(t, s, "missing", "8443", "https", map[string]string{"r1": `{"action":"https"}`})
	set(t, s, storage.ListenerKey(alb, "missing", "certificate_name"), "nope")

	require.NoError(t, certs.Register(ctx, s, "shop", []string{"shop.example.com"}, "ops@example.com", "PEM", time.Now()))

	cfg := resolve(t, s, Options{})

	cert := cfg.Listeners["tls"].Certificate
	require.NotNil(t, cert)
	assert.True(t, cert.Valid)
	assert.Empty(t, cert.PEM)
	assert.Nil(t, cfg.Listeners["missing"].Certificate)
	assert.False(t, cfg.Listeners["missing"].HasValidCertificate())
}

// flakyStore fails List calls under a prefix with a connection error
type flakyStore struct {
	storage.Store
	prefix   string
	failures int
	calls    int
}

func (f *flakyStore) List(ctx context.Context, prefix string) ([]storage.KVPair, error) {
	if strings.HasPrefix(prefix, f.prefix) {
		f.calls++
		if f.failures < 0 || f.calls <= f.failures {
			return nil, storage.ErrConnectionFailed
		}
	}
	return f.Store.List(ctx, prefix)
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.HasPrefix(key, f.prefix) && f.failures < 0 {
		return nil, storage.ErrConnectionFailed
	}
	return f.Store.Get(ctx, key)
}

func TestResolve_Retries(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) storage.Store {
		s := newTestStore(t)
		addListener(t, s, "web", "80", "http", map[string]string{"r1": `{"action":"tg:shop"}`})
		addTargetGroup(t, s, "shop", map[string]string{"t1": `{"host":"10.0.0.1","port":80}`})
		registerGroup(t, s, "shop", `["shop.example.com"]`, false)
		return s
	}

	t.Run("recovers within budget", func(t *testing.T) {
		flaky := &flakyStore{Store: seed(t), prefix: "/alb/vhost/listeners", failures: 2}
		cfg, err := New(flaky).Resolve(ctx, alb, Options{MaxRetries: 3})
		require.NoError(t, err)
		assert.Contains(t, cfg.Listeners, "web")
	})

	t.Run("listeners exhausted", func(t *testing.T) {
		flaky := &flakyStore{Store: seed(t), prefix: "/alb/vhost/listeners", failures: -1}
		_, err := New(flaky).Resolve(ctx, alb, Options{MaxRetries: 3})
		assert.ErrorIs(t, err, types.ErrNoListeners)
		assert.ErrorIs(t, err, storage.ErrConnectionFailed)
		assert.Equal(t, 3, flaky.calls)
	})

	t.Run("target groups exhausted", func(t *testing.T) {
		flaky := &flakyStore{Store: seed(t), prefix: "/target_group", failures: -1}
		_, err := New(flaky).Resolve(ctx, alb, Options{MaxRetries: 2})
		assert.ErrorIs(t, err, types.ErrNoTargetGroups)
	})

	t.Run("listener groups exhausted", func(t *testing.T) {
		flaky := &flakyStore{Store: seed(t), prefix: "/alb/vhost/listener_groups", failures: -1}
		_, err := New(flaky).Resolve(ctx, alb, Options{WithListenerGroups: true})
		assert.ErrorIs(t, err, types.ErrNoTargetGroups)

		// Not requested, not read
		_, err = New(flaky).Resolve(ctx, alb, Options{})
		assert.NoError(t, err)
	})
}
