package certbot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nexus-proxy/pkg/certs"
	"github.com/cuemby/nexus-proxy/pkg/clock"
	"github.com/cuemby/nexus-proxy/pkg/command"
	"github.com/cuemby/nexus-proxy/pkg/reconciler"
	"github.com/cuemby/nexus-proxy/pkg/resolver"
	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

const alb = "vhost"

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "certbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func set(t *testing.T, s storage.Store, key, value string) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), key, []byte(value)))
}

// seed stores one http listener and a certbot managed listener group "shop"
func seed(t *testing.T, s storage.Store) {
	t.Helper()
	set(t, s, storage.ListenerKey(alb, "web", "port"), "80")
	set(t, s, storage.ListenerKey(alb, "web", "protocol"), "http")
	set(t, s, storage.RuleConfigKey(alb, "web", "r1"), `{"host":"shop.example.com","action":"tg:shop"}`)
	set(t, s, storage.TargetGroupKey("shop", "name"), "shop")
	set(t, s, storage.TargetGroupKey("shop", "targets")+"/t1", `{"host":"10.0.0.1","port":8080}`)
	set(t, s, storage.ListenerGroupKey(alb, "shop", "domains"), `["shop.example.com","www.shop.example.com"]`)
	set(t, s, storage.ListenerGroupKey(alb, "shop", "listeners"), `["web"]`)
	set(t, s, storage.ListenerGroupKey(alb, "shop", "certbot_managed"), "true")
	set(t, s, storage.ListenerGroupKey(alb, "plain", "domains"), `["plain.example.com"]`)
}

func certbotKeys(t *testing.T, s storage.Store) []storage.KVPair {
	t.Helper()
	pairs, err := s.List(context.Background(), "/alb/"+alb+"/certbot/")
	require.NoError(t, err)
	return pairs
}

type fakeIssuer struct {
	mu       sync.Mutex
	requests []Request
	pem      string
	err      error
}

func (f *fakeIssuer) Issue(ctx context.Context, req Request) (*Issued, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &Issued{PEM: f.pem}, nil
}

func staticLookup(ip string) Option {
	return WithLookup(func(ctx context.Context, host string) (string, error) { return ip, nil })
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)
	reg := NewRegistry(s)

	require.NoError(t, reg.Register(ctx, alb, Registration{
		GroupID:         "shop",
		Domains:         []string{"shop.example.com"},
		TargetHost:      "192.0.2.10",
		TargetPort:      8888,
		CertificateName: "shop-cert",
	}))

	cfg, err := resolver.New(s).Resolve(ctx, alb, resolver.Options{WithListenerGroups: true})
	require.NoError(t, err)
	bots := cfg.ActiveCertBots()
	require.Len(t, bots, 1)
	assert.Equal(t, "192.0.2.10", bots[0].TargetHost)
	assert.Equal(t, 8888, bots[0].TargetPort)
	assert.Equal(t, "shop-cert", bots[0].CertificateName)
	assert.False(t, bots[0].Ready)

	ready, err := reg.WaitReady(ctx, alb, "shop", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, reg.MarkReady(ctx, alb, "shop"))
	ready, err = reg.WaitReady(ctx, alb, "shop", time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, reg.Unregister(ctx, alb, "shop"))
	assert.Empty(t, certbotKeys(t, s))
	assert.NoError(t, reg.Unregister(ctx, alb, "shop"), "unregistering twice is harmless")

	require.NoError(t, reg.MarkReady(ctx, alb, "shop"))
	assert.Empty(t, certbotKeys(t, s), "a removed registration is not resurrected")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{ALBID: alb, Email: "ops@example.com", HostName: "certbot", HostPort: 8888}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		setting string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no host name", func(c *Config) { c.HostName = "" }, "HOST_NAME"},
		{"no host port", func(c *Config) { c.HostPort = 0 }, "HOST_PORT"},
		{"no email", func(c *Config) { c.Email = "" }, "EMAIL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.setting == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *types.ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.setting, cerr.Setting)
		})
	}
}

func TestCoordinator_Renew_Timeout(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)
	issuer := &fakeIssuer{pem: "PEM"}
	fake := clock.NewFake(time.Now())
	begin := fake.Now()

	c := NewCoordinator(Config{
		ALBID:    alb,
		Email:    "ops@example.com",
		HostName: "certbot",
		HostPort: 8888,
	}, s, resolver.New(s), issuer, staticLookup("192.0.2.10"), WithClock(fake))

	start := time.Now()
	summary, err := c.Renew(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 30*time.Second, "the default timeout elapses on virtual time")
	assert.GreaterOrEqual(t, fake.Now().Sub(begin), DefaultWaitTimeout)
	assert.Equal(t, map[string]Result{"shop": ResultTimeout}, summary.Results, "unmanaged groups are not renewed")
	assert.Empty(t, issuer.requests, "no issuance without a live challenge route")
	assert.Empty(t, certbotKeys(t, s))

	cert, err := certs.NewLoader(s).Metadata(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, cert, "nothing is recorded for a skipped group")
}

func TestCoordinator_Renew_NoConfiguration(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(Config{ALBID: alb, Email: "ops@example.com", HostName: "certbot", HostPort: 8888},
		s, resolver.New(s), &fakeIssuer{}, staticLookup("192.0.2.10"))

	_, err := c.Renew(context.Background())
	assert.True(t, types.IsNoConfiguration(err))
}

func TestCoordinator_Renew_MissingSettings(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	c := NewCoordinator(Config{ALBID: alb, HostName: "certbot", HostPort: 8888}, s, resolver.New(s), &fakeIssuer{})

	_, err := c.Renew(context.Background())
	var cerr *types.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, certbotKeys(t, s))
}

// proxyStub stands in for HAProxy. Validation fails while reject is set.
type proxyStub struct {
	mu        sync.Mutex
	reject    bool
	validates int
	reloads   int
}

func (p *proxyStub) Validate(ctx context.Context, staged string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validates++
	if p.reject {
		return &command.Error{Args: []string{"haproxy", "-c"}, ExitCode: 1}
	}
	return nil
}

func (p *proxyStub) Promote(staged, live string) error {
	data, err := os.ReadFile(staged)
	if err != nil {
		return err
	}
	return os.WriteFile(live, data, 0644)
}

func (p *proxyStub) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return nil
}

// runReconciler runs a reconciler for the ALB until the returned stop is called
func runReconciler(t *testing.T, s storage.Store, proxy *proxyStub) (stop func()) {
	t.Helper()
	dir := t.TempDir()

	r := reconciler.New(reconciler.Config{
		ALBID:            alb,
		ConfigPath:       filepath.Join(dir, "haproxy.cfg"),
		StagedConfigPath: filepath.Join(dir, "haproxy.new.cfg"),
		PollInterval:     10 * time.Millisecond,
	},
		resolver.New(s),
		certs.NewTransferrer(certs.NewLoader(s), filepath.Join(dir, "certs"), filepath.Join(dir, "certs.tmp"), nil),
		proxy,
		reconciler.WithReadinessMarker(NewRegistry(s)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestCoordinator_Renew_WithReconciler(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)
	stop := runReconciler(t, s, &proxyStub{})

	issuer := &fakeIssuer{pem: "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"}
	c := NewCoordinator(Config{
		ALBID:       alb,
		Email:       "ops@example.com",
		HostName:    "certbot",
		HostPort:    8888,
		WaitTimeout: 5 * time.Second,
	}, s, resolver.New(s), issuer, staticLookup("192.0.2.10"))

	summary, err := c.Renew(ctx)
	stop()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(ResultIssued))

	require.Len(t, issuer.requests, 1)
	assert.Equal(t, Request{
		CertificateName: "shop",
		Domains:         []string{"shop.example.com", "www.shop.example.com"},
		Email:           "ops@example.com",
		HTTPPort:        8888,
	}, issuer.requests[0])

	cert, err := certs.NewLoader(s).Full(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.True(t, cert.Valid)
	assert.Equal(t, issuer.pem, cert.PEM)
	assert.Empty(t, certbotKeys(t, s))
}

// A registration whose challenge route never validates stays not ready, the
// renewal times out and the registration is still removed
func TestCoordinator_Renew_ValidationFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)
	proxy := &proxyStub{reject: true}
	stop := runReconciler(t, s, proxy)

	issuer := &fakeIssuer{pem: "PEM"}
	c := NewCoordinator(Config{
		ALBID:       alb,
		Email:       "ops@example.com",
		HostName:    "certbot",
		HostPort:    8888,
		WaitTimeout: 300 * time.Millisecond,
	}, s, resolver.New(s), issuer, staticLookup("192.0.2.10"))

	summary, err := c.Renew(ctx)
	stop()

	require.NoError(t, err)
	assert.Equal(t, ResultTimeout, summary.Results["shop"])
	assert.Empty(t, issuer.requests)
	assert.Empty(t, certbotKeys(t, s))
	assert.Positive(t, proxy.validates)
	assert.Zero(t, proxy.reloads)
}

func TestCoordinator_Renew_IssuerFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)
	stop := runReconciler(t, s, &proxyStub{})

	c := NewCoordinator(Config{
		ALBID:       alb,
		Email:       "ops@example.com",
		HostName:    "certbot",
		HostPort:    8888,
		WaitTimeout: 5 * time.Second,
	}, s, resolver.New(s), &fakeIssuer{err: errors.New("rate limited")}, staticLookup("192.0.2.10"))

	summary, err := c.Renew(ctx)
	stop()
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, summary.Results["shop"])
	assert.Empty(t, certbotKeys(t, s))

	cert, err := certs.NewLoader(s).Metadata(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, cert, "metadata is recorded before issuance")
	assert.False(t, cert.Valid)
}

type recordingRunner struct {
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(ctx context.Context, args []string) error {
	r.calls = append(r.calls, args)
	return r.err
}

func TestExecIssuer(t *testing.T) {
	ctx := context.Background()
	req := Request{
		CertificateName: "shop",
		Domains:         []string{"shop.example.com", "www.shop.example.com"},
		Email:           "ops@example.com",
		HTTPPort:        8888,
	}

	t.Run("reads issued lineage", func(t *testing.T) {
		runner := &recordingRunner{}
		issuer := NewExecIssuer(runner)
		issuer.LiveDir = t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(issuer.LiveDir, "shop"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(issuer.LiveDir, "shop", "fullchain.pem"), []byte("CHAIN"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(issuer.LiveDir, "shop", "privkey.pem"), []byte("KEY"), 0600))

		issued, err := issuer.Issue(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "CHAIN\nKEY", issued.PEM)

		assert.Equal(t, [][]string{{
			"certbot", "certonly",
			"--verbose", "--noninteractive", "--standalone",
			"--preferred-challenges", "http",
			"--http-01-port", "8888",
			"--agree-tos",
			"--email", "ops@example.com",
			"--cert-name", "shop",
			"-d", "shop.example.com",
			"-d", "www.shop.example.com",
		}}, runner.calls)
	})

	t.Run("lineage elsewhere", func(t *testing.T) {
		issuer := NewExecIssuer(&recordingRunner{})
		issuer.LiveDir = t.TempDir()
		issuer.Server = "https://acme-staging-v02.api.letsencrypt.org/directory"

		issued, err := issuer.Issue(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, issued.PEM)
		assert.Contains(t, issuer.Args(req), "--server")
	})

	t.Run("certbot exits non-zero", func(t *testing.T) {
		issuer := NewExecIssuer(&recordingRunner{err: &command.Error{Args: []string{"certbot"}, ExitCode: 1}})
		_, err := issuer.Issue(ctx, req)
		assert.Equal(t, 1, command.ExitCode(err))
	})
}

type fakeACME struct {
	provider challenge.Provider
	obtained certificate.ObtainRequest
	res      *certificate.Resource
	err      error
}

func (f *fakeACME) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return &registration.Resource{URI: "https://acme.test/acct/1"}, nil
}

func (f *fakeACME) SetHTTP01Provider(provider challenge.Provider) error {
	f.provider = provider
	return nil
}

func (f *fakeACME) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	f.obtained = request
	return f.res, f.err
}

func TestLegoIssuer(t *testing.T) {
	ctx := context.Background()
	req := Request{CertificateName: "shop", Domains: []string{"shop.example.com"}, Email: "ops@example.com", HTTPPort: 8888}

	newIssuer := func(client *fakeACME, seen *lego.Config) *LegoIssuer {
		l := NewLegoIssuer(WithDirectoryURL("https://acme.test/directory"))
		l.clientFactory = func(cfg *lego.Config) (acmeClient, error) {
			*seen = *cfg
			return client, nil
		}
		return l
	}

	t.Run("bundles chain and key", func(t *testing.T) {
		client := &fakeACME{res: &certificate.Resource{Certificate: []byte("CHAIN\n"), PrivateKey: []byte("KEY\n")}}
		var seen lego.Config
		issued, err := newIssuer(client, &seen).Issue(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, "CHAIN\nKEY\n", issued.PEM)
		assert.Equal(t, "https://acme.test/directory", seen.CADirURL)
		assert.NotNil(t, client.provider)
		assert.Equal(t, []string{"shop.example.com"}, client.obtained.Domains)
		assert.True(t, client.obtained.Bundle)
	})

	t.Run("empty key", func(t *testing.T) {
		client := &fakeACME{res: &certificate.Resource{Certificate: []byte("CHAIN\n")}}
		var seen lego.Config
		_, err := newIssuer(client, &seen).Issue(ctx, req)
		assert.Error(t, err)
	})

	t.Run("obtain fails", func(t *testing.T) {
		client := &fakeACME{err: errors.New("unauthorized")}
		var seen lego.Config
		_, err := newIssuer(client, &seen).Issue(ctx, req)
		assert.ErrorContains(t, err, "unauthorized")
	})

	t.Run("request checks", func(t *testing.T) {
		var seen lego.Config
		l := newIssuer(&fakeACME{}, &seen)
		_, err := l.Issue(ctx, Request{Email: "ops@example.com"})
		assert.Error(t, err)
		_, err = l.Issue(ctx, Request{Domains: []string{"shop.example.com"}})
		assert.Error(t, err)
	})
}

func TestLookupIP(t *testing.T) {
	ip, err := lookupIP(context.Background(), "192.0.2.10")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", ip)
}
