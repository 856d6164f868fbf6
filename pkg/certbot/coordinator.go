package certbot

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/nexus-proxy/pkg/certs"
	"github.com/cuemby/nexus-proxy/pkg/clock"
	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/metrics"
	"github.com/cuemby/nexus-proxy/pkg/resolver"
	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// Result is the outcome of renewing one listener group
type Result string

const (
	ResultIssued  Result = "issued"
	ResultTimeout Result = "timeout"
	ResultFailed  Result = "failed"
)

// GroupSource resolves the listener groups of an ALB
type GroupSource interface {
	Resolve(ctx context.Context, albID string, opts resolver.Options) (*types.LoadBalancerConfig, error)
}

// Config holds the settings of a renewal run
type Config struct {
	ALBID string
	Email string

	// HostName and HostPort locate the challenge responder as seen from
	// the proxy
	HostName string
	HostPort int

	WaitTimeout time.Duration
}

// Validate reports the first missing setting
func (c Config) Validate() error {
	switch {
	case c.HostName == "":
		return &types.ConfigurationError{Setting: "HOST_NAME", Reason: "no host name set, use --host-name"}
	case c.HostPort <= 0:
		return &types.ConfigurationError{Setting: "HOST_PORT", Reason: "no host port set, use --host-port"}
	case c.Email == "":
		return &types.ConfigurationError{Setting: "EMAIL", Reason: "no email address set, use --email"}
	}
	return nil
}

// Summary counts the results of a renewal run per listener group
type Summary struct {
	Results map[string]Result
}

// Count returns how many groups ended with result
func (s *Summary) Count(result Result) int {
	n := 0
	for _, r := range s.Results {
		if r == result {
			n++
		}
	}
	return n
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock replaces the wall clock used for certificate timestamps and
// for the readiness timeout
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLookup replaces host name resolution
func WithLookup(lookup func(ctx context.Context, host string) (string, error)) Option {
	return func(co *Coordinator) { co.lookup = lookup }
}

// Coordinator drives issuance for every certbot managed listener group of
// an ALB. The reconciler of the same ALB serves the challenge route.
type Coordinator struct {
	cfg      Config
	store    storage.Store
	source   GroupSource
	registry *Registry
	issuer   Issuer
	clock    clock.Clock
	lookup   func(ctx context.Context, host string) (string, error)
}

// NewCoordinator creates a coordinator
func NewCoordinator(cfg Config, store storage.Store, source GroupSource, issuer Issuer, opts ...Option) *Coordinator {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		source:   source,
		issuer:   issuer,
		clock:    clock.Real{},
		lookup:   lookupIP,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = NewRegistry(store).WithClock(c.clock)
	return c
}

// Renew runs one issuance per certbot managed listener group with domains.
// A group whose challenge route never becomes ready, or whose issuance
// fails, is recorded in the summary; store failures abort the run. Every
// registration made is removed before Renew returns.
func (c *Coordinator) Renew(ctx context.Context) (*Summary, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	cfg, err := c.source.Resolve(ctx, c.cfg.ALBID, resolver.Options{WithListenerGroups: true, Raw: true})
	if err != nil {
		return nil, err
	}

	host, err := c.lookup(ctx, c.cfg.HostName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host %s: %w", c.cfg.HostName, err)
	}

	summary := &Summary{Results: make(map[string]Result)}
	for _, lg := range cfg.ListenerGroups {
		if !lg.CertbotManaged || len(lg.Domains) == 0 {
			continue
		}
		result, err := c.renewGroup(ctx, lg, host)
		if err != nil {
			return summary, err
		}
		summary.Results[lg.ID] = result
		metrics.CertificateRenewalsTotal.WithLabelValues(string(result)).Inc()
	}
	return summary, nil
}

func (c *Coordinator) renewGroup(ctx context.Context, lg *types.ListenerGroup, host string) (Result, error) {
	logger := log.WithListenerGroup("certbot", c.cfg.ALBID, lg.ID).With().Str("run", uuid.NewString()).Logger()
	name := lg.IssuedCertificateName()

	reg := Registration{
		GroupID:         lg.ID,
		Domains:         lg.Domains,
		TargetHost:      host,
		TargetPort:      c.cfg.HostPort,
		CertificateName: name,
	}
	defer func() {
		if err := c.registry.Unregister(context.WithoutCancel(ctx), c.cfg.ALBID, lg.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to unregister certbot")
			return
		}
		logger.Debug().Msg("Certbot unregistered")
	}()
	if err := c.registry.Register(ctx, c.cfg.ALBID, reg); err != nil {
		return "", err
	}

	logger.Debug().Dur("timeout", c.cfg.WaitTimeout).Msg("Waiting for challenge route")
	ready, err := c.registry.WaitReady(ctx, c.cfg.ALBID, lg.ID, c.cfg.WaitTimeout)
	if err != nil {
		return "", err
	}
	if !ready {
		logger.Error().Strs("domains", lg.Domains).Dur("timeout", c.cfg.WaitTimeout).Msg("Challenge route not ready, skipping issuance")
		return ResultTimeout, nil
	}

	if err := certs.RegisterMetadata(ctx, c.store, name, lg.Domains, c.cfg.Email, c.clock.Now()); err != nil {
		return "", err
	}

	issued, err := c.issuer.Issue(ctx, Request{
		CertificateName: name,
		Domains:         lg.Domains,
		Email:           c.cfg.Email,
		HTTPPort:        c.cfg.HostPort,
	})
	if err != nil {
		logger.Error().Err(err).Strs("domains", lg.Domains).Msg("Certificate issuance failed")
		return ResultFailed, nil
	}

	if issued.PEM != "" {
		if err := certs.Register(ctx, c.store, name, lg.Domains, c.cfg.Email, issued.PEM, c.clock.Now()); err != nil {
			return "", err
		}
	}

	logger.Info().Str("certificate", name).Strs("domains", lg.Domains).Msg("Certificate issued")
	return ResultIssued, nil
}

// lookupIP resolves host to an address, preferring IPv4
func lookupIP(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no address for %s", host)
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}
