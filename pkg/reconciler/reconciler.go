package reconciler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/nexus-proxy/pkg/clock"
	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/metrics"
	"github.com/cuemby/nexus-proxy/pkg/render"
	"github.com/cuemby/nexus-proxy/pkg/resolver"
	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

const (
	DefaultPollInterval       = 5 * time.Second
	DefaultNoServicesInterval = 5 * time.Second
)

// Outcome classifies what a tick did
type Outcome string

const (
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeApplied         Outcome = "applied"
	OutcomeNoConfiguration Outcome = "no_configuration"
	OutcomeTransferFailed  Outcome = "transfer_failed"
	OutcomeRenderFailed    Outcome = "render_failed"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeApplyFailed     Outcome = "apply_failed"

	// OutcomeFailed is an unclassified error. Run stops on it.
	OutcomeFailed Outcome = "failed"
)

// Resolver produces configuration snapshots
type Resolver interface {
	Resolve(ctx context.Context, albID string, opts resolver.Options) (*types.LoadBalancerConfig, error)
}

// Certificates materializes certificate files for the proxy. Transfer
// returns the certificates actually written; https listeners bind only
// those.
type Certificates interface {
	Transfer(ctx context.Context, listeners map[string]*types.Listener) (types.CertificateSet, error)
	CertsDir() string
}

// Proxy validates, installs and reloads proxy configuration
type Proxy interface {
	Validate(ctx context.Context, stagedPath string) error
	Promote(stagedPath, livePath string) error
	Reload(ctx context.Context) error
}

// ReadinessMarker flags a certbot registration as served
type ReadinessMarker interface {
	MarkReady(ctx context.Context, albID, groupID string) error
}

// Config holds the reconciler settings
type Config struct {
	ALBID string

	// TemplatePath is the proxy configuration template. Empty selects the
	// built-in HAProxy template.
	TemplatePath string

	ConfigPath       string
	StagedConfigPath string

	PollInterval       time.Duration
	NoServicesInterval time.Duration
	MaxRetries         int

	Extras render.Extras
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithReadinessMarker enables certbot readiness reporting
func WithReadinessMarker(m ReadinessMarker) Option {
	return func(r *Reconciler) { r.marker = m }
}

// Reconciler keeps the proxy configuration in line with the store. Ticks
// run strictly one after another; only the applied snapshot is shared with
// other goroutines.
type Reconciler struct {
	cfg      Config
	resolver Resolver
	certs    Certificates
	proxy    Proxy
	marker   ReadinessMarker
	clock    clock.Clock
	logger   zerolog.Logger

	applied             bool
	lastApplied         map[string]*types.Listener
	lastTemplateModTime time.Time

	snapshot atomic.Pointer[types.LoadBalancerConfig]
}

// New creates a reconciler
func New(cfg Config, res Resolver, certs Certificates, proxy Proxy, opts ...Option) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NoServicesInterval <= 0 {
		cfg.NoServicesInterval = DefaultNoServicesInterval
	}

	r := &Reconciler{
		cfg:      cfg,
		resolver: res,
		certs:    certs,
		proxy:    proxy,
		clock:    clock.Real{},
		logger:   log.WithALB("reconciler", cfg.ALBID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns the last applied configuration, nil before the first apply
func (r *Reconciler) Snapshot() *types.LoadBalancerConfig {
	return r.snapshot.Load()
}

// Run ticks until ctx is cancelled or a tick fails with an unclassified
// error, which is returned.
func (r *Reconciler) Run(ctx context.Context) error {
	metrics.RegisterComponent(metrics.ComponentReconciler, false, "waiting for first apply")

	r.logger.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Dur("no_services_interval", r.cfg.NoServicesInterval).
		Msg("Reconciler started")

	for {
		outcome, err := r.Tick(ctx)

		interval := r.cfg.PollInterval
		switch outcome {
		case OutcomeFailed:
			if ctx.Err() != nil {
				r.logger.Info().Msg("Reconciler stopped")
				return nil
			}
			r.logger.Error().Err(err).Msg("Reconciliation failed")
			return err
		case OutcomeNoConfiguration, OutcomeRenderFailed:
			interval = r.cfg.NoServicesInterval
		}

		if err := r.clock.Sleep(ctx, interval); err != nil {
			r.logger.Info().Msg("Reconciler stopped")
			return nil
		}
	}
}

// Tick runs one reconciliation pass. Classified failures are logged and
// returned together with their outcome; the previously applied state is
// kept so the next tick retries.
func (r *Reconciler) Tick(ctx context.Context) (Outcome, error) {
	logger := r.logger.With().Str("tick", uuid.NewString()).Logger()

	timer := metrics.NewTimer()
	outcome, err := r.tick(ctx, logger)
	metrics.ReconcileTicksTotal.WithLabelValues(string(outcome)).Inc()

	switch outcome {
	case OutcomeApplied:
		timer.ObserveDuration(metrics.ReconciliationDuration)
		logger.Info().Dur("duration", timer.Duration()).Msg("Configuration applied")
	case OutcomeUnchanged, OutcomeFailed:
	case OutcomeNoConfiguration:
		logger.Info().Err(err).Msg("No configuration found")
	default:
		logger.Error().Err(err).Str("outcome", string(outcome)).Msg("Configuration not applied")
	}
	return outcome, err
}

func (r *Reconciler) tick(ctx context.Context, logger zerolog.Logger) (Outcome, error) {
	timer := metrics.NewTimer()
	cfg, err := r.resolver.Resolve(ctx, r.cfg.ALBID, resolver.Options{
		WithListenerGroups: true,
		MaxRetries:         r.cfg.MaxRetries,
	})
	timer.ObserveDurationVec(metrics.StoreOperationDuration, "resolve")
	if err != nil {
		if errors.Is(err, storage.ErrConnectionFailed) {
			metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		} else {
			metrics.UpdateComponent(metrics.ComponentStore, true, "")
		}
		if types.IsNoConfiguration(err) {
			return OutcomeNoConfiguration, err
		}
		return OutcomeFailed, fmt.Errorf("failed to resolve configuration: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	modTime, err := render.ModTime(r.cfg.TemplatePath)
	if err != nil {
		return OutcomeRenderFailed, fmt.Errorf("failed to stat template: %w", err)
	}

	if r.applied && modTime.Equal(r.lastTemplateModTime) && reflect.DeepEqual(cfg.Listeners, r.lastApplied) {
		// The applied configuration already serves every registration
		// resolved here, including ones that reappeared between ticks
		r.markReady(ctx, logger, cfg)
		return OutcomeUnchanged, nil
	}

	logger.Debug().
		Bool("template_changed", !modTime.Equal(r.lastTemplateModTime)).
		Int("listeners", len(cfg.Listeners)).
		Msg("Drift detected")

	staged, err := r.certs.Transfer(ctx, cfg.Listeners)
	if err != nil {
		return OutcomeTransferFailed, fmt.Errorf("failed to transfer certificates: %w", err)
	}
	metrics.CertificatesStaged.Add(float64(len(staged)))

	renderer, _, err := render.Load(r.cfg.TemplatePath)
	if err != nil {
		return OutcomeRenderFailed, err
	}
	text, err := renderer.Render(render.NewContext(cfg, staged, r.certs.CertsDir(), r.cfg.Extras))
	if err != nil {
		return OutcomeRenderFailed, err
	}
	if err := render.WriteFile(r.cfg.StagedConfigPath, text); err != nil {
		return OutcomeRenderFailed, fmt.Errorf("failed to stage configuration: %w", err)
	}

	if err := r.proxy.Validate(ctx, r.cfg.StagedConfigPath); err != nil {
		return OutcomeInvalid, err
	}

	if err := r.proxy.Promote(r.cfg.StagedConfigPath, r.cfg.ConfigPath); err != nil {
		return OutcomeApplyFailed, err
	}
	if err := r.proxy.Reload(ctx); err != nil {
		metrics.ReloadsTotal.WithLabelValues("failure").Inc()
		return OutcomeApplyFailed, err
	}
	metrics.ReloadsTotal.WithLabelValues("success").Inc()

	r.applied = true
	r.lastApplied = cfg.Listeners
	r.lastTemplateModTime = modTime
	r.snapshot.Store(cfg)
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "")

	r.markReady(ctx, logger, cfg)
	return OutcomeApplied, nil
}

// markReady flags every pending certbot registration of an applied
// configuration. Failures are retried on the next tick since the
// registration still reads as not ready.
func (r *Reconciler) markReady(ctx context.Context, logger zerolog.Logger, cfg *types.LoadBalancerConfig) {
	if r.marker == nil {
		return
	}
	for _, bot := range cfg.ActiveCertBots() {
		if bot.Ready {
			continue
		}
		if err := r.marker.MarkReady(ctx, cfg.ID, bot.ID); err != nil {
			logger.Warn().Err(err).Str("listener_group", bot.ID).Msg("Failed to mark certbot ready")
			continue
		}
		metrics.CertBotsMarkedReady.Inc()
		logger.Info().Str("listener_group", bot.ID).Strs("domains", bot.Domains).Msg("Certbot challenge route is live")
	}
}
