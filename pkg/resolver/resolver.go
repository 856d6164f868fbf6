package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/nexus-proxy/pkg/certs"
	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// DefaultMaxRetries is the number of attempts per phase on connection failures
const DefaultMaxRetries = 3

// Options controls a single resolution
type Options struct {
	// WithListenerGroups loads listener groups and synthesizes certbot routes
	WithListenerGroups bool

	// MaxRetries bounds attempts per phase on store connection failures
	MaxRetries int

	// Raw returns only what is stored: no certbot synthesis, no rule sorting
	Raw bool
}

// Resolver assembles LoadBalancerConfig snapshots from the store
type Resolver struct {
	store  storage.Store
	loader *certs.Loader
}

// New creates a resolver reading from store
func New(store storage.Store) *Resolver {
	return &Resolver{
		store:  store,
		loader: certs.NewLoader(store),
	}
}

// Resolve builds a fresh configuration for albID. It fails with
// types.ErrNoListeners when nothing routable exists or listeners could not be
// read, and with types.ErrNoTargetGroups when target groups or listener
// groups could not be read within the retry budget.
func (r *Resolver) Resolve(ctx context.Context, albID string, opts Options) (*types.LoadBalancerConfig, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	logger := log.WithALB("resolver", albID)

	listeners, err := retry(ctx, logger, opts.MaxRetries, types.ErrNoListeners, func() (map[string]*types.Listener, error) {
		return r.loadListeners(ctx, logger, albID)
	})
	if err != nil {
		return nil, err
	}

	tgIDs := referencedTargetGroups(listeners)
	targetGroups, err := retry(ctx, logger, opts.MaxRetries, types.ErrNoTargetGroups, func() (map[string]*types.TargetGroup, error) {
		return r.loadTargetGroups(ctx, logger, tgIDs)
	})
	if err != nil {
		return nil, err
	}

	cfg := &types.LoadBalancerConfig{
		ID:           albID,
		Listeners:    listeners,
		TargetGroups: targetGroups,
	}

	if opts.WithListenerGroups {
		groups, err := retry(ctx, logger, opts.MaxRetries, types.ErrNoTargetGroups, func() ([]*types.ListenerGroup, error) {
			return r.loadListenerGroups(ctx, logger, albID)
		})
		if err != nil {
			return nil, err
		}
		cfg.ListenerGroups = groups

		if !opts.Raw {
			for _, lg := range groups {
				if lg.CertBot != nil {
					synthesizeCertbot(cfg, lg)
				}
			}
		}
	}

	if len(cfg.Listeners) == 0 {
		return nil, types.ErrNoListeners
	}

	bindTargetGroups(cfg)

	if _, err := retry(ctx, logger, opts.MaxRetries, types.ErrNoListeners, func() (struct{}, error) {
		return struct{}{}, r.attachCertificates(ctx, cfg)
	}); err != nil {
		return nil, err
	}

	if !opts.Raw {
		for _, l := range cfg.Listeners {
			types.SortRules(l.Rules)
		}
	}

	logger.Debug().
		Int("listeners", len(cfg.Listeners)).
		Int("target_groups", len(cfg.TargetGroups)).
		Int("listener_groups", len(cfg.ListenerGroups)).
		Msg("Configuration resolved")

	return cfg, nil
}

// retry runs fn until it succeeds, fails with something other than a
// connection failure, or exhausts attempts. Exhaustion is reported as
// exhausted wrapped around the last connection error.
func retry[T any](ctx context.Context, logger zerolog.Logger, attempts int, exhausted error, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, storage.ErrConnectionFailed) {
			return zero, err
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", attempts).Msg("Store connection failed")
	}
	return zero, fmt.Errorf("%w: %w", exhausted, lastErr)
}

// referencedTargetGroups returns the distinct ids used by forward rules
func referencedTargetGroups(listeners map[string]*types.Listener) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, l := range listeners {
		for _, id := range l.TargetGroupIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// bindTargetGroups points every forward rule at its target group. Rules
// referencing unknown ids stay unbound.
func bindTargetGroups(cfg *types.LoadBalancerConfig) {
	for _, l := range cfg.Listeners {
		for _, rule := range l.Rules {
			rule.TargetGroup = nil
			if id := rule.TargetGroupID(); id != "" {
				rule.TargetGroup = cfg.TargetGroups[id]
			}
		}
	}
}

func (r *Resolver) attachCertificates(ctx context.Context, cfg *types.LoadBalancerConfig) error {
	for _, l := range cfg.SortedListeners() {
		if l.CertificateName == "" {
			continue
		}
		cert, err := r.loader.Metadata(ctx, l.CertificateName)
		if err != nil {
			return err
		}
		l.Certificate = cert
	}
	return nil
}
