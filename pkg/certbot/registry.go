package certbot

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/nexus-proxy/pkg/clock"
	"github.com/cuemby/nexus-proxy/pkg/storage"
)

// DefaultWaitTimeout bounds how long a renewal waits for the challenge route
const DefaultWaitTimeout = 3 * time.Minute

// Registration is what an issuance run publishes for the reconciler
type Registration struct {
	GroupID         string
	Domains         []string
	TargetHost      string
	TargetPort      int
	CertificateName string
}

// Registry reads and writes certbot registrations in the store. It is the
// only channel between the issuance coordinator and the reconciler.
type Registry struct {
	store storage.Store
	clock clock.Clock
}

// NewRegistry creates a registry on store
func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store, clock: clock.Real{}}
}

// WithClock sets the clock WaitReady measures its timeout on
func (r *Registry) WithClock(c clock.Clock) *Registry {
	r.clock = c
	return r
}

// Register publishes an enabled, not yet ready registration
func (r *Registry) Register(ctx context.Context, albID string, reg Registration) error {
	domains := reg.Domains
	if domains == nil {
		domains = []string{}
	}

	// ready goes first so a reconciler never sees enabled with a stale ready
	if err := r.store.Set(ctx, storage.CertbotKey(albID, reg.GroupID, "ready"), []byte("false")); err != nil {
		return fmt.Errorf("failed to register certbot %s: %w", reg.GroupID, err)
	}
	if err := r.store.Set(ctx, storage.CertbotKey(albID, reg.GroupID, "certificate_name"), []byte(reg.CertificateName)); err != nil {
		return fmt.Errorf("failed to register certbot %s: %w", reg.GroupID, err)
	}
	if err := storage.SetJSON(ctx, r.store, storage.CertbotKey(albID, reg.GroupID, "domains"), domains); err != nil {
		return fmt.Errorf("failed to register certbot %s: %w", reg.GroupID, err)
	}
	target := []any{reg.TargetHost, reg.TargetPort}
	if err := storage.SetJSON(ctx, r.store, storage.CertbotKey(albID, reg.GroupID, "target"), target); err != nil {
		return fmt.Errorf("failed to register certbot %s: %w", reg.GroupID, err)
	}
	if err := r.store.Set(ctx, storage.CertbotKey(albID, reg.GroupID, "enabled"), []byte("true")); err != nil {
		return fmt.Errorf("failed to register certbot %s: %w", reg.GroupID, err)
	}
	return nil
}

// MarkReady records that the challenge route of a registration is live.
// Registrations removed in the meantime are left alone.
func (r *Registry) MarkReady(ctx context.Context, albID, groupID string) error {
	enabled, err := storage.GetString(ctx, r.store, storage.CertbotKey(albID, groupID, "enabled"), "")
	if err != nil {
		return err
	}
	if enabled != "true" {
		return nil
	}
	return r.store.Set(ctx, storage.CertbotKey(albID, groupID, "ready"), []byte("true"))
}

// WaitReady blocks until the registration is marked ready or timeout
// elapses. A timeout is reported as (false, nil).
func (r *Registry) WaitReady(ctx context.Context, albID, groupID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return storage.WaitForValue(ctx, r.clock, r.store, storage.CertbotKey(albID, groupID, "ready"), "true", timeout)
}

// Unregister removes a registration. Missing registrations are not an error.
func (r *Registry) Unregister(ctx context.Context, albID, groupID string) error {
	return r.store.Delete(ctx, storage.CertbotDir(albID, groupID), true)
}
