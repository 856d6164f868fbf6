package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// loadListenerGroups reads the listener groups of an ALB, ordered by id,
// attaching the certbot registration of each group when it is active.
func (r *Resolver) loadListenerGroups(ctx context.Context, logger zerolog.Logger, albID string) ([]*types.ListenerGroup, error) {
	ids, err := storage.Children(ctx, r.store, storage.ListenerGroupsDir(albID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return []*types.ListenerGroup{}, nil
	}
	if err != nil {
		return nil, err
	}

	groups := make([]*types.ListenerGroup, 0, len(ids))
	for _, id := range ids {
		lgLogger := logger.With().Str("listener_group", id).Logger()

		lg := &types.ListenerGroup{ID: id}

		if lg.Domains, err = r.stringList(ctx, lgLogger, storage.ListenerGroupKey(albID, id, "domains")); err != nil {
			return nil, err
		}
		if lg.Listeners, err = r.stringList(ctx, lgLogger, storage.ListenerGroupKey(albID, id, "listeners")); err != nil {
			return nil, err
		}
		if lg.CertificateName, err = storage.GetString(ctx, r.store, storage.ListenerGroupKey(albID, id, "certificate_name"), ""); err != nil {
			return nil, err
		}
		managed, err := storage.GetString(ctx, r.store, storage.ListenerGroupKey(albID, id, "certbot_managed"), "false")
		if err != nil {
			return nil, err
		}
		lg.CertbotManaged = managed == "true"

		if lg.CertBot, err = r.loadCertBot(ctx, lgLogger, albID, lg); err != nil {
			return nil, err
		}

		groups = append(groups, lg)
	}

	return groups, nil
}

// loadCertBot returns the registration of a listener group when it is active:
// the group is certbot managed and has domains, and the registration is
// enabled with a usable target.
func (r *Resolver) loadCertBot(ctx context.Context, logger zerolog.Logger, albID string, lg *types.ListenerGroup) (*types.CertBot, error) {
	enabled, err := storage.GetString(ctx, r.store, storage.CertbotKey(albID, lg.ID, "enabled"), "false")
	if err != nil {
		return nil, err
	}
	if !lg.CertbotManaged || enabled != "true" || len(lg.Domains) == 0 {
		return nil, nil
	}

	rawTarget, err := r.store.Get(ctx, storage.CertbotKey(albID, lg.ID, "target"))
	if errors.Is(err, storage.ErrKeyNotFound) {
		logger.Warn().Msg("Certbot registration has no target")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	host, port, ok := parseCertbotTarget(logger, rawTarget)
	if !ok {
		logger.Warn().Str("target", string(rawTarget)).Msg("Certbot target is not usable")
		return nil, nil
	}

	ready, err := storage.GetString(ctx, r.store, storage.CertbotKey(albID, lg.ID, "ready"), "false")
	if err != nil {
		return nil, err
	}
	domains, err := r.stringList(ctx, logger, storage.CertbotKey(albID, lg.ID, "domains"))
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		domains = append([]string(nil), lg.Domains...)
	}
	certName, err := storage.GetString(ctx, r.store, storage.CertbotKey(albID, lg.ID, "certificate_name"), "")
	if err != nil {
		return nil, err
	}

	return &types.CertBot{
		ID:              lg.ID,
		Enabled:         true,
		Ready:           ready == "true",
		TargetHost:      host,
		TargetPort:      port,
		Domains:         domains,
		CertificateName: certName,
	}, nil
}

// parseCertbotTarget accepts ["host", port] and {"host": ..., "port": ...}
func parseCertbotTarget(logger zerolog.Logger, raw []byte) (string, int, bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err == nil {
		if len(pair) < 2 {
			return "", 0, false
		}
		var host string
		if err := json.Unmarshal(pair[0], &host); err != nil || host == "" {
			return "", 0, false
		}
		port, err := parseInt(pair[1])
		if err != nil || port <= 0 {
			return "", 0, false
		}
		return host, port, true
	}

	obj, err := decodeObject(raw)
	if err != nil {
		return "", 0, false
	}
	host := obj.str("host")
	port, ok := obj.integer(logger, "port", "certbot.target.port")
	if host == "" || !ok || port <= 0 {
		return "", 0, false
	}
	return host, port, true
}

// stringList reads a JSON list of strings. Missing keys and malformed values
// yield an empty list; the latter is logged.
func (r *Resolver) stringList(ctx context.Context, logger zerolog.Logger, key string) ([]string, error) {
	var values []string
	if _, err := storage.GetJSON(ctx, r.store, key, &values); err != nil {
		if errors.Is(err, storage.ErrConnectionFailed) || errors.Is(err, storage.ErrClosed) || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn().Err(err).Str("key", key).Msg("Expected a JSON list of strings, ignoring")
		return []string{}, nil
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}
