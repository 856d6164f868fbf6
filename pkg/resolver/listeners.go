package resolver

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// loadListeners reads every listener of the ALB with its rules. Listeners
// without a numeric port or without any usable rule are dropped.
func (r *Resolver) loadListeners(ctx context.Context, logger zerolog.Logger, albID string) (map[string]*types.Listener, error) {
	listeners := make(map[string]*types.Listener)

	ids, err := storage.Children(ctx, r.store, storage.ListenersDir(albID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return listeners, nil
	}
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		portValue, err := r.store.Get(ctx, storage.ListenerKey(albID, id, "port"))
		if errors.Is(err, storage.ErrKeyNotFound) {
			logger.Debug().Str("listener", id).Msg("Listener has no port, skipping")
			continue
		}
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(strings.TrimSpace(string(portValue)))
		if err != nil || port <= 0 {
			logger.Warn().Str("listener", id).Str("port", string(portValue)).Msg("Listener port is not a positive integer, skipping")
			continue
		}

		protocol, err := storage.GetString(ctx, r.store, storage.ListenerKey(albID, id, "protocol"), types.ProtocolHTTP)
		if err != nil {
			return nil, err
		}
		certName, err := storage.GetString(ctx, r.store, storage.ListenerKey(albID, id, "certificate_name"), "")
		if err != nil {
			return nil, err
		}

		rules, err := r.loadRules(ctx, logger, albID, id)
		if err != nil {
			return nil, err
		}
		if len(rules) == 0 {
			logger.Debug().Str("listener", id).Msg("Listener has no rules, skipping")
			continue
		}

		listeners[id] = &types.Listener{
			ID:              id,
			Port:            port,
			Protocol:        strings.TrimSpace(protocol),
			CertificateName: strings.TrimSpace(certName),
			Rules:           rules,
		}
	}

	return listeners, nil
}

// loadRules reads the rules of one listener in rule id order
func (r *Resolver) loadRules(ctx context.Context, logger zerolog.Logger, albID, listenerID string) ([]*types.Rule, error) {
	ids, err := storage.Children(ctx, r.store, storage.RulesDir(albID, listenerID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rules []*types.Rule
	for _, id := range ids {
		raw, err := r.store.Get(ctx, storage.RuleConfigKey(albID, listenerID, id))
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		ruleLogger := logger.With().Str("listener", listenerID).Str("rule", id).Logger()

		cfg, err := decodeObject(raw)
		if err != nil {
			ruleLogger.Warn().Err(err).Msg("Rule config is not a JSON object, skipping")
			continue
		}

		actionValue := cfg.str("action")
		if actionValue == "" {
			continue
		}
		action, err := types.ParseAction(actionValue)
		if err != nil {
			ruleLogger.Warn().Err(err).Msg("Unsupported rule action, skipping")
			continue
		}

		priority, _ := cfg.integer(ruleLogger, "priority", "rule.priority")

		rules = append(rules, &types.Rule{
			ID:       id,
			Host:     cfg.str("host"),
			Path:     cfg.str("path"),
			Action:   action,
			Priority: priority,
		})
	}

	return rules, nil
}
