package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/nexus-proxy/pkg/storage"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// healthCheckTrafficPort selects the port targets receive traffic on
const healthCheckTrafficPort = "traffic"

// defaultSuccessCodes apply when a health check lists none
var defaultSuccessCodes = []int{200}

// loadTargetGroups reads the given target groups. Ids without a name key do
// not exist and are left out.
func (r *Resolver) loadTargetGroups(ctx context.Context, logger zerolog.Logger, ids []string) (map[string]*types.TargetGroup, error) {
	groups := make(map[string]*types.TargetGroup)

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	for _, id := range sorted {
		if _, err := r.store.Get(ctx, storage.TargetGroupKey(id, "name")); err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				logger.Debug().Str("target_group", id).Msg("Target group not found")
				continue
			}
			return nil, err
		}

		protocol, err := storage.GetString(ctx, r.store, storage.TargetGroupKey(id, "protocol"), types.ProtocolHTTP)
		if err != nil {
			return nil, err
		}

		tgLogger := logger.With().Str("target_group", id).Logger()

		hc, err := r.loadHealthCheck(ctx, tgLogger, id)
		if err != nil {
			return nil, err
		}

		targets, err := r.loadTargets(ctx, tgLogger, id)
		if err != nil {
			return nil, err
		}

		groups[id] = &types.TargetGroup{
			ID:          id,
			Protocol:    strings.TrimSpace(protocol),
			HealthCheck: hc,
			Targets:     targets,
		}
	}

	return groups, nil
}

func (r *Resolver) loadHealthCheck(ctx context.Context, logger zerolog.Logger, tgID string) (*types.HealthCheck, error) {
	raw, err := r.store.Get(ctx, storage.TargetGroupKey(tgID, "healthcheck"))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(raw)) == "" || isNull(raw) {
		return nil, nil
	}

	obj, err := decodeObject(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("Health check is not a JSON object, ignoring")
		return nil, nil
	}
	return parseHealthCheck(logger, obj), nil
}

// parseHealthCheck validates each field independently. Invalid fields are
// logged and left unset.
func parseHealthCheck(logger zerolog.Logger, obj object) *types.HealthCheck {
	hc := &types.HealthCheck{}

	if obj.has("protocol") {
		protocol := obj.str("protocol")
		if protocol == types.ProtocolHTTP {
			hc.Protocol = protocol
		} else {
			logger.Warn().RawJSON("protocol", obj["protocol"]).Msg("Unsupported protocol in health check")
		}
	}

	if obj.has("path") {
		path := obj.str("path")
		if strings.HasPrefix(path, "/") {
			hc.Path = path
		} else {
			logger.Warn().RawJSON("path", obj["path"]).Msg("Unsupported path in health check")
		}
	}

	if obj.has("port") {
		if obj.str("port") == healthCheckTrafficPort {
			hc.UseTrafficPort = true
		} else if port, ok := obj.integer(logger, "port", "healthcheck.port"); ok {
			hc.Port = port
		}
	}

	hc.Healthy, _ = obj.integer(logger, "healthy", "healthcheck.healthy")
	hc.Unhealthy, _ = obj.integer(logger, "unhealthy", "healthcheck.unhealthy")
	hc.Timeout, _ = obj.integer(logger, "timeout", "healthcheck.timeout")
	hc.Interval, _ = obj.integer(logger, "interval", "healthcheck.interval")

	hc.Success = parseSuccessCodes(logger, obj["success"])
	if len(hc.Success) == 0 {
		hc.Success = append([]int(nil), defaultSuccessCodes...)
	}

	return hc
}

// parseSuccessCodes accepts a single code or a list of codes
func parseSuccessCodes(logger zerolog.Logger, raw json.RawMessage) []int {
	if len(raw) == 0 || isNull(raw) {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		items = []json.RawMessage{raw}
	}

	var codes []int
	for _, item := range items {
		code, err := parseInt(item)
		if err != nil {
			logger.Warn().RawJSON("value", item).Msg("Expected integer success code, ignoring")
			continue
		}
		codes = append(codes, code)
	}
	return codes
}

// loadTargets reads the targets of a target group. Entries without host or
// port are skipped.
func (r *Resolver) loadTargets(ctx context.Context, logger zerolog.Logger, tgID string) ([]types.Target, error) {
	ids, err := storage.Children(ctx, r.store, storage.TargetsDir(tgID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return []types.Target{}, nil
	}
	if err != nil {
		return nil, err
	}

	targets := []types.Target{}
	for _, id := range ids {
		raw, err := r.store.Get(ctx, storage.TargetsDir(tgID)+"/"+id)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		obj, err := decodeObject(raw)
		if err != nil {
			logger.Warn().Err(err).Str("target", id).Msg("Target is not a JSON object, skipping")
			continue
		}

		host := obj.str("host")
		port, ok := obj.integer(logger, "port", "target.port")
		if host == "" || !ok || port <= 0 {
			continue
		}
		targets = append(targets, types.Target{Host: host, Port: port})
	}

	return targets, nil
}
