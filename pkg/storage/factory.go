package storage

import (
	"context"
	"net"
	"strings"

	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// DefaultEtcdPort is used when the store address carries no port
const DefaultEtcdPort = "2379"

// Open creates a Store from an address:
//
//	host[:port]              etcd (default port 2379)
//	etcd://h1:2379,h2:2379   etcd cluster
//	redis://host:6379/0      redis (rediss:// for TLS)
//	bolt:///var/lib/nexus.db local BoltDB file
func Open(ctx context.Context, addr string) (Store, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, &types.ConfigurationError{Setting: "ETCD_HOST", Reason: "store address not set"}
	}

	logger := log.WithComponent("storage")

	switch {
	case strings.HasPrefix(addr, "redis://"), strings.HasPrefix(addr, "rediss://"):
		logger.Debug().Str("backend", "redis").Msg("Opening store")
		return NewRedisStore(ctx, addr)
	case strings.HasPrefix(addr, "bolt://"):
		path := strings.TrimPrefix(addr, "bolt://")
		if path == "" {
			return nil, &types.ConfigurationError{Setting: "ETCD_HOST", Reason: "bolt path is empty"}
		}
		logger.Debug().Str("backend", "bolt").Str("path", path).Msg("Opening store")
		return NewBoltStore(path)
	default:
		endpoints := EtcdEndpoints(strings.TrimPrefix(addr, "etcd://"))
		logger.Debug().Str("backend", "etcd").Strs("endpoints", endpoints).Msg("Opening store")
		return NewEtcdStore(endpoints)
	}
}

// EtcdEndpoints splits a comma separated host[:port] list, adding the default port
func EtcdEndpoints(addr string) []string {
	var endpoints []string
	for _, part := range strings.Split(addr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(part); err != nil {
			part = net.JoinHostPort(part, DefaultEtcdPort)
		}
		endpoints = append(endpoints, part)
	}
	return endpoints
}
