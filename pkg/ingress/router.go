package ingress

import (
	"strings"

	"github.com/cuemby/nexus-proxy/pkg/types"
)

// Router answers which rule the rendered proxy configuration applies to a
// request. It follows the same first-match order as the generated frontends.
type Router struct {
	groups map[int]types.PortGroup
}

// NewRouter creates a router over the given port groups
func NewRouter(groups []types.PortGroup) *Router {
	r := &Router{}
	r.UpdatePortGroups(groups)
	return r
}

// UpdatePortGroups replaces the routed port groups
func (r *Router) UpdatePortGroups(groups []types.PortGroup) {
	r.groups = make(map[int]types.PortGroup, len(groups))
	for _, pg := range groups {
		r.groups[pg.Port] = pg
	}
}

// Match describes a routing decision
type Match struct {
	Listener *types.Listener
	Rule     *types.Rule
}

// Route returns the first rule of the port group on port matching host and
// path, or nil when the request falls through
func (r *Router) Route(port int, host, path string) *Match {
	pg, ok := r.groups[port]
	if !ok {
		return nil
	}

	owner := make(map[*types.Rule]*types.Listener)
	for _, l := range pg.Listeners {
		for _, rule := range l.Rules {
			owner[rule] = l
		}
	}

	for _, rule := range pg.Rules() {
		if !matchHost(rule.Host, host) || !matchPath(rule.Path, path) {
			continue
		}
		// Forward rules without a target group render no backend
		if rule.Action.Type == types.ActionForward && rule.TargetGroup == nil {
			continue
		}
		return &Match{Listener: owner[rule], Rule: rule}
	}
	return nil
}

// matchHost checks if the request host matches the rule host pattern
func matchHost(pattern, host string) bool {
	// Empty pattern matches all hosts
	if pattern == "" {
		return true
	}

	// Remove port from host if present
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}

	if strings.EqualFold(pattern, host) {
		return true
	}

	// Wildcard match (*.example.com)
	if strings.HasPrefix(pattern, "*.") {
		suffix := strings.ToLower(pattern[1:])
		return strings.HasSuffix(strings.ToLower(host), suffix)
	}

	return false
}

// matchPath is a plain prefix match, like the proxy's path_beg
func matchPath(pattern, path string) bool {
	if pattern == "" {
		return true
	}
	return strings.HasPrefix(path, pattern)
}
