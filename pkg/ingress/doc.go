/*
Package ingress derives the port-level view of a resolved load balancer and
explains how the generated proxy configuration routes requests.

# Port groups

	listeners (by id)          port groups
	┌────────────────────┐     ┌─────────────────────────────┐
	│ web   :80  http    │──┐  │ :80  http  [web, certbot-a] │
	│ certbot-a :80 http │──┘  │ :443 https [tls]            │
	│ tls   :443 https ✓ │────►│                             │
	│ old   :443 https ✗ │─ ✗  └─────────────────────────────┘
	│ raw   :80  tcp     │─ ✗ (protocol conflict, logged)
	└────────────────────┘

GroupByPort visits listeners in id order. The first listener on a port fixes
the protocol; disagreeing listeners are logged and excluded from the group but
remain part of the configuration. An https listener binds its port only when
its certificate is valid and its material was staged for the proxy, which is
the set certs.Transferrer.Transfer (or certs.Verify for previews) returns.

# Routing

Router reproduces the frontend rule order of the rendered configuration:
rules of every listener in a port group, highest priority first, ties by rule
id. Every action renders as a use_backend line, so the proxy evaluates them
in that same order. Host patterns match exactly (case insensitive, request port stripped) or
by "*." wildcard; paths match by prefix.

	router := ingress.NewRouter(ingress.GroupByPort(cfg.Listeners, staged))
	if m := router.Route(80, "shop.example.com", "/cart"); m != nil {
		fmt.Println(m.Rule.Action)
	}

Forward rules whose target group did not resolve render no backend and are
skipped.
*/
package ingress
