/*
Package types defines the load balancer data model shared by every nexus-proxy
package.

A LoadBalancerConfig is the root aggregate built by the resolver from store
records. It owns listeners (keyed by id), listener groups and target groups
(keyed by id). Rules reference target groups by id; the resolver binds the
Rule.TargetGroup pointer in a second pass once every target group is loaded, so
the object graph never has to be built in dependency order.

	LoadBalancerConfig
	├── Listeners     map[id]*Listener
	│     └── Rules   []*Rule ──(id)──┐
	├── TargetGroups  map[id]*TargetGroup ◄┘
	│     ├── HealthCheck
	│     └── Targets []Target
	└── ListenerGroups []*ListenerGroup
	      └── CertBot (active issuance registration)

PortGroup is derived, never stored: the ingress package builds it each cycle
from the resolved listeners.

# Actions

Rule actions are stored as short strings and decoded with ParseAction:

	tg:<target-group-id>   forward to a target group
	https                  redirect to https
	status:<code>          answer with a fixed status code

# Errors

ErrNoListeners and ErrNoTargetGroups are recoverable: the reconciler backs off
and polls again. ConfigurationError is fatal.
*/
package types
