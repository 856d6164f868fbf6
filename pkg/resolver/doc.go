/*
Package resolver turns raw store records into one consistent
LoadBalancerConfig snapshot.

# Phases

	1. listeners + rules        (drop: no port, bad port, zero rules)
	2. referenced target ids    (forward rules only)
	3. target groups            (health checks validated field by field)
	4. listener groups          (optional; certbot challenge synthesis)
	5. bind forward rules       (unknown ids stay unbound)
	6. certificate metadata     (no PEM material)
	7. sort rules               (priority desc, rule id asc)

Each store phase is retried on connection failures only; a missing key means
"empty". Exhausted retries surface as types.ErrNoListeners or
types.ErrNoTargetGroups so callers can back off instead of failing.

# Certbot synthesis

An active certbot registration on listener group <lg> adds a target group
certbot-<lg> pointing at the registration's target, and one rule per domain
on /.well-known/acme-challenge/ with types.CertbotRulePriority. The rules
join the first http listener on port 80 (by id) or a new listener
certbot-<lg>.
*/
package resolver
