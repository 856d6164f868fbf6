/*
Package health probes the targets of resolved target groups the way the
proxy's health checks do.

A target group health check with a path is an HTTP probe of
GET <path>, accepted when the status is in the success list (2xx and 3xx
when the list is empty). Without a path the probe only opens a TCP
connection. The check port replaces the traffic port unless
use_traffic_port is set.

Probe results feed a per-target Status. A target starts up, goes down
after Fall consecutive failures and comes back after Rise consecutive
successes, mirroring the proxy's rise and fall settings:

	prober := health.NewProber(nil)
	results := prober.Watch(ctx, cfg.SortedTargetGroups(), 3)
	for _, r := range results {
		fmt.Println(r.TargetGroup, r.Target, r.Status.Healthy)
	}

The proxy keeps its own view; these probes are for operators diagnosing a
backend from the control plane host.
*/
package health
