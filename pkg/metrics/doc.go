/*
Package metrics provides Prometheus metrics and health endpoints for the
nexus-proxy controller.

All metrics are registered with the default Prometheus registry at package
init and exposed through Handler. NewServeMux bundles the exporter with the
health endpoints:

	/metrics   Prometheus text exposition
	/health    overall component health (503 when any component is unhealthy)
	/ready     200 once the store is reachable and a configuration was applied
	/live      always 200 while the process runs

# Metric Categories

Configuration gauges describe the last applied configuration and are
refreshed by a Collector reading a Source:

	nexus_proxy_listeners_total{protocol}
	nexus_proxy_port_groups_total
	nexus_proxy_target_groups_total
	nexus_proxy_targets_total
	nexus_proxy_certbots_active{ready}

Reconciler counters and histograms are updated inline by the control loop:

	nexus_proxy_reconcile_ticks_total{outcome}
	nexus_proxy_reconciliation_duration_seconds
	nexus_proxy_reloads_total{result}
	nexus_proxy_certificates_staged_total
	nexus_proxy_certbots_marked_ready_total
	nexus_proxy_store_operation_duration_seconds{operation}

Renewal runs report nexus_proxy_certificate_renewals_total{result}.

# Usage

	timer := metrics.NewTimer()
	cfg, err := resolver.Resolve(ctx, albID, opts)
	timer.ObserveDurationVec(metrics.StoreOperationDuration, "resolve")

	metrics.RegisterComponent(metrics.ComponentStore, true, "")
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "applied")
*/
package metrics
