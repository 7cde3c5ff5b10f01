/*
Package metrics exports zone session activity to Prometheus.

A Collector is attached to every session as a stats.Observer. Each completed
command increments zstore_commands_total{device,op,status} and is observed in
zstore_command_latency_seconds; successful commands add to
zstore_command_bytes_total. Gauges track outstanding commands, the active zone
and write pointer per device, and whether the replica set is fenced.

	collector, err := metrics.NewCollector(metrics.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	sess, err := session.Open(ctx, drv, target, session.Options{
		Observers: []stats.Observer{collector},
	})

Serve blocks until its context is done and exposes:

	/metrics            Prometheus exposition (OpenMetrics enabled)
	/health             component health from WithHealth, 503 when unavailable
	/debug/operations   per device/op counts, errors and mean latency
*/
package metrics
