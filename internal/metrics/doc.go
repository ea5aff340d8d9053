/*
Package metrics exports blobfs counters and gauges through Prometheus.

Collector implements types.MetricsCollector, so the cache evictor, namespace
resolver and relocation engine report into it directly. The kernel adapter
adds per-operation counts and latencies through RecordOperation, and the
errno translator reports unmapped backend codes through RecordUnmappedStatus.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "blobfs",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

Exported series (namespace "blobfs"):

	remote_calls_total{operation,status}
	list_retries_total
	evictions_total{outcome}           deleted, busy, skipped, failed
	relocations_total{kind,status}
	errno_total{errno}
	unmapped_status_total{code}
	operations_total{operation,status}
	operation_duration_seconds{operation}
	eviction_queue_length
	disk_pressure
	path_locks

The registry is private to the collector; /metrics and /health are served on
the configured port.
*/
package metrics
