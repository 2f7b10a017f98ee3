package ports

// Metric names understood by Observability implementations.
const (
	MetricReadingsReceived   = "relay_readings_received_total"
	MetricFramesMalformed    = "relay_frames_malformed_total"
	MetricBroadcastDelivered = "relay_broadcast_delivered_total"
	MetricSubscribersEvicted = "relay_subscribers_evicted_total"
	MetricUpstreamSwitches   = "relay_upstream_switches_total"
	MetricUpstreamErrors     = "relay_upstream_errors_total"
	MetricLaneDropped        = "relay_lane_dropped_total"
	MetricPersistFailures    = "relay_persist_failures_total"
	MetricReadingsPersisted  = "relay_readings_persisted_total"
	MetricDLQ                = "relay_dlq_total"

	GaugeSubscribers   = "relay_subscribers"
	GaugeUpstreamState = "relay_upstream_state"
	GaugeWALSize       = "relay_wal_size_bytes"
	GaugeQueueLength   = "relay_queue_length"
	GaugeProcessRSS    = "relay_process_rss_bytes"
	GaugeProcessCPU    = "relay_process_cpu_percent"

	LatencyPersist   = "relay_persist_latency_seconds"
	LatencyBroadcast = "relay_broadcast_latency_seconds"
)
