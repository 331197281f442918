package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// DeliveryBuckets for synchronous local fanout (caller-blocking path)
	DeliveryBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// LookupBuckets for registry topic lookups
	LookupBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	// BroadcastBuckets for transport enqueue latency
	BroadcastBuckets = []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

	// MatchCountBuckets for documents matched per topic lookup
	MatchCountBuckets = []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500}
)

// Registry Metrics
var (
	// ActiveOwners tracks currently bound subscriber owners
	ActiveOwners Gauge = NoopStat{}

	// ActiveTopics tracks topics with at least one live subscription
	ActiveTopics Gauge = NoopStat{}

	// ActiveSubscriptions tracks registered subscription documents
	ActiveSubscriptions Gauge = NoopStat{}

	// ActiveContexts tracks registered context entries
	ActiveContexts Gauge = NoopStat{}

	// OwnerPurgesTotal counts owner purges by trigger (close, context)
	OwnerPurgesTotal CounterVec = noopCounterVec{}

	// PresenceFilterSize tracks current number of topic hashes in the presence filter
	PresenceFilterSize Gauge = NoopStat{}

	// PresenceFilterChecks counts presence checks by result (hit, miss)
	PresenceFilterChecks CounterVec = noopCounterVec{}

	// PresenceFilterSaturated is 1 once the filter rejected an insert and went always-maybe
	PresenceFilterSaturated Gauge = NoopStat{}
)

// Publish Path Metrics
var (
	// PublishesTotal counts publish calls by kind (fields, result) and outcome (ok, noop, misconfigured)
	PublishesTotal CounterVec = noopCounterVec{}

	// LocalDeliveriesTotal counts documents handed to the resolution engine
	LocalDeliveriesTotal Counter = NoopStat{}

	// ResolutionFailuresTotal counts per-document resolution errors (isolated, not fatal)
	ResolutionFailuresTotal Counter = NoopStat{}

	// FilteredDeliveriesTotal counts deliveries suppressed by the allow filter (field, topic)
	FilteredDeliveriesTotal CounterVec = noopCounterVec{}

	// LookupDurationSeconds measures materialized topic lookup latency
	LookupDurationSeconds Histogram = NoopStat{}

	// LookupMatches measures documents matched per lookup
	LookupMatches Histogram = NoopStat{}

	// DeliveryDurationSeconds measures the full synchronous local fanout per publish
	DeliveryDurationSeconds Histogram = NoopStat{}

	// PlanCacheTotal counts plan decode cache results (hit, miss)
	PlanCacheTotal CounterVec = noopCounterVec{}
)

// Broadcast Metrics
var (
	// BroadcastsSentTotal counts envelopes handed to the transport by shard
	BroadcastsSentTotal CounterVec = noopCounterVec{}

	// BroadcastsReceivedTotal counts envelopes received from the transport
	BroadcastsReceivedTotal Counter = NoopStat{}

	// BroadcastsDroppedTotal counts received envelopes dropped by reason (self, duplicate, decode)
	BroadcastsDroppedTotal CounterVec = noopCounterVec{}

	// BroadcastErrorsTotal counts transport enqueue failures
	BroadcastErrorsTotal Counter = NoopStat{}

	// BroadcastDurationSeconds measures transport enqueue latency
	BroadcastDurationSeconds Histogram = NoopStat{}

	// JournalDepth tracks unrelayed envelopes in the broadcast journal
	JournalDepth Gauge = NoopStat{}

	// JournalRelayedTotal counts envelopes drained from the journal to the transport
	JournalRelayedTotal Counter = NoopStat{}

	// JournalRetriesTotal counts relay retry attempts
	JournalRetriesTotal Counter = NoopStat{}

	// ClusterPeers tracks peers observed on the broadcast stream
	ClusterPeers Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Registry Metrics
	ActiveOwners = NewGauge(
		"active_owners",
		"Number of currently bound subscriber owners",
	)
	ActiveTopics = NewGauge(
		"active_topics",
		"Number of topics with at least one live subscription",
	)
	ActiveSubscriptions = NewGauge(
		"active_subscriptions",
		"Number of registered subscription documents",
	)
	ActiveContexts = NewGauge(
		"active_contexts",
		"Number of registered context entries",
	)
	OwnerPurgesTotal = NewCounterVec(
		"owner_purges_total",
		"Owner purges by trigger",
		[]string{"trigger"},
	)
	PresenceFilterSize = NewGauge(
		"presence_filter_size",
		"Current number of topic hashes in the presence filter",
	)
	PresenceFilterChecks = NewCounterVec(
		"presence_filter_checks_total",
		"Presence filter checks by result",
		[]string{"result"},
	)
	PresenceFilterSaturated = NewGauge(
		"presence_filter_saturated",
		"Whether the presence filter rejected an insert and went always-maybe",
	)

	// Publish Path Metrics
	PublishesTotal = NewCounterVec(
		"publishes_total",
		"Publish calls by kind and outcome",
		[]string{"kind", "outcome"},
	)
	LocalDeliveriesTotal = NewCounter(
		"local_deliveries_total",
		"Documents handed to the resolution engine",
	)
	ResolutionFailuresTotal = NewCounter(
		"resolution_failures_total",
		"Per-document resolution errors",
	)
	FilteredDeliveriesTotal = NewCounterVec(
		"filtered_deliveries_total",
		"Deliveries suppressed by the allow filter",
		[]string{"kind"},
	)
	LookupDurationSeconds = NewHistogramWithBuckets(
		"lookup_duration_seconds",
		"Materialized topic lookup latency",
		LookupBuckets,
	)
	LookupMatches = NewHistogramWithBuckets(
		"lookup_matches",
		"Documents matched per topic lookup",
		MatchCountBuckets,
	)
	DeliveryDurationSeconds = NewHistogramWithBuckets(
		"delivery_duration_seconds",
		"Synchronous local fanout duration per publish",
		DeliveryBuckets,
	)
	PlanCacheTotal = NewCounterVec(
		"plan_cache_total",
		"Plan decode cache results",
		[]string{"result"},
	)

	// Broadcast Metrics
	BroadcastsSentTotal = NewCounterVec(
		"broadcasts_sent_total",
		"Envelopes handed to the transport by shard",
		[]string{"shard"},
	)
	BroadcastsReceivedTotal = NewCounter(
		"broadcasts_received_total",
		"Envelopes received from the transport",
	)
	BroadcastsDroppedTotal = NewCounterVec(
		"broadcasts_dropped_total",
		"Received envelopes dropped by reason",
		[]string{"reason"},
	)
	BroadcastErrorsTotal = NewCounter(
		"broadcast_errors_total",
		"Transport enqueue failures",
	)
	BroadcastDurationSeconds = NewHistogramWithBuckets(
		"broadcast_duration_seconds",
		"Transport enqueue latency",
		BroadcastBuckets,
	)
	JournalDepth = NewGauge(
		"journal_depth",
		"Unrelayed envelopes in the broadcast journal",
	)
	JournalRelayedTotal = NewCounter(
		"journal_relayed_total",
		"Envelopes drained from the journal to the transport",
	)
	JournalRetriesTotal = NewCounter(
		"journal_retries_total",
		"Relay retry attempts",
	)
	ClusterPeers = NewGauge(
		"cluster_peers",
		"Peers observed on the broadcast stream",
	)
}
