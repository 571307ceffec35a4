package metadata

// Header key constants used throughout agentbus. These keys are reserved; the
// broker can route and filter on them without deserialising the event body.
const (
	// KeyEventID uniquely identifies one event instance.
	KeyEventID = "event_id"

	// KeyCorrelationID groups every event of one causal chain. It is also the
	// default partition key, so a chain stays ordered within one partition.
	KeyCorrelationID = "correlation_id"

	// KeyCausationID names the event that caused this one.
	KeyCausationID = "causation_id"

	// KeyEventType carries the closed event-type enum value.
	KeyEventType = "event_type"

	// KeySourceAgent and KeyTargetAgent identify the producing and the
	// addressed agent. An empty target means broadcast.
	KeySourceAgent = "source_agent"
	KeyTargetAgent = "target_agent"

	// KeyTimestamp is the UTC production time in RFC3339Nano.
	KeyTimestamp = "timestamp"

	// KeyPriority carries the event priority for broker-side filtering.
	KeyPriority = "priority"

	KeyEnvironment   = "environment"
	KeySchemaVersion = "schema_version"

	// KeyPartitionKey overrides the partition key chosen by the producer.
	KeyPartitionKey = "agentbus_partition_key"

	// Failure annotations added when an event is escalated to its DLQ topic.
	KeyFailureReason = "agentbus_failure_reason"
	KeyFailedAt      = "agentbus_failed_at"
	KeyOriginalTopic = "agentbus_original_topic"
)
