// Package agentbus is the inter-agent event bus for autonomous trading
// agents, built on Watermill with a Kafka-compatible commit log as the wire
// protocol. Every message travels in a canonical Event envelope carrying
// correlation/causation IDs, routing metadata, and priority; the routing
// table maps each event type to one topic with a paired dead-letter topic.
//
// Producer publishes with idempotent, all-replica-acknowledged delivery,
// suppresses duplicate (event ID, topic) sends, and escalates exhausted
// publishes to the DLQ topic. Consumer joins a named group, dispatches each
// message to every handler registered for its event type, deduplicates
// repeated deliveries, and commits offsets unconditionally so one bad
// message can never stall a partition.
//
// # Dead Letter Queue
//
// DLQHandler owns the failed-message lifecycle off the hot path: failures
// merge by event ID, are keyword-classified (transient, permanent,
// configuration, timeout), and are replayed to their original topic under an
// exponential backoff with jitter. Messages past the poison threshold move
// to a manual-review queue and never auto-retry; operators act through
// ManualDiscard and ManualReprocess.
//
// # Latency Monitoring
//
// LatencyMonitor measures end-to-end delivery latency per
// (source agent, target agent, event type) flow, grades each measurement
// against an SLA ladder (warning, critical, emergency), keeps bounded
// histories for percentile estimates, and raises alerts through an optional
// callback. IsHealthy reports whether the recent critical-violation rate
// stays under the configured threshold.
//
// A minimal setup fills Config, connects a Producer and a Consumer,
// registers handlers per event type, and runs the Consumer, DLQHandler, and
// LatencyMonitor loops. The in-process channel transport backs tests; Kafka
// backs production.
package agentbus
