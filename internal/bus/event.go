package bus

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/quantmesh/agentbus/internal/bus/errors"
	idspkg "github.com/quantmesh/agentbus/internal/bus/ids"
	"github.com/quantmesh/agentbus/internal/bus/jsoncodec"
	metadatapkg "github.com/quantmesh/agentbus/internal/bus/metadata"
)

// SchemaVersion is stamped on every event built by this library version.
const SchemaVersion = "1.0"

// Priority orders events for broker-side filtering. It does not affect
// delivery order within a partition.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// EventType is the closed enum of domain events exchanged between agents.
type EventType string

const (
	EventTypeMarketSignal       EventType = "market.signal"
	EventTypeTradeIntent        EventType = "trade.intent"
	EventTypeTradeExecution     EventType = "trade.execution"
	EventTypeRiskAssessment     EventType = "risk.assessment"
	EventTypePositionUpdate     EventType = "position.update"
	EventTypeOptimizationResult EventType = "optimization.result"
	EventTypeAccountSnapshot    EventType = "account.snapshot"
	EventTypeAgentStatus        EventType = "agent.status"
)

// Event is the canonical envelope for inter-agent messages. CorrelationID is
// never empty and Timestamp is always UTC; both are enforced at construction.
type Event struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	Type          EventType      `json:"event_type"`
	SourceAgent   string         `json:"source_agent"`
	TargetAgent   string         `json:"target_agent,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	ExpiresAt     time.Time      `json:"expires_at,omitempty"`
	Priority      Priority       `json:"priority"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Payload       map[string]any `json:"payload"`
	Environment   string         `json:"environment,omitempty"`
	SchemaVersion string         `json:"schema_version"`
}

// EventOption customises an event at construction time.
type EventOption func(*Event)

// WithTarget addresses the event to a single agent instead of broadcasting.
func WithTarget(agent string) EventOption {
	return func(e *Event) { e.TargetAgent = agent }
}

// WithCausation links the event to the event that caused it.
func WithCausation(eventID string) EventOption {
	return func(e *Event) { e.CausationID = eventID }
}

// WithPriority overrides the default normal priority.
func WithPriority(p Priority) EventOption {
	return func(e *Event) { e.Priority = p }
}

// WithExpiry marks the event stale after the given instant.
func WithExpiry(at time.Time) EventOption {
	return func(e *Event) { e.ExpiresAt = at.UTC() }
}

// WithMaxRetries bounds DLQ retry attempts for this event.
func WithMaxRetries(n int) EventOption {
	return func(e *Event) { e.MaxRetries = n }
}

// WithEnvironment tags the event with a deployment environment.
func WithEnvironment(env string) EventOption {
	return func(e *Event) { e.Environment = env }
}

// WithTimestamp replaces the construction time, normalised to UTC. Useful for
// replays and tests.
func WithTimestamp(t time.Time) EventOption {
	return func(e *Event) { e.Timestamp = t.UTC() }
}

// NewEvent builds a validated envelope. The timestamp is taken at
// construction and normalised to UTC.
func NewEvent(eventType EventType, correlationID, sourceAgent string, payload map[string]any, opts ...EventOption) (*Event, error) {
	event := &Event{
		EventID:       idspkg.NewEventID(),
		CorrelationID: correlationID,
		Type:          eventType,
		SourceAgent:   sourceAgent,
		Timestamp:     time.Now().UTC(),
		Priority:      PriorityNormal,
		MaxRetries:    3,
		Payload:       payload,
		SchemaVersion: SchemaVersion,
	}

	for _, opt := range opts {
		opt(event)
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// Validate enforces the envelope invariants.
func (e *Event) Validate() error {
	if e == nil {
		return errspkg.ErrEventRequired
	}
	if e.CorrelationID == "" {
		return errspkg.ErrCorrelationIDRequired
	}
	if e.SourceAgent == "" {
		return errspkg.ErrSourceAgentRequired
	}
	if e.Timestamp.IsZero() {
		return errspkg.ErrTimestampRequired
	}
	return nil
}

// Broadcast reports whether the event has no single addressed agent.
func (e *Event) Broadcast() bool { return e.TargetAgent == "" }

// Expired reports whether the event's expiry, if any, has passed.
func (e *Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Headers projects the routing-relevant envelope fields into wire headers so
// brokers and consumers can route and filter without deserialising the body.
func (e *Event) Headers() metadatapkg.Metadata {
	md := metadatapkg.Metadata{
		metadatapkg.KeyEventID:       e.EventID,
		metadatapkg.KeyCorrelationID: e.CorrelationID,
		metadatapkg.KeyEventType:     string(e.Type),
		metadatapkg.KeySourceAgent:   e.SourceAgent,
		metadatapkg.KeyTimestamp:     e.Timestamp.Format(time.RFC3339Nano),
		metadatapkg.KeyPriority:      string(e.Priority),
		metadatapkg.KeySchemaVersion: e.SchemaVersion,
	}
	if e.CausationID != "" {
		md[metadatapkg.KeyCausationID] = e.CausationID
	}
	if e.TargetAgent != "" {
		md[metadatapkg.KeyTargetAgent] = e.TargetAgent
	}
	if e.Environment != "" {
		md[metadatapkg.KeyEnvironment] = e.Environment
	}
	return md
}

// ToMessage serialises the event into a Watermill message carrying the
// envelope headers.
func (e *Event) ToMessage() (*message.Message, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	payload, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(e.EventID, payload)
	msg.Metadata = metadatapkg.ToWatermill(e.Headers())
	return msg, nil
}

// EventFromMessage deserialises a consumed message back into an envelope.
func EventFromMessage(msg *message.Message) (*Event, error) {
	var event Event
	if err := jsoncodec.Unmarshal(msg.Payload, &event); err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	event.Timestamp = event.Timestamp.UTC()
	return &event, nil
}
