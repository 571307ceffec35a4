package bus

import (
	"errors"
	"testing"
	"time"

	errspkg "github.com/quantmesh/agentbus/internal/bus/errors"
	metadatapkg "github.com/quantmesh/agentbus/internal/bus/metadata"
)

func TestNewEventDefaults(t *testing.T) {
	event, err := NewEvent(EventTypeMarketSignal, "corr-1", "market-agent", map[string]any{"symbol": "BTCUSDT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.EventID == "" {
		t.Fatal("expected a generated event id")
	}
	if event.Priority != PriorityNormal {
		t.Fatalf("expected normal priority, got %q", event.Priority)
	}
	if event.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", event.MaxRetries)
	}
	if event.Timestamp.Location() != time.UTC {
		t.Fatal("expected UTC timestamp")
	}
	if event.SchemaVersion != SchemaVersion {
		t.Fatalf("expected schema version %q, got %q", SchemaVersion, event.SchemaVersion)
	}
	if !event.Broadcast() {
		t.Fatal("expected untargeted event to be a broadcast")
	}
}

func TestNewEventOptions(t *testing.T) {
	expiry := time.Now().Add(time.Minute)
	event, err := NewEvent(EventTypeTradeIntent, "corr-2", "strategy-agent", nil,
		WithTarget("execution-agent"),
		WithCausation("cause-1"),
		WithPriority(PriorityCritical),
		WithExpiry(expiry),
		WithMaxRetries(7),
		WithEnvironment("staging"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.TargetAgent != "execution-agent" || event.Broadcast() {
		t.Fatalf("expected targeted event, got %q", event.TargetAgent)
	}
	if event.CausationID != "cause-1" {
		t.Fatalf("expected causation id, got %q", event.CausationID)
	}
	if event.Priority != PriorityCritical {
		t.Fatalf("expected critical priority, got %q", event.Priority)
	}
	if !event.ExpiresAt.Equal(expiry.UTC()) {
		t.Fatalf("expected expiry %v, got %v", expiry.UTC(), event.ExpiresAt)
	}
	if event.MaxRetries != 7 {
		t.Fatalf("expected max retries 7, got %d", event.MaxRetries)
	}
	if event.Environment != "staging" {
		t.Fatalf("expected staging environment, got %q", event.Environment)
	}
}

func TestNewEventValidation(t *testing.T) {
	if _, err := NewEvent(EventTypeAgentStatus, "", "agent", nil); !errors.Is(err, errspkg.ErrCorrelationIDRequired) {
		t.Fatalf("expected correlation id error, got %v", err)
	}
	if _, err := NewEvent(EventTypeAgentStatus, "corr", "", nil); !errors.Is(err, errspkg.ErrSourceAgentRequired) {
		t.Fatalf("expected source agent error, got %v", err)
	}
	var nilEvent *Event
	if err := nilEvent.Validate(); !errors.Is(err, errspkg.ErrEventRequired) {
		t.Fatalf("expected event required error, got %v", err)
	}
}

func TestEventExpired(t *testing.T) {
	now := time.Now().UTC()
	event, err := NewEvent(EventTypeMarketSignal, "corr", "agent", nil, WithExpiry(now.Add(time.Second)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Expired(now) {
		t.Fatal("event should not be expired before its deadline")
	}
	if !event.Expired(now.Add(time.Second)) {
		t.Fatal("event should be expired at its deadline")
	}

	unbounded, err := NewEvent(EventTypeMarketSignal, "corr", "agent", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unbounded.Expired(now.Add(time.Hour)) {
		t.Fatal("event without expiry must never expire")
	}
}

func TestEventMessageRoundTrip(t *testing.T) {
	event, err := NewEvent(EventTypeRiskAssessment, "corr-3", "risk-agent",
		map[string]any{"exposure": 0.42},
		WithTarget("portfolio-agent"),
		WithEnvironment("prod"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := event.ToMessage()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.UUID != event.EventID {
		t.Fatalf("expected message uuid %q, got %q", event.EventID, msg.UUID)
	}
	if got := msg.Metadata.Get(metadatapkg.KeyCorrelationID); got != "corr-3" {
		t.Fatalf("expected correlation header, got %q", got)
	}
	if got := msg.Metadata.Get(metadatapkg.KeyEventType); got != string(EventTypeRiskAssessment) {
		t.Fatalf("expected event type header, got %q", got)
	}
	if got := msg.Metadata.Get(metadatapkg.KeyTargetAgent); got != "portfolio-agent" {
		t.Fatalf("expected target header, got %q", got)
	}

	decoded, err := EventFromMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.EventID != event.EventID {
		t.Fatalf("expected event id %q, got %q", event.EventID, decoded.EventID)
	}
	if decoded.Type != event.Type {
		t.Fatalf("expected type %q, got %q", event.Type, decoded.Type)
	}
	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Fatalf("expected timestamp %v, got %v", event.Timestamp, decoded.Timestamp)
	}
	if got, ok := decoded.Payload["exposure"].(float64); !ok || got != 0.42 {
		t.Fatalf("expected payload to survive the round trip, got %#v", decoded.Payload)
	}
}
