package bus

// Topic layout: one topic per event category, each paired with a DLQ topic
// under a fixed suffix.
const (
	DefaultTopic = "agents.events"
	DLQSuffix    = ".dlq"
)

// routes is the static event-type to topic table. Every type resolves to
// exactly one primary topic and one derived DLQ topic.
var routes = map[EventType]string{
	EventTypeMarketSignal:       "agents.market.signals",
	EventTypeTradeIntent:        "agents.trade.intents",
	EventTypeTradeExecution:     "agents.trade.executions",
	EventTypeRiskAssessment:     "agents.risk.assessments",
	EventTypePositionUpdate:     "agents.risk.positions",
	EventTypeOptimizationResult: "agents.optimization.results",
	EventTypeAccountSnapshot:    "agents.account.snapshots",
	EventTypeAgentStatus:        "agents.system.status",
}

// Route returns the primary topic for an event type. Unknown types fall back
// to the default topic.
func Route(eventType EventType) string {
	if topic, ok := routes[eventType]; ok {
		return topic
	}
	return DefaultTopic
}

// DLQRoute returns the dead-letter topic paired with the event type's primary
// topic.
func DLQRoute(eventType EventType) string {
	return Route(eventType) + DLQSuffix
}

// DLQTopicFor derives the dead-letter topic for an arbitrary topic.
func DLQTopicFor(topic string) string {
	return topic + DLQSuffix
}

// KnownEventTypes returns the closed set of routable event types.
func KnownEventTypes() []EventType {
	types := make([]EventType, 0, len(routes))
	for t := range routes {
		types = append(types, t)
	}
	return types
}
