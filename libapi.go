package agentbus

import (
	buspkg "github.com/quantmesh/agentbus/internal/bus"
	configpkg "github.com/quantmesh/agentbus/internal/bus/config"
	errspkg "github.com/quantmesh/agentbus/internal/bus/errors"
	idspkg "github.com/quantmesh/agentbus/internal/bus/ids"
	jsoncodec "github.com/quantmesh/agentbus/internal/bus/jsoncodec"
	loggingpkg "github.com/quantmesh/agentbus/internal/bus/logging"
	metadatapkg "github.com/quantmesh/agentbus/internal/bus/metadata"
	transportpkg "github.com/quantmesh/agentbus/internal/bus/transport"
)

type (
	Config           = configpkg.Config
	Transport        = transportpkg.Transport
	TransportFactory = transportpkg.Factory

	Event       = buspkg.Event
	EventOption = buspkg.EventOption
	EventType   = buspkg.EventType
	Priority    = buspkg.Priority

	Producer       = buspkg.Producer
	ProducerOption = buspkg.ProducerOption
	SendOption     = buspkg.SendOption
	SendResult     = buspkg.SendResult

	Consumer       = buspkg.Consumer
	ConsumerOption = buspkg.ConsumerOption
	ConsumerState  = buspkg.ConsumerState
	Handler        = buspkg.Handler
	HandlerFunc    = buspkg.HandlerFunc

	// Dispatch lifecycle hooks
	ConsumeContext = buspkg.ConsumeContext
	ConsumeHooks   = buspkg.ConsumeHooks

	// Dead letter queue
	DLQHandler            = buspkg.DLQHandler
	DLQOption             = buspkg.DLQOption
	DLQMessage            = buspkg.DLQMessage
	DLQStatistics         = buspkg.DLQStatistics
	DLQMetrics            = buspkg.DLQMetrics
	DLQTopicMetrics       = buspkg.DLQTopicMetrics
	FailureClassification = buspkg.FailureClassification
	RetryPolicy           = buspkg.RetryPolicy

	// Latency monitoring
	LatencyMonitor       = buspkg.LatencyMonitor
	LatencyMonitorOption = buspkg.LatencyMonitorOption
	LatencySLA           = buspkg.LatencySLA
	LatencyMeasurement   = buspkg.LatencyMeasurement
	LatencyAlert         = buspkg.LatencyAlert
	LatencyFilter        = buspkg.LatencyFilter
	LatencyStatistics    = buspkg.LatencyStatistics
	FlowKey              = buspkg.FlowKey
	FlowStatistics       = buspkg.FlowStatistics
	Severity             = buspkg.Severity

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConnectionError = errspkg.ConnectionError
	DeliveryError   = errspkg.DeliveryError
	ParseError      = errspkg.ParseError
)

var (
	NewEvent    = buspkg.NewEvent
	NewProducer = buspkg.NewProducer
	NewConsumer = buspkg.NewConsumer

	// Event options
	WithTarget      = buspkg.WithTarget
	WithCausation   = buspkg.WithCausation
	WithPriority    = buspkg.WithPriority
	WithExpiry      = buspkg.WithExpiry
	WithMaxRetries  = buspkg.WithMaxRetries
	WithEnvironment = buspkg.WithEnvironment
	WithTimestamp   = buspkg.WithTimestamp

	// Send options
	WithTopic      = buspkg.WithTopic
	WithKey        = buspkg.WithKey
	WithHeaders    = buspkg.WithHeaders
	WithRedelivery = buspkg.WithRedelivery

	// Producer construction options
	WithTransportFactory   = buspkg.WithTransportFactory
	WithProducerRegisterer = buspkg.WithProducerRegisterer

	// Consumer construction options
	WithConsumerTransportFactory = buspkg.WithConsumerTransportFactory
	WithConsumerRegisterer       = buspkg.WithConsumerRegisterer
	WithHooks                    = buspkg.WithHooks
	WithLatencyMonitor           = buspkg.WithLatencyMonitor

	// Routing
	Route           = buspkg.Route
	DLQRoute        = buspkg.DLQRoute
	DLQTopicFor     = buspkg.DLQTopicFor
	KnownEventTypes = buspkg.KnownEventTypes

	// Dead letter queue
	NewDLQHandler          = buspkg.NewDLQHandler
	NewDLQMetrics          = buspkg.NewDLQMetrics
	Classify               = buspkg.Classify
	DefaultRetryPolicy     = buspkg.DefaultRetryPolicy
	WithRetryPolicy        = buspkg.WithRetryPolicy
	WithPoisonThreshold    = buspkg.WithPoisonThreshold
	WithSweepInterval      = buspkg.WithSweepInterval
	WithMaxRetriesPerSweep = buspkg.WithMaxRetriesPerSweep
	WithDLQRegisterer      = buspkg.WithDLQRegisterer

	// Latency monitoring
	NewLatencyMonitor       = buspkg.NewLatencyMonitor
	DefaultLatencySLA       = buspkg.DefaultLatencySLA
	WithSLA                 = buspkg.WithSLA
	WithAlertFunc           = buspkg.WithAlertFunc
	WithRetention           = buspkg.WithRetention
	WithMaintenanceInterval = buspkg.WithMaintenanceInterval
	WithLatencyRegisterer   = buspkg.WithLatencyRegisterer

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrEventRequired         = errspkg.ErrEventRequired
	ErrCorrelationIDRequired = errspkg.ErrCorrelationIDRequired
	ErrSourceAgentRequired   = errspkg.ErrSourceAgentRequired
	ErrTimestampRequired     = errspkg.ErrTimestampRequired
	ErrEventExpired          = errspkg.ErrEventExpired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrProducerClosed        = errspkg.ErrProducerClosed
	ErrProducerNotConnected  = errspkg.ErrProducerNotConnected
	ErrConsumerNotConnected  = errspkg.ErrConsumerNotConnected
	ErrConsumerRunning       = errspkg.ErrConsumerRunning
	ErrDLQMessageNotFound    = errspkg.ErrDLQMessageNotFound
	ErrFlushTimeout          = errspkg.ErrFlushTimeout

	ValidateConfig = configpkg.ValidateConfig

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	// NewEventID generates a unique, time-ordered event ID using ULID.
	NewEventID = idspkg.NewEventID
)

// Event type constants for the closed routing enum.
const (
	EventTypeMarketSignal       = buspkg.EventTypeMarketSignal
	EventTypeTradeIntent        = buspkg.EventTypeTradeIntent
	EventTypeTradeExecution     = buspkg.EventTypeTradeExecution
	EventTypeRiskAssessment     = buspkg.EventTypeRiskAssessment
	EventTypePositionUpdate     = buspkg.EventTypePositionUpdate
	EventTypeOptimizationResult = buspkg.EventTypeOptimizationResult
	EventTypeAccountSnapshot    = buspkg.EventTypeAccountSnapshot
	EventTypeAgentStatus        = buspkg.EventTypeAgentStatus
)

// Priority levels carried in the event envelope.
const (
	PriorityCritical = buspkg.PriorityCritical
	PriorityHigh     = buspkg.PriorityHigh
	PriorityNormal   = buspkg.PriorityNormal
	PriorityLow      = buspkg.PriorityLow
)

// Failure classifications governing DLQ retry behavior.
const (
	ClassificationTransient     = buspkg.ClassificationTransient
	ClassificationPermanent     = buspkg.ClassificationPermanent
	ClassificationPoison        = buspkg.ClassificationPoison
	ClassificationConfiguration = buspkg.ClassificationConfiguration
	ClassificationTimeout       = buspkg.ClassificationTimeout
)

// SLA severity levels.
const (
	SeverityNormal    = buspkg.SeverityNormal
	SeverityWarning   = buspkg.SeverityWarning
	SeverityCritical  = buspkg.SeverityCritical
	SeverityEmergency = buspkg.SeverityEmergency
)

// Consumer lifecycle states.
const (
	StateDisconnected = buspkg.StateDisconnected
	StateIdle         = buspkg.StateIdle
	StateRunning      = buspkg.StateRunning
	StateDraining     = buspkg.StateDraining
)

// Metadata keys - use these constants for standard wire headers.
const (
	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyCausationID   = metadatapkg.KeyCausationID
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeySourceAgent   = metadatapkg.KeySourceAgent
	MetadataKeyTargetAgent   = metadatapkg.KeyTargetAgent
	MetadataKeyTimestamp     = metadatapkg.KeyTimestamp
	MetadataKeyPriority      = metadatapkg.KeyPriority
	MetadataKeyPartitionKey  = metadatapkg.KeyPartitionKey
	MetadataKeyFailureReason = metadatapkg.KeyFailureReason
	MetadataKeyOriginalTopic = metadatapkg.KeyOriginalTopic
)
