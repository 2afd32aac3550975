package models

type Sender string

const (
	SenderComposer  Sender = "COMPOSER"
	SenderReader    Sender = "READER"
	SenderWriter    Sender = "WRITER"
	SenderDriver    Sender = "DRIVER"
	SenderComponent Sender = "COMPONENT"
	SenderDocument  Sender = "DOCUMENT"
	SenderHandler   Sender = "HANDLER"
	SenderSystem    Sender = "SYSTEM"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

type PayloadKind string

const (
	PayloadStacktrace   PayloadKind = "STACKTRACE"
	PayloadLua          PayloadKind = "LUA"
	PayloadTypeSystem   PayloadKind = "TYPESYSTEM"
	PayloadResponse     PayloadKind = "RESPONSE"
	PayloadLogs         PayloadKind = "LOGS"
	PayloadGeneric      PayloadKind = "GENERIC"
	PayloadMetricMillis PayloadKind = "METRIC_MILLIS"
	PayloadNone         PayloadKind = "NONE"
)

// Payload carries the fields shared by every context variant.
type Payload struct {
	Status  Status
	Content string
	Type    PayloadKind
	Thread  string
}

func (p Payload) PayloadRecord() Payload { return p }

type ContextKind string

const (
	KindComposer                 ContextKind = "ComposerContext"
	KindWorker                   ContextKind = "WorkerContext"
	KindDriver                   ContextKind = "DriverContext"
	KindDocument                 ContextKind = "DocumentContext"
	KindDocumentProcess          ContextKind = "DocumentProcessContext"
	KindComponent                ContextKind = "ComponentContext"
	KindInstantiatedComponent    ContextKind = "InstantiatedComponentContext"
	KindDocumentComponentProcess ContextKind = "DocumentComponentProcessContext"
	KindReader                   ContextKind = "ReaderContext"
	KindDefault                  ContextKind = "DefaultContext"
)

// Context describes what an event is about. The set of variants is closed.
type Context interface {
	Kind() ContextKind
	PayloadRecord() Payload
	isContext()
}

type ComposerContext struct {
	Payload
	RunKey         string
	PipelineStatus map[string]Status
	Progress       int64
	Total          int
}

type WorkerContext struct {
	Payload
	Composer      ComposerContext
	Name          string
	ActiveWorkers int
}

type DriverContext struct {
	Payload
	Driver string
}

type DocumentContext struct {
	Payload
	Document DocumentSnapshot
}

type DocumentProcessContext struct {
	Payload
	Document DocumentContext
	Composer ComposerContext
}

type ComponentContext struct {
	Payload
	Component   string
	Name        string
	Driver      string
	InstanceIDs []string
}

type InstantiatedComponentContext struct {
	Payload
	Component  ComponentContext
	InstanceID string
	Endpoint   string
}

type DocumentComponentProcessContext struct {
	Payload
	Document  DocumentContext
	Component InstantiatedComponentContext
}

type ReaderContext struct {
	Payload
	Total      int
	Skipped    int
	Read       int
	Remaining  int
	UsedBytes  int64
	TotalBytes int64
}

type DefaultContext struct {
	Payload
}

func (ComposerContext) Kind() ContextKind                 { return KindComposer }
func (WorkerContext) Kind() ContextKind                   { return KindWorker }
func (DriverContext) Kind() ContextKind                   { return KindDriver }
func (DocumentContext) Kind() ContextKind                 { return KindDocument }
func (DocumentProcessContext) Kind() ContextKind          { return KindDocumentProcess }
func (ComponentContext) Kind() ContextKind                { return KindComponent }
func (InstantiatedComponentContext) Kind() ContextKind    { return KindInstantiatedComponent }
func (DocumentComponentProcessContext) Kind() ContextKind { return KindDocumentComponentProcess }
func (ReaderContext) Kind() ContextKind                   { return KindReader }
func (DefaultContext) Kind() ContextKind                  { return KindDefault }

func (ComposerContext) isContext()                 {}
func (WorkerContext) isContext()                   {}
func (DriverContext) isContext()                   {}
func (DocumentContext) isContext()                 {}
func (DocumentProcessContext) isContext()          {}
func (ComponentContext) isContext()                {}
func (InstantiatedComponentContext) isContext()    {}
func (DocumentComponentProcessContext) isContext() {}
func (ReaderContext) isContext()                   {}
func (DefaultContext) isContext()                  {}

// Event is a progress notification emitted by the engine. Seq identifies the
// event within one engine and stays the same on redelivery.
type Event struct {
	Seq       uint64
	Sender    Sender
	Message   string
	Level     Level
	Timestamp int64
	Context   Context
}

// EventRecord is the persisted form of an event.
type EventRecord struct {
	ID        string                 `json:"_id" bson:"_id" firestore:"id"`
	ProcessID string                 `json:"process_id" bson:"process_id" firestore:"process_id"`
	Timestamp int64                  `json:"timestamp" bson:"timestamp" firestore:"timestamp"`
	// Seq orders events of one process that share a timestamp.
	Seq       uint64                 `json:"seq" bson:"seq" firestore:"seq"`
	Event     map[string]interface{} `json:"event" bson:"event" firestore:"event"`
}
