package models

type UpdateKind string

const (
	ProcessUpdate   UpdateKind = "ProcessUpdate"
	WorkerUpsert    UpdateKind = "WorkerUpsert"
	DriverUpsert    UpdateKind = "DriverUpsert"
	ComponentUpsert UpdateKind = "ComponentUpsert"
	InstanceUpsert  UpdateKind = "InstanceUpsert"
	DocumentUpsert  UpdateKind = "DocumentUpsert"
)

type UpdateMeta struct {
	RunKey    string `json:"runKey"`
	EventID   string `json:"eventId"`
	Timestamp int64  `json:"timestamp"`
}

// Update is a partial state change reported by the engine. Which identity
// fields are set depends on Kind; use the constructors below.
type Update struct {
	Kind        UpdateKind
	Meta        UpdateMeta
	Name        string // worker or driver name
	ComponentID string
	InstanceID  string
	DocumentKey string
	Doc         map[string]interface{}
}

func NewProcessUpdate(meta UpdateMeta, doc map[string]interface{}) Update {
	return Update{Kind: ProcessUpdate, Meta: meta, Doc: doc}
}

func NewWorkerUpsert(meta UpdateMeta, worker string, doc map[string]interface{}) Update {
	return Update{Kind: WorkerUpsert, Meta: meta, Name: worker, Doc: doc}
}

func NewDriverUpsert(meta UpdateMeta, driver string, doc map[string]interface{}) Update {
	return Update{Kind: DriverUpsert, Meta: meta, Name: driver, Doc: doc}
}

func NewComponentUpsert(meta UpdateMeta, componentID string, doc map[string]interface{}) Update {
	return Update{Kind: ComponentUpsert, Meta: meta, ComponentID: componentID, Doc: doc}
}

func NewInstanceUpsert(meta UpdateMeta, componentID, instanceID string, doc map[string]interface{}) Update {
	return Update{Kind: InstanceUpsert, Meta: meta, ComponentID: componentID, InstanceID: instanceID, Doc: doc}
}

func NewDocumentUpsert(meta UpdateMeta, documentKey string, doc map[string]interface{}) Update {
	return Update{Kind: DocumentUpsert, Meta: meta, DocumentKey: documentKey, Doc: doc}
}
