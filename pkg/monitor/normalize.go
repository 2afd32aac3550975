package monitor

import (
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	pathState      = "process_state"
	pathWorkers    = "workers"
	pathDrivers    = "drivers"
	pathComponents = "components"
	pathInstances  = "instances"
)

// Normalize maps an engine update onto the store operation that applies it
// and the wire form broadcast to subscribers.
func Normalize(processID string, u models.Update) (storage.Operation, map[string]interface{}, error) {
	op := storage.Operation{Collection: storage.CollectionProcesses, ID: processID, Fields: u.Doc}
	wire := map[string]interface{}{
		"kind": string(u.Kind),
		"meta": map[string]interface{}{
			"runKey":    u.Meta.RunKey,
			"eventId":   u.Meta.EventID,
			"timestamp": u.Meta.Timestamp,
		},
	}

	switch u.Kind {
	case models.ProcessUpdate:
		wire["process"] = u.Doc
	case models.WorkerUpsert:
		op.Path = storage.JoinPath(pathState, pathWorkers, storage.EscapeKey(u.Name))
		wire["workerName"] = u.Name
		wire["worker"] = u.Doc
	case models.DriverUpsert:
		op.Path = storage.JoinPath(pathState, pathDrivers, storage.EscapeKey(u.Name))
		wire["driverName"] = u.Name
		wire["driver"] = u.Doc
	case models.ComponentUpsert:
		op.Path = storage.JoinPath(pathState, pathComponents, storage.EscapeKey(u.ComponentID))
		wire["componentId"] = u.ComponentID
		wire["component"] = u.Doc
	case models.InstanceUpsert:
		op.Path = storage.JoinPath(pathState, pathComponents, storage.EscapeKey(u.ComponentID),
			pathInstances, storage.EscapeKey(u.InstanceID))
		wire["componentId"] = u.ComponentID
		wire["instanceId"] = u.InstanceID
		wire["instance"] = u.Doc
	case models.DocumentUpsert:
		fields := make(map[string]interface{}, len(u.Doc)+2)
		for k, v := range u.Doc {
			fields[k] = v
		}
		fields["process_id"] = processID
		fields["path"] = u.DocumentKey
		op.Collection = storage.CollectionDocuments
		op.ID = storage.DocumentID(processID, u.DocumentKey)
		op.Fields = fields
		wire["documentKey"] = u.DocumentKey
		wire["document"] = u.Doc
	default:
		return storage.Operation{}, nil, errors.Errorf("unknown update kind %q", u.Kind)
	}

	if u.Meta.EventID != "" {
		op.Key = u.Meta.EventID + "|" + op.Collection + "|" + op.ID + "|" + op.Path
	}
	return op, wire, nil
}

// UpdateMessage is the wire envelope of a batch of normalized updates.
func UpdateMessage(processID string, updates []map[string]interface{}) map[string]interface{} {
	if updates == nil {
		updates = []map[string]interface{}{}
	}
	return map[string]interface{}{
		"kind":       "update",
		"process_id": processID,
		"updates":    updates,
	}
}
