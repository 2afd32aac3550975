package monitor

import (
	"strconv"
	"strings"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// EventID derives the stable id of an event within a process.
func EventID(processID, identity string) string {
	return processID + "_" + identity
}

// SerializeContext projects a context variant into its stored form. Payload
// fields and the kind discriminator are merged into the result.
func SerializeContext(c models.Context) (map[string]interface{}, error) {
	var doc map[string]interface{}
	switch v := c.(type) {
	case nil:
		return nil, errors.New("nil context")
	case models.ComposerContext:
		doc = map[string]interface{}{
			"runKey":          v.RunKey,
			"pipeline_status": titleStatuses(v.PipelineStatus),
			"progress":        v.Progress,
			"total":           v.Total,
		}
	case models.WorkerContext:
		composer, err := SerializeContext(v.Composer)
		if err != nil {
			return nil, err
		}
		doc = map[string]interface{}{
			"composer":      composer,
			"name":          v.Name,
			"activeWorkers": v.ActiveWorkers,
		}
	case models.DriverContext:
		doc = map[string]interface{}{"driver": v.Driver}
	case models.DocumentContext:
		d := v.Document
		doc = map[string]interface{}{
			"path":                 d.Path,
			"name":                 d.Name,
			"size":                 d.Size,
			"progress":             d.Progress,
			"error":                d.Error,
			"is_finished":          d.Finished,
			"duration_decode":      d.DurationDecode,
			"duration_deserialize": d.DurationDeserialize,
			"duration_wait":        d.DurationWait,
			"duration_process":     d.DurationProcess,
			"started_at":           d.StartedAt,
			"finished_at":          d.FinishedAt,
		}
	case models.DocumentProcessContext:
		document, err := SerializeContext(v.Document)
		if err != nil {
			return nil, err
		}
		composer, err := SerializeContext(v.Composer)
		if err != nil {
			return nil, err
		}
		doc = map[string]interface{}{"document": document, "composer": composer}
	case models.ComponentContext:
		doc = map[string]interface{}{
			"component":    v.Component,
			"name":         v.Name,
			"driver":       v.Driver,
			"instance_ids": v.InstanceIDs,
		}
	case models.InstantiatedComponentContext:
		component, err := SerializeContext(v.Component)
		if err != nil {
			return nil, err
		}
		doc = map[string]interface{}{
			"component":   component,
			"instance_id": v.InstanceID,
			"endpoint":    v.Endpoint,
		}
	case models.DocumentComponentProcessContext:
		document, err := SerializeContext(v.Document)
		if err != nil {
			return nil, err
		}
		component, err := SerializeContext(v.Component)
		if err != nil {
			return nil, err
		}
		doc = map[string]interface{}{"document": document, "instantiated_component": component}
	case models.ReaderContext:
		doc = map[string]interface{}{
			"total":       v.Total,
			"skipped":     v.Skipped,
			"read":        v.Read,
			"remaining":   v.Remaining,
			"used_bytes":  v.UsedBytes,
			"total_bytes": v.TotalBytes,
		}
	case models.DefaultContext:
		doc = map[string]interface{}{}
	default:
		return nil, errors.Errorf("unknown context variant %T", c)
	}
	mergePayload(doc, c.PayloadRecord())
	doc["kind"] = string(c.Kind())
	return doc, nil
}

func mergePayload(doc map[string]interface{}, p models.Payload) {
	if p.Status != "" {
		doc["status"] = string(p.Status)
	}
	if p.Thread != "" {
		doc["thread"] = p.Thread
	}
	if p.Type != "" && p.Type != models.PayloadNone {
		doc["payload"] = map[string]interface{}{
			"content": p.Content,
			"type":    string(p.Type),
		}
	}
}

func titleStatuses(statuses map[string]models.Status) map[string]string {
	caser := cases.Title(language.Und)
	out := make(map[string]string, len(statuses))
	for name, status := range statuses {
		out[name] = caser.String(strings.ToLower(string(status)))
	}
	return out
}

// ScopeKeys derives the routing keys of an event. The result always starts
// with the process key, keeps first-seen order and has no duplicates.
func ScopeKeys(processID string, c models.Context) []string {
	keys := &scopeKeys{seen: make(map[string]bool)}
	keys.add("process", processID)
	keys.walk(c)
	return keys.list
}

type scopeKeys struct {
	seen map[string]bool
	list []string
}

func (s *scopeKeys) add(prefix, value string) {
	if value == "" {
		return
	}
	key := prefix + ":" + value
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.list = append(s.list, key)
}

func (s *scopeKeys) walk(c models.Context) {
	switch v := c.(type) {
	case models.ComposerContext:
		s.add("run", v.RunKey)
	case models.WorkerContext:
		s.add("worker", v.Name)
		s.walk(v.Composer)
	case models.DriverContext:
		s.add("driver", v.Driver)
	case models.DocumentContext:
		s.add("document", v.Document.Path)
	case models.DocumentProcessContext:
		s.walk(v.Document)
		s.walk(v.Composer)
	case models.ComponentContext:
		s.add("component", v.Component)
	case models.InstantiatedComponentContext:
		s.walk(v.Component)
		s.add("instance", v.InstanceID)
	case models.DocumentComponentProcessContext:
		s.walk(v.Document)
		s.walk(v.Component)
	}
}

// NewEventRecord builds the persisted record of an event.
func NewEventRecord(processID string, e models.Event) (models.EventRecord, error) {
	id := EventID(processID, strconv.FormatUint(e.Seq, 10))
	ctxDoc, err := SerializeContext(e.Context)
	if err != nil {
		return models.EventRecord{}, errors.Wrapf(err, "serialize event %s", id)
	}
	ctxDoc["event_id"] = id
	return models.EventRecord{
		ID:        id,
		ProcessID: processID,
		Timestamp: e.Timestamp,
		Seq:       e.Seq,
		Event: map[string]interface{}{
			"_id":        id,
			"process_id": processID,
			"scope_keys": ScopeKeys(processID, e.Context),
			"sender":     string(e.Sender),
			"message":    e.Message,
			"level":      string(e.Level),
			"context":    ctxDoc,
		},
	}, nil
}

// EventMessage is the wire form of a stored event.
func EventMessage(rec models.EventRecord) map[string]interface{} {
	return map[string]interface{}{
		"kind":       "event",
		"process_id": rec.ProcessID,
		"timestamp":  rec.Timestamp,
		"event":      rec.Event,
	}
}
