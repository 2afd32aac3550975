package monitor_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/monitor"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []map[string]interface{}
}

func (r *recordingBroadcaster) Broadcast(processID string, message []byte) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(message, &decoded); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.messages = append(r.messages, decoded)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []string
	for _, m := range r.messages {
		kinds = append(kinds, m["kind"].(string))
	}
	return kinds
}

// failingStore rejects every write so the broadcast path can be checked alone.
type failingStore struct {
	storage.Store
}

func (failingStore) InsertEvent(context.Context, models.EventRecord) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) UpsertByPath(context.Context, storage.Operation) (bool, error) {
	return false, errors.New("store down")
}

func composer() models.ComposerContext {
	return models.ComposerContext{
		RunKey:         "pipe_1",
		PipelineStatus: map[string]models.Status{"tokenizer": models.StatusActive},
		Progress:       2,
		Total:          5,
	}
}

func documentContext(path string) models.DocumentContext {
	return models.DocumentContext{Document: models.DocumentSnapshot{Path: path, Name: path, Size: 3}}
}

func TestSerializeContext_AllVariants(t *testing.T) {
	component := models.ComponentContext{Component: "c1", Name: "tokenizer", Driver: "remote", InstanceIDs: []string{"i1"}}
	instance := models.InstantiatedComponentContext{Component: component, InstanceID: "i1", Endpoint: "http://x"}
	contexts := []models.Context{
		composer(),
		models.WorkerContext{Composer: composer(), Name: "worker-1", ActiveWorkers: 2},
		models.DriverContext{Driver: "remote"},
		documentContext("a.txt"),
		models.DocumentProcessContext{Document: documentContext("a.txt"), Composer: composer()},
		component,
		instance,
		models.DocumentComponentProcessContext{Document: documentContext("a.txt"), Component: instance},
		models.ReaderContext{Total: 5, Skipped: 1, Read: 2, Remaining: 2, UsedBytes: 10, TotalBytes: 100},
		models.DefaultContext{},
	}
	for _, c := range contexts {
		t.Run(string(c.Kind()), func(t *testing.T) {
			doc, err := monitor.SerializeContext(c)
			require.NoError(t, err)
			assert.Equal(t, string(c.Kind()), doc["kind"])
		})
	}

	t.Run("nested contexts keep their own kinds", func(t *testing.T) {
		doc, err := monitor.SerializeContext(models.DocumentComponentProcessContext{Document: documentContext("a.txt"), Component: instance})
		require.NoError(t, err)
		document := doc["document"].(map[string]interface{})
		assert.Equal(t, "DocumentContext", document["kind"])
		assert.Equal(t, "a.txt", document["path"])
		ic := doc["instantiated_component"].(map[string]interface{})
		assert.Equal(t, "i1", ic["instance_id"])
		assert.Equal(t, "c1", ic["component"].(map[string]interface{})["component"])
	})

	t.Run("composer status is title cased", func(t *testing.T) {
		doc, err := monitor.SerializeContext(composer())
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"tokenizer": "Active"}, doc["pipeline_status"])
		assert.Equal(t, "pipe_1", doc["runKey"])
	})

	t.Run("reader counters", func(t *testing.T) {
		doc, err := monitor.SerializeContext(models.ReaderContext{Total: 5, Skipped: 1, Read: 2, Remaining: 2, UsedBytes: 10, TotalBytes: 100})
		require.NoError(t, err)
		assert.Equal(t, 5, doc["total"])
		assert.Equal(t, 1, doc["skipped"])
		assert.Equal(t, 2, doc["read"])
		assert.Equal(t, 2, doc["remaining"])
		assert.Equal(t, int64(10), doc["used_bytes"])
		assert.Equal(t, int64(100), doc["total_bytes"])
	})

	t.Run("unknown variants are rejected", func(t *testing.T) {
		_, err := monitor.SerializeContext(nil)
		assert.Error(t, err)
		_, err = monitor.SerializeContext(&models.ComposerContext{})
		assert.Error(t, err)
	})
}

func TestSerializeContext_Payload(t *testing.T) {
	t.Run("payload with content", func(t *testing.T) {
		c := models.DriverContext{Driver: "remote", Payload: models.Payload{
			Status: models.StatusFailed, Content: "boom", Type: models.PayloadStacktrace, Thread: "worker-1",
		}}
		doc, err := monitor.SerializeContext(c)
		require.NoError(t, err)
		assert.Equal(t, "FAILED", doc["status"])
		assert.Equal(t, "worker-1", doc["thread"])
		assert.Equal(t, map[string]interface{}{"content": "boom", "type": "STACKTRACE"}, doc["payload"])
	})

	t.Run("NONE payload keeps only status and thread", func(t *testing.T) {
		c := models.DriverContext{Driver: "remote", Payload: models.Payload{
			Status: models.StatusActive, Content: "ignored", Type: models.PayloadNone, Thread: "main",
		}}
		doc, err := monitor.SerializeContext(c)
		require.NoError(t, err)
		assert.Equal(t, "ACTIVE", doc["status"])
		assert.Equal(t, "main", doc["thread"])
		assert.NotContains(t, doc, "payload")
	})
}

func TestScopeKeys(t *testing.T) {
	t.Run("document in component", func(t *testing.T) {
		c := models.DocumentComponentProcessContext{
			Document:  documentContext("a/b.txt"),
			Component: models.InstantiatedComponentContext{Component: models.ComponentContext{Component: "c1"}},
		}
		assert.Equal(t, []string{"process:p1", "document:a/b.txt", "component:c1"}, monitor.ScopeKeys("p1", c))
	})

	t.Run("nested composers are deduplicated", func(t *testing.T) {
		c := models.DocumentProcessContext{Document: documentContext("a.txt"), Composer: composer()}
		w := models.WorkerContext{Composer: composer(), Name: "w1"}
		assert.Equal(t, []string{"process:p1", "document:a.txt", "run:pipe_1"}, monitor.ScopeKeys("p1", c))
		assert.Equal(t, []string{"process:p1", "worker:w1", "run:pipe_1"}, monitor.ScopeKeys("p1", w))
	})

	t.Run("instances and drivers", func(t *testing.T) {
		c := models.InstantiatedComponentContext{Component: models.ComponentContext{Component: "c1"}, InstanceID: "i1"}
		assert.Equal(t, []string{"process:p1", "component:c1", "instance:i1"}, monitor.ScopeKeys("p1", c))
		assert.Equal(t, []string{"process:p1", "driver:remote"}, monitor.ScopeKeys("p1", models.DriverContext{Driver: "remote"}))
	})

	t.Run("empty values are skipped", func(t *testing.T) {
		assert.Equal(t, []string{"process:p1"}, monitor.ScopeKeys("p1", models.ComposerContext{}))
		assert.Equal(t, []string{"process:p1"}, monitor.ScopeKeys("p1", models.ReaderContext{}))
	})
}

func TestNormalize(t *testing.T) {
	meta := models.UpdateMeta{RunKey: "pipe_1", EventID: "p1_9", Timestamp: 42}
	doc := map[string]interface{}{"status": "ACTIVE"}
	tests := []struct {
		name       string
		update     models.Update
		collection string
		id         string
		path       string
		wireKeys   []string
	}{
		{name: "process", update: models.NewProcessUpdate(meta, doc), collection: storage.CollectionProcesses, id: "p1", path: "", wireKeys: []string{"process"}},
		{name: "worker", update: models.NewWorkerUpsert(meta, "w.1", doc), collection: storage.CollectionProcesses, id: "p1", path: "process_state.workers.w．1", wireKeys: []string{"workerName", "worker"}},
		{name: "driver", update: models.NewDriverUpsert(meta, "remote", doc), collection: storage.CollectionProcesses, id: "p1", path: "process_state.drivers.remote", wireKeys: []string{"driverName", "driver"}},
		{name: "component", update: models.NewComponentUpsert(meta, "$c", doc), collection: storage.CollectionProcesses, id: "p1", path: "process_state.components.＄c", wireKeys: []string{"componentId", "component"}},
		{name: "instance", update: models.NewInstanceUpsert(meta, "c1", "i.1", doc), collection: storage.CollectionProcesses, id: "p1", path: "process_state.components.c1.instances.i．1", wireKeys: []string{"componentId", "instanceId", "instance"}},
		{name: "document", update: models.NewDocumentUpsert(meta, "dir/a.txt", doc), collection: storage.CollectionDocuments, id: "p1|dir/a.txt", path: "", wireKeys: []string{"documentKey", "document"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, wire, err := monitor.Normalize("p1", tt.update)
			require.NoError(t, err)
			assert.Equal(t, tt.collection, op.Collection)
			assert.Equal(t, tt.id, op.ID)
			assert.Equal(t, tt.path, op.Path)
			assert.NotEmpty(t, op.Key)
			assert.Equal(t, string(tt.update.Kind), wire["kind"])
			assert.Equal(t, map[string]interface{}{"runKey": "pipe_1", "eventId": "p1_9", "timestamp": int64(42)}, wire["meta"])
			for _, k := range tt.wireKeys {
				assert.Contains(t, wire, k)
			}
		})
	}

	t.Run("document upserts carry their identity", func(t *testing.T) {
		op, _, err := monitor.Normalize("p1", models.NewDocumentUpsert(meta, "a.txt", doc))
		require.NoError(t, err)
		assert.Equal(t, "p1", op.Fields["process_id"])
		assert.Equal(t, "a.txt", op.Fields["path"])
		assert.NotContains(t, doc, "process_id", "input document must not be mutated")
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, _, err := monitor.Normalize("p1", models.Update{Kind: "Bogus"})
		assert.Error(t, err)
	})
}

func newProcess(t *testing.T, store storage.Store) {
	require.NoError(t, store.CreateProcess(context.Background(), models.Process{ID: "p1", Status: models.StatusActive}))
}

func TestDispatcher_PersistsAndBroadcastsInOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	newProcess(t, store)
	b := &recordingBroadcaster{}
	d := monitor.NewDispatcher("p1", "pipe_1", store, b, testLogger{}, 1)

	for i := uint64(1); i <= 3; i++ {
		event := &models.Event{Seq: i, Sender: models.SenderComposer, Message: "tick", Level: models.LevelInfo, Timestamp: int64(i), Context: composer()}
		d.Observe(event, []models.Update{
			models.NewWorkerUpsert(models.UpdateMeta{EventID: monitor.EventID("p1", "1")}, "w1", map[string]interface{}{"progress": i}),
		})
	}
	d.Close()

	assert.Equal(t, []string{"event", "update", "event", "update", "event", "update"}, b.kinds())

	events, err := store.FindEventsByProcess(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "p1_1", events[0].ID)
	assert.Equal(t, []string{"process:p1", "run:pipe_1"}, events[0].Event["scope_keys"])

	p, err := store.GetProcess(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), p.State.Workers["w1"].(map[string]interface{})["progress"],
		"the same event id is applied once")
}

func TestDispatcher_NoOps(t *testing.T) {
	store := storage.NewMemoryStore()
	newProcess(t, store)
	b := &recordingBroadcaster{}
	d := monitor.NewDispatcher("p1", "", store, b, testLogger{}, 0)
	d.Observe(nil, []models.Update{models.NewProcessUpdate(models.UpdateMeta{}, map[string]interface{}{"x": 1})})
	d.Observe(&models.Event{Seq: 1, Context: models.DefaultContext{}}, nil)
	d.Close()
	d.Close()
	d.Observe(&models.Event{Seq: 2, Context: models.DefaultContext{}}, []models.Update{models.NewProcessUpdate(models.UpdateMeta{}, map[string]interface{}{"x": 1})})

	assert.Empty(t, b.kinds())
	events, err := store.FindEventsByProcess(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, events)

	blank := monitor.NewDispatcher(" ", "", store, b, testLogger{}, 0)
	blank.Observe(&models.Event{Seq: 1, Context: models.DefaultContext{}}, []models.Update{models.NewProcessUpdate(models.UpdateMeta{}, map[string]interface{}{"x": 1})})
	blank.Close()
	assert.Empty(t, b.kinds())
}

func TestDispatcher_StoreFailureStillBroadcasts(t *testing.T) {
	b := &recordingBroadcaster{}
	d := monitor.NewDispatcher("p1", "", failingStore{storage.NewMemoryStore()}, b, testLogger{}, 0)
	d.Observe(&models.Event{Seq: 1, Context: models.DefaultContext{}}, []models.Update{
		models.NewComponentUpsert(models.UpdateMeta{}, "c1", map[string]interface{}{"status": "ACTIVE"}),
	})
	d.Close()
	assert.Equal(t, []string{"event", "update"}, b.kinds())
}

func TestDispatcher_SealKeepsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newProcess(t, store)
	d := monitor.NewDispatcher("p1", "", store, nil, testLogger{}, 0)

	d.Seal()
	d.SetFields(map[string]interface{}{"status": models.StatusCompleted, "is_finished": true})
	d.Observe(&models.Event{Seq: 5, Context: models.DefaultContext{}}, []models.Update{
		models.NewProcessUpdate(models.UpdateMeta{EventID: "p1_5"}, map[string]interface{}{
			"status":      models.StatusActive,
			"is_finished": false,
			"progress":    3,
		}),
	})
	d.Close()

	p, err := store.GetProcess(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.True(t, p.Finished)
}
