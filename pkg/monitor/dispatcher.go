package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
)

const DefaultQueueSize = 256

// lifecycleFields are owned by the process handler once it has reached a
// terminal status.
var lifecycleFields = []string{"status", "is_finished", "finished_at", "error"}

// Logger defines the logging interface used by the dispatcher
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Broadcaster delivers wire messages to the live subscribers of a process.
type Broadcaster interface {
	Broadcast(processID string, message []byte)
}

type batch struct {
	event   *models.Event
	updates []models.Update
	owned   bool // written by the process handler itself
}

// Dispatcher persists and broadcasts the progress of one process. Batches are
// handled in arrival order by a single goroutine so the engine callback only
// ever waits for the enqueue.
type Dispatcher struct {
	processID   string
	runKey      string
	store       storage.Store
	broadcaster Broadcaster
	logger      Logger

	queue  chan batch
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	sealed atomic.Bool
}

func NewDispatcher(processID, runKey string, store storage.Store, broadcaster Broadcaster, logger Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		processID:   processID,
		runKey:      runKey,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		queue:       make(chan batch, queueSize),
		done:        make(chan struct{}),
	}
	go d.loop()
	return d
}

// Observe is the engine observer callback.
func (d *Dispatcher) Observe(event *models.Event, updates []models.Update) {
	if event == nil || len(updates) == 0 {
		return
	}
	d.enqueue(batch{event: event, updates: updates})
}

// Apply records updates made by the process handler itself. They are
// ordered with the engine updates and never stripped by Seal.
func (d *Dispatcher) Apply(updates ...models.Update) {
	if len(updates) == 0 {
		return
	}
	d.enqueue(batch{updates: updates, owned: true})
}

// SetFields records a change of the process root made by the process handler.
func (d *Dispatcher) SetFields(fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	d.Apply(models.NewProcessUpdate(models.UpdateMeta{}, fields))
}

func (d *Dispatcher) enqueue(b batch) {
	if strings.TrimSpace(d.processID) == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Infof("Dropping late update for finished process %s", d.processID)
		return
	}
	d.queue <- b
}

// Seal marks the terminal transition. Lifecycle fields in later engine
// updates are ignored.
func (d *Dispatcher) Seal() {
	d.sealed.Store(true)
}

// Close drains every queued batch and stops the dispatcher. It is safe to
// call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for b := range d.queue {
		d.apply(b)
	}
}

func (d *Dispatcher) apply(b batch) {
	ctx := context.Background()

	meta := models.UpdateMeta{RunKey: d.runKey, Timestamp: time.Now().UnixMilli()}
	if b.event != nil {
		rec, err := NewEventRecord(d.processID, *b.event)
		if err != nil {
			d.logger.Errorf("Failed to serialize event of process %s: %v", d.processID, err)
		} else {
			if _, err := d.store.InsertEvent(ctx, rec); err != nil {
				d.logger.Errorf("Failed to store event %s: %v", rec.ID, err)
			}
			d.send(EventMessage(rec))
			// updates inherit the identity of the event they were reported with
			meta.EventID = rec.ID
		}
		meta.Timestamp = b.event.Timestamp
	}

	wires := make([]map[string]interface{}, 0, len(b.updates))
	for _, u := range b.updates {
		if u.Meta.EventID == "" {
			u.Meta.EventID = meta.EventID
		}
		if u.Meta.RunKey == "" {
			u.Meta.RunKey = meta.RunKey
		}
		if u.Meta.Timestamp == 0 {
			u.Meta.Timestamp = meta.Timestamp
		}
		if u.Kind == models.ProcessUpdate && !b.owned && d.sealed.Load() {
			u.Doc = withoutLifecycle(u.Doc)
		}
		op, wire, err := Normalize(d.processID, u)
		if err != nil {
			d.logger.Errorf("Skipping update of process %s: %v", d.processID, err)
			continue
		}
		wires = append(wires, wire)
		if len(op.Fields) == 0 {
			continue
		}
		if _, err := d.store.UpsertByPath(ctx, op); err != nil {
			d.logger.Errorf("Failed to apply %s of process %s: %v", u.Kind, d.processID, err)
		}
	}
	if len(wires) > 0 {
		d.send(UpdateMessage(d.processID, wires))
	}
}

func (d *Dispatcher) send(message map[string]interface{}) {
	if d.broadcaster == nil {
		return
	}
	raw, err := json.Marshal(message)
	if err != nil {
		d.logger.Errorf("Failed to encode message of process %s: %v", d.processID, err)
		return
	}
	d.broadcaster.Broadcast(d.processID, raw)
}

func withoutLifecycle(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, k := range lifecycleFields {
		delete(out, k)
	}
	return out
}
