package models

import (
	"sync"
	"time"
)

// PhaseDurations are component phase timings in milliseconds.
type PhaseDurations struct {
	Wait        int64 `json:"duration_wait" bson:"duration_wait" firestore:"duration_wait"`
	Serialize   int64 `json:"duration_serialize" bson:"duration_serialize" firestore:"duration_serialize"`
	Process     int64 `json:"duration_process" bson:"duration_process" firestore:"duration_process"`
	Deserialize int64 `json:"duration_deserialize" bson:"duration_deserialize" firestore:"duration_deserialize"`
	LuaProcess  int64 `json:"duration_lua_process" bson:"duration_lua_process" firestore:"duration_lua_process"`
}

func (d PhaseDurations) add(other PhaseDurations) PhaseDurations {
	return PhaseDurations{
		Wait:        d.Wait + other.Wait,
		Serialize:   d.Serialize + other.Serialize,
		Process:     d.Process + other.Process,
		Deserialize: d.Deserialize + other.Deserialize,
		LuaProcess:  d.LuaProcess + other.LuaProcess,
	}
}

// ComponentState is the per-component sub-state of a document.
type ComponentState struct {
	Segmented bool   `json:"is_segmented" bson:"is_segmented" firestore:"is_segmented"`
	Payload   string `json:"payload,omitempty" bson:"payload,omitempty" firestore:"payload,omitempty"`
	PhaseDurations
}

// Record applies one component run. An unsegmented run replaces the
// durations, segmented runs add up per segment.
func (c *ComponentState) Record(segmented bool, d PhaseDurations) {
	c.Segmented = segmented
	if segmented {
		c.PhaseDurations = c.PhaseDurations.add(d)
		return
	}
	c.PhaseDurations = d
}

// DocumentSnapshot is a point in time copy of a Document.
type DocumentSnapshot struct {
	Path                string                    `json:"path" bson:"path" firestore:"path"`
	Name                string                    `json:"name" bson:"name" firestore:"name"`
	Size                int64                     `json:"size" bson:"size" firestore:"size"`
	Progress            int64                     `json:"progress" bson:"progress" firestore:"progress"`
	Status              Status                    `json:"status" bson:"status" firestore:"status"`
	Error               string                    `json:"error,omitempty" bson:"error,omitempty" firestore:"error,omitempty"`
	Finished            bool                      `json:"is_finished" bson:"is_finished" firestore:"is_finished"`
	DurationDecode      int64                     `json:"duration_decode" bson:"duration_decode" firestore:"duration_decode"`
	DurationDeserialize int64                     `json:"duration_deserialize" bson:"duration_deserialize" firestore:"duration_deserialize"`
	DurationWait        int64                     `json:"duration_wait" bson:"duration_wait" firestore:"duration_wait"`
	DurationProcess     int64                     `json:"duration_process" bson:"duration_process" firestore:"duration_process"`
	ProgressUpload      int                       `json:"progress_upload" bson:"progress_upload" firestore:"progress_upload"`
	ProgressDownload    int                       `json:"progress_download" bson:"progress_download" firestore:"progress_download"`
	StartedAt           int64                     `json:"started_at,omitempty" bson:"started_at,omitempty" firestore:"started_at,omitempty"`
	FinishedAt          int64                     `json:"finished_at,omitempty" bson:"finished_at,omitempty" firestore:"finished_at,omitempty"`
	Annotations         map[string]int            `json:"annotations,omitempty" bson:"annotations,omitempty" firestore:"annotations,omitempty"`
	Components          map[string]ComponentState `json:"components,omitempty" bson:"components,omitempty" firestore:"components,omitempty"`
}

// Document is the live state of one input document. It is shared between
// the engine workers and the process handler, so all access is locked.
type Document struct {
	mu sync.RWMutex

	path string
	name string
	size int64
	data []byte

	progress            int64
	durationDecode      int64
	durationDeserialize int64
	durationWait        int64
	durationProcess     int64
	progressUpload      int
	progressDownload    int

	status     Status
	finished   bool
	startedAt  int64
	finishedAt int64
	err        string

	annotations map[string]int
	components  map[string]*ComponentState
}

func NewDocument(path, name string, size int64) *Document {
	return &Document{
		path:        path,
		name:        name,
		size:        size,
		status:      StatusWaiting,
		annotations: make(map[string]int),
		components:  make(map[string]*ComponentState),
	}
}

func (d *Document) Path() string { return d.path }
func (d *Document) Name() string { return d.name }

func (d *Document) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

func (d *Document) Data() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.data
}

func (d *Document) SetData(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = data
	d.size = int64(len(data))
}

func (d *Document) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Document) SetStatus(status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func (d *Document) Finished() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.finished
}

func (d *Document) SetFinished(finished bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = finished
}

// IsActive reports whether the document is currently held by a worker.
func (d *Document) IsActive() bool {
	return d.Status().OneOf(StatusDecode, StatusActive, StatusOutput)
}

func (d *Document) SetStartedAt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startedAt = time.Now().UnixMilli()
}

func (d *Document) SetFinishedAt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishedAt = time.Now().UnixMilli()
}

// Finish marks the document terminal in one step.
func (d *Document) Finish(status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
	d.finished = true
	d.finishedAt = time.Now().UnixMilli()
}

func (d *Document) SetError(err string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Document) IncrementProgress() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress++
	return d.progress
}

func (d *Document) AddDecode(ms int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.durationDecode += ms
}

func (d *Document) AddDeserialize(ms int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.durationDeserialize += ms
}

func (d *Document) AddWait(ms int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.durationWait += ms
}

func (d *Document) AddProcess(ms int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.durationProcess += ms
}

func (d *Document) SetUploadProgress(p int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progressUpload = p
}

func (d *Document) SetDownloadProgress(p int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progressDownload = p
}

// CountAnnotations adds n annotations of the given type.
func (d *Document) CountAnnotations(typeName string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.annotations[typeName] += n
}

// RecordComponent applies one run of a component to the document.
func (d *Document) RecordComponent(componentID string, segmented bool, durations PhaseDurations, payload string) ComponentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.components[componentID]
	if !ok {
		state = &ComponentState{}
		d.components[componentID] = state
	}
	state.Record(segmented, durations)
	if payload != "" {
		state.Payload = payload
	}
	return *state
}

func (d *Document) Component(componentID string) (ComponentState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	state, ok := d.components[componentID]
	if !ok {
		return ComponentState{}, false
	}
	return *state, true
}

func (d *Document) Snapshot() DocumentSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := DocumentSnapshot{
		Path:                d.path,
		Name:                d.name,
		Size:                d.size,
		Progress:            d.progress,
		Status:              d.status,
		Error:               d.err,
		Finished:            d.finished,
		DurationDecode:      d.durationDecode,
		DurationDeserialize: d.durationDeserialize,
		DurationWait:        d.durationWait,
		DurationProcess:     d.durationProcess,
		ProgressUpload:      d.progressUpload,
		ProgressDownload:    d.progressDownload,
		StartedAt:           d.startedAt,
		FinishedAt:          d.finishedAt,
	}
	if len(d.annotations) > 0 {
		snap.Annotations = make(map[string]int, len(d.annotations))
		for k, v := range d.annotations {
			snap.Annotations[k] = v
		}
	}
	if len(d.components) > 0 {
		snap.Components = make(map[string]ComponentState, len(d.components))
		for k, v := range d.components {
			snap.Components[k] = *v
		}
	}
	return snap
}
