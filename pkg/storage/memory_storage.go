package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

// memoryStore implements Store in process memory. Records are kept in their
// generic map form so path upserts behave like the document backends.
type memoryStore struct {
	mu        sync.Mutex
	records   map[string]map[string]map[string]interface{} // collection -> id -> doc
	events    map[string][]models.EventRecord              // process id -> insertion order
	eventIDs  map[string]bool
	applied   map[string]bool
	pipelines map[string]models.Pipeline
	users     map[string]models.User
}

func NewMemoryStore() Store {
	return &memoryStore{
		records:   make(map[string]map[string]map[string]interface{}),
		events:    make(map[string][]models.EventRecord),
		eventIDs:  make(map[string]bool),
		applied:   make(map[string]bool),
		pipelines: make(map[string]models.Pipeline),
		users:     make(map[string]models.User),
	}
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) collection(name string) map[string]map[string]interface{} {
	coll, ok := m.records[name]
	if !ok {
		coll = make(map[string]map[string]interface{})
		m.records[name] = coll
	}
	return coll
}

func (m *memoryStore) CreateProcess(_ context.Context, p models.Process) error {
	if p.ID == "" {
		return errors.New("process id is required")
	}
	doc, err := ToDoc(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collection(CollectionProcesses)
	if _, exists := coll[p.ID]; exists {
		return errors.Wrapf(ErrDuplicate, "process %s", p.ID)
	}
	coll[p.ID] = doc
	return nil
}

func (m *memoryStore) GetProcess(_ context.Context, id string) (models.Process, error) {
	m.mu.Lock()
	doc, ok := m.collection(CollectionProcesses)[id]
	if !ok {
		m.mu.Unlock()
		return models.Process{}, ErrNotFound
	}
	var p models.Process
	err := FromDoc(doc, &p)
	m.mu.Unlock()
	return p, err
}

func (m *memoryStore) SetFields(_ context.Context, collection, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collection(collection)[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s %s", collection, id)
	}
	return MergeAt(doc, "", normalize(fields))
}

func (m *memoryStore) UpsertByPath(_ context.Context, op Operation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.Key != "" && m.applied[op.Key] {
		return false, nil
	}
	coll := m.collection(op.Collection)
	doc, ok := coll[op.ID]
	if !ok {
		doc = map[string]interface{}{"id": op.ID}
		coll[op.ID] = doc
	}
	if err := MergeAt(doc, op.Path, normalize(op.Fields)); err != nil {
		return false, err
	}
	if op.Key != "" {
		m.applied[op.Key] = true
	}
	return true, nil
}

func (m *memoryStore) FindDocumentByKey(_ context.Context, processID, key string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collection(CollectionDocuments)[DocumentID(processID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return ToDoc(doc)
}

func (m *memoryStore) InsertEvent(_ context.Context, rec models.EventRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventIDs[rec.ID] {
		return false, nil
	}
	m.eventIDs[rec.ID] = true
	m.events[rec.ProcessID] = append(m.events[rec.ProcessID], rec)
	return true, nil
}

func (m *memoryStore) FindEventsByProcess(_ context.Context, processID string) ([]models.EventRecord, error) {
	m.mu.Lock()
	events := make([]models.EventRecord, len(m.events[processID]))
	copy(events, m.events[processID])
	m.mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Seq < events[j].Seq
	})
	return events, nil
}

func (m *memoryStore) SavePipeline(_ context.Context, p models.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[p.ID] = p
	return nil
}

func (m *memoryStore) GetPipeline(_ context.Context, id string) (models.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return models.Pipeline{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryStore) SaveUser(_ context.Context, u models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *memoryStore) GetUser(_ context.Context, id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) FindUserBySession(_ context.Context, session string) (models.User, error) {
	if session == "" {
		return models.User{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Session == session {
			return u, nil
		}
	}
	return models.User{}, ErrNotFound
}

func (m *memoryStore) AddWorkerCount(_ context.Context, userID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "user %s", userID)
	}
	u.WorkerCount += delta
	m.users[userID] = u
	return nil
}

// normalize copies fields through json so stored values never alias caller
// owned maps or slices.
func normalize(fields map[string]interface{}) map[string]interface{} {
	doc, err := ToDoc(fields)
	if err != nil {
		return fields
	}
	return doc
}
