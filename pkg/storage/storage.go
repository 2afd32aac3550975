package storage

import (
	"context"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

const (
	CollectionProcesses = "processes"
	CollectionDocuments = "documents"
	CollectionEvents    = "events"
	CollectionPipelines = "pipelines"
	CollectionUsers     = "users"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Operation is a partial update merged into a record at Path. An empty Path
// merges into the record root. When Key is set the operation is applied at
// most once per store.
type Operation struct {
	Collection string
	ID         string
	Path       string
	Fields     map[string]interface{}
	Key        string
}

// Store defines the durable state operations for docflow.
type Store interface {
	// Process operations
	CreateProcess(ctx context.Context, p models.Process) error
	GetProcess(ctx context.Context, id string) (models.Process, error)
	SetFields(ctx context.Context, collection, id string, fields map[string]interface{}) error
	UpsertByPath(ctx context.Context, op Operation) (bool, error)

	// Document operations
	FindDocumentByKey(ctx context.Context, processID, key string) (map[string]interface{}, error)

	// Event operations
	InsertEvent(ctx context.Context, rec models.EventRecord) (bool, error)
	FindEventsByProcess(ctx context.Context, processID string) ([]models.EventRecord, error)

	// Pipeline and user operations
	SavePipeline(ctx context.Context, p models.Pipeline) error
	GetPipeline(ctx context.Context, id string) (models.Pipeline, error)
	SaveUser(ctx context.Context, u models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	FindUserBySession(ctx context.Context, session string) (models.User, error)
	AddWorkerCount(ctx context.Context, userID string, delta int) error

	Close() error
}

// DocumentID is the record id of a document within a process.
func DocumentID(processID, key string) string {
	return processID + "|" + key
}
