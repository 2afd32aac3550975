// Package engine runs a pipeline of analysis components over a document
// collection and reports its progress to observers.
package engine

import (
	"context"
	"time"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrInterrupted is returned by Run when the engine was interrupted. It is
// the cancellation outcome and not a failure.
var ErrInterrupted = errors.New("engine interrupted")

// Observer receives every event together with the state changes it caused.
type Observer func(event *models.Event, updates []models.Update)

// Logger defines the logging interface used by the engine
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Collection is the set of documents one run works on.
type Collection interface {
	Documents() []*models.Document
	Language() string
	// Load reads the content of doc into it.
	Load(ctx context.Context, doc *models.Document) error
	// Store writes the result of doc to the output, if there is one.
	Store(ctx context.Context, doc *models.Document, result []byte) error
	Initial() int
	Skipped() int
	TotalBytes() int64
}

// Engine is the contract the process handler drives.
type Engine interface {
	Run(ctx context.Context, c Collection, runKey string) error
	Interrupt()
	AddProcessObserver(fn Observer)
	Documents() []*models.Document
	DocumentPaths() []string
	InstantiationDuration() time.Duration
	WithWorkers(n int)
	SetupDrivers(ctx context.Context, p models.Pipeline) error
	SetupComponents(ctx context.Context, p models.Pipeline) error
	Shutdown(ctx context.Context, detach bool) error
}

// Sharer is implemented by engines that serve several processes at once.
// Attach returns the engine a single process drives.
type Sharer interface {
	Attach() Engine
}
