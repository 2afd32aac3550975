// Package service runs document processing processes and owns their
// lifecycle.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/docflow/pkg/engine"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
)

var (
	ErrForbidden    = errors.New("pipeline belongs to another user")
	ErrInvalidInput = errors.New("invalid process input")
)

// Logger defines the logging interface for ProcessService
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StartRequest asks for a new process of a pipeline.
type StartRequest struct {
	PipelineID string                  `json:"pipeline_id"`
	UserID     string                  `json:"user_id"`
	Input      models.DocumentProvider `json:"input"`
	Output     models.DocumentProvider `json:"output"`
	Settings   models.Settings         `json:"settings"`
}

type ServiceOption func(*ProcessService)

// WithSharedEngine runs every process on e instead of a fresh engine per
// process.
func WithSharedEngine(e engine.Engine) ServiceOption {
	return func(s *ProcessService) {
		s.shared = e
	}
}

// ProcessService starts, cancels and tracks processes.
type ProcessService struct {
	deps     HandlerDeps
	store    storage.Store
	logger   Logger
	executor *Executor
	shared   engine.Engine
}

func NewProcessService(ctx context.Context, deps HandlerDeps, opts ...ServiceOption) *ProcessService {
	s := &ProcessService{
		deps:     deps,
		store:    deps.Store,
		logger:   deps.Logger,
		executor: NewExecutor(ctx, deps.Logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.deps.OnExit = s.executor.Forget
	return s
}

// Start persists a new process and runs it in the background.
func (s *ProcessService) Start(ctx context.Context, req StartRequest) (models.Process, error) {
	pipeline, err := s.store.GetPipeline(ctx, req.PipelineID)
	if err != nil {
		return models.Process{}, errors.Wrapf(err, "get pipeline %s", req.PipelineID)
	}
	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return models.Process{}, errors.Wrapf(err, "get user %s", req.UserID)
	}
	if pipeline.UserID != "" && pipeline.UserID != user.ID && !user.IsAdmin() {
		return models.Process{}, ErrForbidden
	}

	req.Input.Provider = models.ParseProviderKind(string(req.Input.Provider))
	req.Output.Provider = models.ParseProviderKind(string(req.Output.Provider))
	switch {
	case req.Input.Provider == models.ProviderNone:
		return models.Process{}, errors.Wrap(ErrInvalidInput, "no input provider")
	case req.Input.IsText() && strings.TrimSpace(req.Input.Content) == "":
		return models.Process{}, errors.Wrap(ErrInvalidInput, "empty text")
	}

	process := models.Process{
		ID:         uuid.NewString(),
		PipelineID: pipeline.ID,
		UserID:     user.ID,
		Status:     models.StatusSetup,
		StartedAt:  time.Now().UnixMilli(),
		Input:      req.Input,
		Output:     req.Output,
		Settings:   req.Settings,
	}
	if err := s.store.CreateProcess(ctx, process); err != nil {
		return models.Process{}, errors.Wrap(err, "create process")
	}

	var opts []HandlerOption
	if s.shared != nil {
		opts = append(opts, WithInstantiatedEngine(s.shared))
	}
	h := NewProcessHandler(s.deps, process, pipeline, user, opts...)
	if err := s.executor.Submit(h); err != nil {
		// finish the record as cancelled
		h.Cancel()
		h.Run(ctx)
		return models.Process{}, err
	}
	s.logger.Infof("Started process %s of pipeline %s for user %s", process.ID, pipeline.Name, user.ID)
	return process, nil
}

// Cancel cancels a running process. Cancelling a finished process is a no-op.
// A process that is unfinished but not running here, for example after a
// restart, is marked cancelled directly.
func (s *ProcessService) Cancel(ctx context.Context, id string) error {
	if s.executor.Cancel(id) {
		return nil
	}
	p, err := s.store.GetProcess(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "get process %s", id)
	}
	if p.Finished {
		return nil
	}
	return s.store.SetFields(ctx, storage.CollectionProcesses, id, map[string]interface{}{
		"status":      models.StatusCancelled,
		"is_finished": true,
		"finished_at": time.Now().UnixMilli(),
	})
}

func (s *ProcessService) Get(ctx context.Context, id string) (models.Process, error) {
	return s.store.GetProcess(ctx, id)
}

// Events returns the recorded events of a process in order.
func (s *ProcessService) Events(ctx context.Context, id string) ([]models.EventRecord, error) {
	return s.store.FindEventsByProcess(ctx, id)
}

// Active returns the ids of the processes running on this service.
func (s *ProcessService) Active() []string {
	return s.executor.Active()
}

// Shutdown cancels every running process and waits for their teardown.
func (s *ProcessService) Shutdown(ctx context.Context) error {
	return s.executor.Stop(ctx)
}
