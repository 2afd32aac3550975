package service

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/docflow/pkg/budget"
	"github.com/ignatij/docflow/pkg/engine"
	"github.com/ignatij/docflow/pkg/handler"
	"github.com/ignatij/docflow/pkg/metrics"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/monitor"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultOutputExtension = "json"

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	repeatedUnders  = regexp.MustCompile(`_+`)
)

// writeModeProviders honor the overwrite setting of a process.
var writeModeProviders = map[models.ProviderKind]bool{
	models.ProviderAzure: true,
	models.ProviderGCS:   true,
	models.ProviderMinio: true,
}

// Resolver creates the storage handler of a provider connection.
type Resolver interface {
	Resolve(ctx context.Context, kind models.ProviderKind, connectionID string, user models.User) (handler.Handler, error)
}

// EngineFactory creates the engine a process owns.
type EngineFactory func(settings models.Settings) engine.Engine

// HandlerDeps are the collaborators shared by every process handler.
type HandlerDeps struct {
	Store       storage.Store
	Handlers    Resolver
	Budget      *budget.Controller
	Broadcaster monitor.Broadcaster
	Metrics     metrics.Sink
	Notifier    Notifier
	Logger      Logger
	NewEngine   EngineFactory
	LocalRoot   string
	QueueSize   int

	// OnExit is called once the process has been torn down.
	OnExit func(processID string)
}

type HandlerOption func(*ProcessHandler)

// WithInstantiatedEngine makes the process run on an engine whose drivers and
// components are already set up. An engine serving several processes is
// attached to. The engine is detached, not shut down, when the process exits.
func WithInstantiatedEngine(e engine.Engine) HandlerOption {
	return func(h *ProcessHandler) {
		if s, ok := e.(engine.Sharer); ok {
			e = s.Attach()
		}
		h.eng = e
		h.ownsEngine = false
	}
}

// ProcessHandler drives one process through its lifecycle: input resolution,
// engine setup, worker admission, the run, and the terminal transition.
type ProcessHandler struct {
	deps     HandlerDeps
	process  models.Process
	pipeline models.Pipeline
	user     models.User
	logger   Logger

	eng        engine.Engine
	ownsEngine bool
	dispatcher *monitor.Dispatcher
	runKey     string

	input         models.DocumentProvider
	output        models.DocumentProvider
	inputHandler  handler.Handler
	outputHandler handler.Handler
	reader        *engine.Reader
	textInput     bool
	tempDir       string
	maxWorkers    int

	mu              sync.Mutex
	status          models.Status
	cancelRequested bool
	threadCount     int

	cancelled     chan struct{}
	done          chan struct{}
	interruptOnce sync.Once
	exitOnce      sync.Once
}

func NewProcessHandler(deps HandlerDeps, process models.Process, pipeline models.Pipeline, user models.User, opts ...HandlerOption) *ProcessHandler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop
	}
	if process.StartedAt == 0 {
		process.StartedAt = time.Now().UnixMilli()
	}
	h := &ProcessHandler{
		deps:       deps,
		process:    process,
		pipeline:   pipeline,
		user:       user,
		logger:     deps.Logger,
		ownsEngine: true,
		runKey:     fmt.Sprintf("%s_%d", pipeline.Name, process.StartedAt),
		input:      process.Input,
		output:     process.Output,
		status:     process.Status,
		cancelled:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.eng == nil {
		h.eng = deps.NewEngine(process.Settings)
	}
	h.dispatcher = monitor.NewDispatcher(process.ID, h.runKey, deps.Store, deps.Broadcaster, deps.Logger, deps.QueueSize)
	h.eng.AddProcessObserver(h.dispatcher.Observe)
	return h
}

func (h *ProcessHandler) ID() string { return h.process.ID }

// Done is closed once the process has been torn down.
func (h *ProcessHandler) Done() <-chan struct{} { return h.done }

func (h *ProcessHandler) Status() models.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// ThreadCount is the number of workers currently debited for the process.
func (h *ProcessHandler) ThreadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threadCount
}

// Run executes the process. Every failure ends in a terminal status; nothing
// is returned to the caller. Cancelling ctx cancels the process.
func (h *ProcessHandler) Run(parent context.Context) {
	ctx, span := otel.Tracer("github.com/ignatij/docflow/pkg/service").Start(parent, "process.run",
		trace.WithAttributes(
			attribute.String("process.id", h.process.ID),
			attribute.String("pipeline.name", h.pipeline.Name),
		))
	defer span.End()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-parent.Done():
			h.Cancel()
		case <-h.cancelled:
		case <-h.done:
			return
		}
		stop()
	}()

	defer func() {
		if r := recover(); r != nil {
			h.onException(inPhase("PanicError", errors.Errorf("panic: %v", r)))
		}
		if status := h.Status(); status == models.StatusFailed {
			span.SetStatus(codes.Error, "process failed")
		}
	}()

	h.run(ctx)
}

func (h *ProcessHandler) run(ctx context.Context) {
	h.deps.Metrics.ProcessStarted()
	if h.isCancelRequested() {
		h.finishCancelled()
		return
	}

	if err := h.startInput(ctx); err != nil {
		h.failOrCancel(inPhase("InputError", err))
		return
	}
	if h.maxWorkers == 0 {
		h.logger.Infof("Process %s has no documents to process", h.process.ID)
		h.complete()
		return
	}
	if h.isCancelRequested() {
		h.finishCancelled()
		return
	}

	available, err := h.deps.Budget.Available(ctx, h.user.ID)
	if err != nil {
		h.failOrCancel(inPhase("BudgetError", err))
		return
	}
	if available <= 0 {
		h.onException(budget.ErrOutOfWorkers)
		return
	}

	if h.ownsEngine {
		h.setStatus(models.StatusSetup)
		if err := h.eng.SetupDrivers(ctx, h.pipeline); err != nil {
			h.failOrCancel(inPhase("SetupError", err))
			return
		}
		if err := h.eng.SetupComponents(ctx, h.pipeline); err != nil {
			h.failOrCancel(inPhase("SetupError", err))
			return
		}
	}

	requested := h.process.Settings.WorkerCount
	if requested <= 0 {
		requested = available
	}
	n := budget.ThreadCount(requested, available, h.maxWorkers, h.textInput)
	if err := h.deps.Budget.Acquire(ctx, h.user.ID, n); err != nil {
		h.failOrCancel(inPhase("BudgetError", err))
		return
	}
	h.mu.Lock()
	h.threadCount = n
	h.mu.Unlock()
	h.deps.Metrics.ThreadsAcquired(n)
	h.eng.WithWorkers(n)
	h.logger.Infof("Process %s runs on %d workers", h.process.ID, n)

	if h.isCancelRequested() {
		h.finishCancelled()
		return
	}

	h.setStatus(models.StatusActive)
	if !h.runEngine(ctx) {
		return
	}
	h.dispatcher.SetFields(map[string]interface{}{
		"instantiation_duration": h.eng.InstantiationDuration().Milliseconds(),
	})

	h.complete()
}

// complete finalizes a run that was not interrupted. A cancellation
// requested before completion was recorded still wins.
func (h *ProcessHandler) complete() {
	h.onCompletion()
	if h.isCancelRequested() {
		h.finishCancelled()
		return
	}
	h.exit()
}

// runEngine reports whether the run ended normally. Any other outcome has
// already been finalized.
func (h *ProcessHandler) runEngine(ctx context.Context) bool {
	err := h.eng.Run(ctx, h.reader, h.runKey)
	if err == nil {
		return true
	}
	h.failOrCancel(inPhase("EngineError", err))
	return false
}

// phaseError tags a failure with the lifecycle phase it happened in.
type phaseError struct {
	kind string
	err  error
}

func inPhase(kind string, err error) error { return &phaseError{kind: kind, err: err} }

func (e *phaseError) Error() string { return e.err.Error() }
func (e *phaseError) Unwrap() error { return e.err }

// errorKind names the class of a process failure. Known causes win over the
// phase; anything else is named by the type of its root cause.
func errorKind(err error) string {
	switch {
	case errors.Is(err, budget.ErrOutOfWorkers):
		return "OutOfWorkersError"
	case errors.Is(err, handler.ErrMissingConnection), errors.Is(err, handler.ErrUnsupportedProvider):
		return "ConnectionError"
	case errors.Is(err, handler.ErrOutsideRoot):
		return "PathError"
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return "FileError"
	}
	var phase *phaseError
	if errors.As(err, &phase) {
		return phase.kind
	}
	return fmt.Sprintf("%T", errors.Cause(err))
}

func (h *ProcessHandler) failOrCancel(err error) {
	if errors.Is(err, engine.ErrInterrupted) || errors.Is(err, context.Canceled) || h.isCancelRequested() {
		h.Cancel()
		h.finishCancelled()
		return
	}
	h.onException(err)
}

// startInput resolves the input and output handlers and lists the documents
// of the process. An empty collection leaves maxWorkers at zero.
func (h *ProcessHandler) startInput(ctx context.Context) error {
	h.setStatus(models.StatusInput)

	var err error
	if !h.output.HasNoOutput() && !h.input.SameConnection(h.output) {
		h.outputHandler, err = h.deps.Handlers.Resolve(ctx, h.output.Provider, h.output.ProviderID, h.user)
		if err != nil {
			return errors.Wrap(err, "resolve output")
		}
	}

	if h.input.IsText() {
		if err := h.materializeText(); err != nil {
			return err
		}
	} else {
		h.inputHandler, err = h.deps.Handlers.Resolve(ctx, h.input.Provider, h.input.ProviderID, h.user)
		if err != nil {
			return errors.Wrap(err, "resolve input")
		}
		if h.inputHandler == nil {
			return errors.Errorf("process %s has no input", h.process.ID)
		}
		if !h.output.HasNoOutput() && h.input.SameConnection(h.output) {
			h.outputHandler = h.inputHandler
		}
	}

	if wm, ok := h.outputHandler.(handler.WriteModer); ok && writeModeProviders[h.output.Provider] {
		mode := handler.Append
		if h.process.Settings.Overwrite {
			mode = handler.Overwrite
		}
		wm.SetWriteMode(mode)
	}

	paths := []string{h.input.Path}
	if fp, ok := h.inputHandler.(handler.FolderPicker); ok && fp.PicksFolders() {
		paths = h.input.Paths()
	}
	outExt := h.output.FileExtension
	if outExt == "" {
		outExt = defaultOutputExtension
	}
	settings := h.process.Settings
	h.reader, err = engine.NewReader(ctx, h.inputHandler, engine.ReaderOptions{
		Paths:           paths,
		Extension:       h.input.FileExtension,
		Language:        models.LanguageCode(settings.Language),
		MinimumSize:     min(max(settings.MinimumSize, 0), math.MaxInt64),
		SortBySize:      settings.SortBySize,
		CheckTarget:     settings.CheckTarget,
		Recursive:       settings.Recursive,
		Output:          h.outputHandler,
		OutputPath:      h.output.Path,
		OutputExtension: outExt,
	})
	if err != nil {
		return errors.Wrap(err, "read input")
	}

	names := h.reader.Paths()
	h.dispatcher.SetFields(map[string]interface{}{
		"document_names": names,
		"initial":        h.reader.Initial(),
		"skipped":        h.reader.Skipped(),
	})
	h.maxWorkers = len(names)
	return nil
}

// materializeText writes inline text input to a private folder below the
// local root and reads it from there.
func (h *ProcessHandler) materializeText() error {
	h.textInput = true
	dirName := "." + uuid.NewString()
	dir := filepath.Join(h.deps.LocalRoot, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create text input folder")
	}
	h.tempDir = dir

	name := fmt.Sprintf("%s_%d.txt", SafeName(h.pipeline.Name), time.Now().UnixMilli())
	if err := os.WriteFile(filepath.Join(dir, name), []byte(h.input.Content), 0o644); err != nil {
		return errors.Wrap(err, "write text input")
	}

	if h.output.Provider == models.ProviderLocalDrive && h.outputHandler != nil {
		h.inputHandler = h.outputHandler
	} else {
		local, err := handler.NewLocalDrive(h.deps.LocalRoot)
		if err != nil {
			return err
		}
		h.inputHandler = local
	}
	h.input = models.DocumentProvider{
		Provider:      models.ProviderLocalDrive,
		Path:          dirName,
		FileExtension: "txt",
	}
	return nil
}

// SafeName turns a pipeline name into a file name stem.
func SafeName(name string) string {
	s := unsafeNameChars.ReplaceAllString(name, "_")
	s = repeatedUnders.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "pipeline"
	}
	return s
}

// Cancel requests cancellation. The engine is interrupted at most once and
// the process ends CANCELLED unless it already reached a terminal status.
func (h *ProcessHandler) Cancel() {
	h.mu.Lock()
	if h.cancelRequested || h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.cancelRequested = true
	h.status = models.StatusShutdown
	h.dispatcher.SetFields(map[string]interface{}{"status": models.StatusShutdown})
	h.mu.Unlock()

	h.logger.Infof("Cancelling process %s", h.process.ID)
	h.deps.Metrics.ProcessCancelled()
	h.interruptOnce.Do(h.eng.Interrupt)
	close(h.cancelled)
}

func (h *ProcessHandler) isCancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// setStatus records a non terminal status. It is ignored once the process
// is terminal or being cancelled. Status writes are enqueued under the lock
// so they reach the store in transition order.
func (h *ProcessHandler) setStatus(status models.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() || h.cancelRequested {
		return
	}
	h.status = status
	h.dispatcher.SetFields(map[string]interface{}{"status": status})
}

// terminate moves the process to a terminal status. Only the first terminal
// transition wins; completion also loses against a pending cancellation.
func (h *ProcessHandler) terminate(status models.Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	if status == models.StatusCompleted && h.cancelRequested {
		return false
	}
	h.status = status
	h.dispatcher.Seal()
	return true
}

func (h *ProcessHandler) onException(err error) {
	if !h.terminate(models.StatusFailed) {
		h.exit()
		return
	}
	message := fmt.Sprintf("%s - %s", errorKind(err), err.Error())
	h.logger.Errorf("Process %s failed: %v", h.process.ID, err)

	h.sweep(models.StatusFailed, func(d *models.Document) bool { return !d.Finished() || d.IsActive() })
	h.dispatcher.SetFields(map[string]interface{}{
		"status":      models.StatusFailed,
		"error":       message,
		"finished_at": time.Now().UnixMilli(),
		"is_finished": true,
	})
	h.deps.Metrics.Errors(1)
	h.deps.Metrics.ProcessFailed()
	h.exit()
}

func (h *ProcessHandler) onCompletion() {
	if !h.terminate(models.StatusCompleted) {
		return
	}
	h.sweep(models.StatusCompleted, func(d *models.Document) bool {
		return !d.Status().OneOf(models.StatusFailed, models.StatusCancelled)
	})
	h.dispatcher.SetFields(map[string]interface{}{
		"status":      models.StatusCompleted,
		"finished_at": time.Now().UnixMilli(),
		"is_finished": true,
	})
	h.deps.Metrics.ProcessCompleted()
	h.logger.Infof("Process %s completed", h.process.ID)
}

func (h *ProcessHandler) finishCancelled() {
	if h.terminate(models.StatusCancelled) {
		h.sweep(models.StatusCancelled, func(d *models.Document) bool {
			return !d.Finished() || d.IsActive()
		})
		h.dispatcher.SetFields(map[string]interface{}{
			"status":      models.StatusCancelled,
			"finished_at": time.Now().UnixMilli(),
			"is_finished": true,
		})
		h.logger.Infof("Process %s cancelled", h.process.ID)
	}
	h.exit()
}

// sweep finishes every tracked document matching keep with status.
func (h *ProcessHandler) sweep(status models.Status, keep func(*models.Document) bool) {
	var updates []models.Update
	for _, doc := range h.eng.Documents() {
		if !keep(doc) {
			continue
		}
		doc.Finish(status)
		snap := doc.Snapshot()
		updates = append(updates, models.NewDocumentUpsert(models.UpdateMeta{}, doc.Path(), map[string]interface{}{
			"status":      snap.Status,
			"is_finished": true,
			"finished_at": snap.FinishedAt,
		}))
	}
	h.dispatcher.Apply(updates...)
}

// exit tears the process down exactly once.
func (h *ProcessHandler) exit() {
	h.exitOnce.Do(func() {
		ctx := context.Background()
		h.deps.Metrics.ProcessExited()

		if h.tempDir != "" {
			if err := os.RemoveAll(h.tempDir); err != nil {
				h.logger.Errorf("Failed to remove text input of process %s: %v", h.process.ID, err)
			}
		}
		if h.process.Input.Provider == models.ProviderFile && h.process.Input.Path != "" {
			if local, err := handler.NewLocalDrive(h.deps.LocalRoot); err == nil {
				_ = local.Remove(h.process.Input.Path)
			}
		}

		h.mu.Lock()
		n := h.threadCount
		h.threadCount = 0
		h.mu.Unlock()
		if n > 0 {
			if err := h.deps.Budget.Release(ctx, h.user.ID, n); err != nil {
				h.logger.Errorf("Failed to release workers of process %s: %v", h.process.ID, err)
			}
			h.deps.Metrics.ThreadsReleased(n)
		}

		if err := h.eng.Shutdown(ctx, !h.ownsEngine); err != nil {
			h.logger.Errorf("Failed to shut down engine of process %s: %v", h.process.ID, err)
		}
		h.shutdown()
		h.dispatcher.Close()

		if h.deps.OnExit != nil {
			h.deps.OnExit(h.process.ID)
		}
		if h.process.Settings.Notification && h.deps.Notifier != nil {
			if err := h.deps.Notifier.Notify(ctx, h.user, h.summary()); err != nil {
				h.logger.Errorf("Failed to notify about process %s: %v", h.process.ID, err)
			}
		}
		close(h.done)
	})
}

// shutdown closes the handlers of the process.
func (h *ProcessHandler) shutdown() {
	if h.inputHandler != nil {
		if err := h.inputHandler.Shutdown(); err != nil {
			h.logger.Errorf("Failed to close input of process %s: %v", h.process.ID, err)
		}
	}
	if h.outputHandler != nil && h.outputHandler != h.inputHandler {
		if err := h.outputHandler.Shutdown(); err != nil {
			h.logger.Errorf("Failed to close output of process %s: %v", h.process.ID, err)
		}
	}
}

func (h *ProcessHandler) summary() Summary {
	s := Summary{
		ProcessID: h.process.ID,
		Pipeline:  h.pipeline.Name,
		Status:    h.Status(),
		Duration:  time.Since(time.UnixMilli(h.process.StartedAt)),
	}
	for _, doc := range h.eng.Documents() {
		s.Documents++
		if doc.Status() == models.StatusFailed {
			s.Failed++
		}
	}
	return s
}
