package service_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/docflow/pkg/budget"
	"github.com/ignatij/docflow/pkg/engine"
	"github.com/ignatij/docflow/pkg/handler"
	"github.com/ignatij/docflow/pkg/metrics"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/service"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// blockingEngine runs until it is interrupted or released.
type blockingEngine struct {
	mu         sync.Mutex
	docs       []*models.Document
	workers    int
	setups     int
	detached   bool
	shutdowns  int
	interrupts atomic.Int32

	runErr   error
	started  chan struct{}
	release  chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{
		started: make(chan struct{}),
		release: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (e *blockingEngine) Run(ctx context.Context, c engine.Collection, _ string) error {
	e.mu.Lock()
	e.docs = c.Documents()
	e.mu.Unlock()
	if len(e.docs) > 0 {
		e.docs[0].SetStatus(models.StatusActive)
	}
	close(e.started)
	select {
	case <-e.stopped:
		return engine.ErrInterrupted
	case <-ctx.Done():
		return engine.ErrInterrupted
	case <-e.release:
		return e.runErr
	}
}

func (e *blockingEngine) Interrupt() {
	e.interrupts.Add(1)
	e.stopOnce.Do(func() { close(e.stopped) })
}

func (e *blockingEngine) AddProcessObserver(engine.Observer) {}

func (e *blockingEngine) Documents() []*models.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.docs
}

func (e *blockingEngine) DocumentPaths() []string { return nil }

func (e *blockingEngine) InstantiationDuration() time.Duration { return 5 * time.Millisecond }

func (e *blockingEngine) WithWorkers(n int) {
	e.mu.Lock()
	e.workers = n
	e.mu.Unlock()
}

func (e *blockingEngine) SetupDrivers(context.Context, models.Pipeline) error {
	e.mu.Lock()
	e.setups++
	e.mu.Unlock()
	return nil
}

func (e *blockingEngine) SetupComponents(context.Context, models.Pipeline) error { return nil }

func (e *blockingEngine) Shutdown(_ context.Context, detach bool) error {
	e.mu.Lock()
	e.shutdowns++
	e.detached = detach
	e.mu.Unlock()
	return nil
}

type fixture struct {
	root     string
	store    storage.Store
	recorder *metrics.Recorder
	deps     service.HandlerDeps
	user     models.User
	pipeline models.Pipeline
}

func newFixture(t *testing.T, workers int, files map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	store := storage.NewMemoryStore()
	user := models.User{ID: "u1", Email: "u1@example.com", Role: models.RoleUser, WorkerCount: workers}
	require.NoError(t, store.SaveUser(ctx, user))
	pipeline := models.Pipeline{
		ID:     "pl1",
		Name:   "My Pipeline!",
		UserID: user.ID,
		Components: []models.PipelineComponent{
			{ID: "wc", Name: "Words", Driver: "builtin", Target: "wordcount", Scale: 2},
		},
	}
	require.NoError(t, store.SavePipeline(ctx, pipeline))

	recorder := &metrics.Recorder{}
	return &fixture{
		root:     root,
		store:    store,
		recorder: recorder,
		user:     user,
		pipeline: pipeline,
		deps: service.HandlerDeps{
			Store:    store,
			Handlers: handler.NewRegistry(root),
			Budget:   budget.NewController(store),
			Metrics:  recorder,
			Logger:   testLogger{},
			NewEngine: func(s models.Settings) engine.Engine {
				return engine.NewComposer(testLogger{}, engine.WithIgnoreErrors(s.IgnoreErrors))
			},
			LocalRoot: root,
		},
	}
}

func (f *fixture) process(t *testing.T, id string, input, output models.DocumentProvider, settings models.Settings) models.Process {
	t.Helper()
	p := models.Process{
		ID:         id,
		PipelineID: f.pipeline.ID,
		UserID:     f.user.ID,
		Status:     models.StatusSetup,
		StartedAt:  time.Now().UnixMilli(),
		Input:      input,
		Output:     output,
		Settings:   settings,
	}
	require.NoError(t, f.store.CreateProcess(context.Background(), p))
	return p
}

func (f *fixture) workerCount(t *testing.T) int {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	return u.WorkerCount
}

func wait(t *testing.T, h *service.ProcessHandler) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not finish")
	}
}

var (
	localInput = models.DocumentProvider{Provider: models.ProviderLocalDrive, FileExtension: "txt"}
	noOutput   = models.DocumentProvider{Provider: models.ProviderNone}
	threeDocs  = map[string]string{"a.txt": "one", "b.txt": "two two", "c.txt": "three three three"}
)

func TestProcessHandler_CancelBeforeAnyDocumentCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, threeDocs)
	eng := newBlockingEngine()
	f.deps.NewEngine = func(models.Settings) engine.Engine { return eng }
	p := f.process(t, "p1", localInput, noOutput, models.Settings{})

	h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user)
	go h.Run(ctx)
	<-eng.started
	assert.Equal(t, 1, f.workerCount(t), "three workers debited while running")

	h.Cancel()
	wait(t, h)
	h.Cancel()

	assert.Equal(t, models.StatusCancelled, h.Status())
	assert.Equal(t, int32(1), eng.interrupts.Load(), "engine is interrupted exactly once")

	stored, err := f.store.GetProcess(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.True(t, stored.Finished)
	assert.NotZero(t, stored.FinishedAt)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, stored.DocumentNames)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		doc, err := f.store.FindDocumentByKey(ctx, "p1", name)
		require.NoError(t, err, name)
		assert.Equal(t, "CANCELLED", doc["status"], name)
		assert.Equal(t, true, doc["is_finished"], name)
	}

	assert.Equal(t, 4, f.workerCount(t), "budget is restored")
	assert.Equal(t, 0, h.ThreadCount())
	snap := f.recorder.Snapshot()
	assert.Equal(t, 1, snap.Cancelled)
	assert.Equal(t, 0, snap.Active)
	assert.Equal(t, 0, snap.Threads)
	assert.Equal(t, 1, eng.shutdowns)
	assert.False(t, eng.detached)
}

func TestProcessHandler_CancelAndCompletionRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		t.Run(fmt.Sprintf("round %d", i), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, 2, threeDocs)
			eng := newBlockingEngine()
			f.deps.NewEngine = func(models.Settings) engine.Engine { return eng }
			p := f.process(t, "p1", localInput, noOutput, models.Settings{})

			h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user)
			go h.Run(ctx)
			<-eng.started

			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); close(eng.release) }()
			go func() { defer wg.Done(); h.Cancel() }()
			wg.Wait()
			wait(t, h)

			status := h.Status()
			require.Contains(t, []models.Status{models.StatusCompleted, models.StatusCancelled}, status)
			stored, err := f.store.GetProcess(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status, "the store holds the surviving terminal status")
			assert.True(t, stored.Finished)
			assert.LessOrEqual(t, eng.interrupts.Load(), int32(1))
			if status == models.StatusCancelled {
				assert.Equal(t, int32(1), eng.interrupts.Load())
			}
			assert.Equal(t, 2, f.workerCount(t))
		})
	}
}

func TestProcessHandler_CancelBeforeRun(t *testing.T) {
	f := newFixture(t, 2, threeDocs)
	eng := newBlockingEngine()
	f.deps.NewEngine = func(models.Settings) engine.Engine { return eng }
	p := f.process(t, "p1", localInput, noOutput, models.Settings{})

	h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user)
	h.Cancel()
	h.Run(context.Background())

	assert.Equal(t, models.StatusCancelled, h.Status())
	assert.Equal(t, int32(1), eng.interrupts.Load())
	assert.Zero(t, eng.setups, "a cancelled process sets nothing up")
	assert.Equal(t, 2, f.workerCount(t))
}

func TestProcessHandler_ParentContextCancels(t *testing.T) {
	f := newFixture(t, 2, threeDocs)
	eng := newBlockingEngine()
	f.deps.NewEngine = func(models.Settings) engine.Engine { return eng }
	p := f.process(t, "p1", localInput, noOutput, models.Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user)
	go h.Run(ctx)
	<-eng.started
	cancel()
	wait(t, h)

	assert.Equal(t, models.StatusCancelled, h.Status())
	assert.Equal(t, int32(1), eng.interrupts.Load())
}

func TestProcessHandler_OutOfWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, threeDocs)
	eng := newBlockingEngine()
	f.deps.NewEngine = func(models.Settings) engine.Engine { return eng }
	p := f.process(t, "p1", localInput, noOutput, models.Settings{})

	h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user)
	h.Run(ctx)

	assert.Equal(t, models.StatusFailed, h.Status())
	stored, err := f.store.GetProcess(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, "OutOfWorkersError - "+budget.ErrOutOfWorkers.Error(), stored.Error)
	assert.True(t, stored.Finished)
	assert.Zero(t, eng.setups, "no engine setup without workers")
	assert.Equal(t, 0, f.workerCount(t), "nothing debited")
	snap := f.recorder.Snapshot()
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.ErrorSum)
}

func TestProcessHandler_EngineFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, threeDocs)
	eng := newBlockingEngine()
	eng.runErr = fmt.Errorf("component exploded")
	f.deps.NewEngine = func(models.Settings) engine.Engine { return eng }
	p := f.process(t, "p1", localInput, noOutput, models.Settings{})

	h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user)
	go h.Run(ctx)
	<-eng.started
	close(eng.release)
	wait(t, h)

	assert.Equal(t, models.StatusFailed, h.Status())
	stored, err := f.store.GetProcess(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "EngineError - component exploded", stored.Error)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		doc, err := f.store.FindDocumentByKey(ctx, "p1", name)
		require.NoError(t, err)
		assert.Equal(t, "FAILED", doc["status"], name)
	}
	assert.Equal(t, 3, f.workerCount(t))
	assert.Zero(t, eng.interrupts.Load())
}

func TestProcessHandler_SharedEngineIsDetached(t *testing.T) {
	f := newFixture(t, 2, threeDocs)
	eng := newBlockingEngine()
	p := f.process(t, "p1", localInput, noOutput, models.Settings{})

	h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user, service.WithInstantiatedEngine(eng))
	go h.Run(context.Background())
	<-eng.started
	close(eng.release)
	wait(t, h)

	assert.Equal(t, models.StatusCompleted, h.Status())
	assert.Zero(t, eng.setups, "an instantiated engine is not set up again")
	assert.True(t, eng.detached)
}

func TestProcessHandler_EmptyCollectionCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, map[string]string{"a.md": "not a text file"})
	eng := newBlockingEngine()
	f.deps.NewEngine = func(models.Settings) engine.Engine { return eng }
	p := f.process(t, "p1", localInput, noOutput, models.Settings{})

	h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user)
	h.Run(ctx)

	assert.Equal(t, models.StatusCompleted, h.Status())
	stored, err := f.store.GetProcess(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Empty(t, stored.DocumentNames)
	assert.Zero(t, eng.setups)
	assert.Equal(t, 0, f.recorder.Snapshot().Threads)
}

func TestProcessHandler_TextInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, nil)
	input := models.DocumentProvider{Provider: models.ProviderText, Content: "the quick brown fox"}
	p := f.process(t, "p1", input, noOutput, models.Settings{WorkerCount: 4})

	h := service.NewProcessHandler(f.deps, p, f.pipeline, f.user)
	h.Run(ctx)

	assert.Equal(t, models.StatusCompleted, h.Status())
	stored, err := f.store.GetProcess(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, stored.DocumentNames, 1)
	assert.Regexp(t, regexp.MustCompile(`^\.[0-9a-f-]{36}/My_Pipeline_\d+\.txt$`), stored.DocumentNames[0])

	doc, err := f.store.FindDocumentByKey(ctx, "p1", stored.DocumentNames[0])
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", doc["status"])
	assert.Equal(t, float64(4), doc["annotations"].(map[string]interface{})["Word"])

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries, "the text folder is removed on exit")
	assert.Equal(t, 4, f.workerCount(t))
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"My Pipeline!":    "My_Pipeline",
		"a  b":            "a_b",
		"__x__":           "x",
		"report-v1.2":     "report-v1.2",
		"!!!":             "pipeline",
		"":                "pipeline",
		"Übersicht 2024":  "bersicht_2024",
		"tab\tand\nlines": "tab_and_lines",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, service.SafeName(in))
		})
	}
}
