package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/service"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	summaries chan service.Summary
}

func (n *recordingNotifier) Notify(_ context.Context, _ models.User, s service.Summary) error {
	n.summaries <- s
	return nil
}

func waitIdle(t *testing.T, svc *service.ProcessService) {
	t.Helper()
	require.Eventually(t, func() bool { return len(svc.Active()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestProcessService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"a.txt": "alpha",
		"b.txt": "bravo bravo",
		"c.txt": "charlie charlie charlie",
		"d.txt": "delta",
		"e.txt": "echo echo",
	}
	f := newFixture(t, 3, files)
	notifier := &recordingNotifier{summaries: make(chan service.Summary, 1)}
	f.deps.Notifier = notifier
	svc := service.NewProcessService(ctx, f.deps)

	p, err := svc.Start(ctx, service.StartRequest{
		PipelineID: f.pipeline.ID,
		UserID:     f.user.ID,
		Input:      models.DocumentProvider{Provider: "local_drive", FileExtension: "txt"},
		Output:     models.DocumentProvider{Provider: models.ProviderLocalDrive, Path: "out"},
		Settings:   models.Settings{Notification: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	waitIdle(t, svc)

	stored, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.True(t, stored.Finished)
	assert.Equal(t, 5, stored.Initial)
	assert.Equal(t, 0, stored.Skipped)
	assert.Len(t, stored.DocumentNames, 5)

	for name := range files {
		doc, err := f.store.FindDocumentByKey(ctx, p.ID, name)
		require.NoError(t, err, name)
		assert.Equal(t, "COMPLETED", doc["status"], name)
		assert.Equal(t, true, doc["is_finished"], name)

		out := filepath.Join(f.root, "out", name[:len(name)-len(".txt")]+".json")
		assert.FileExists(t, out)
	}

	events, err := svc.Events(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	assert.Equal(t, 3, f.workerCount(t), "budget is restored")
	snap := f.recorder.Snapshot()
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 0, snap.Active)
	assert.Equal(t, 0, snap.Threads)

	select {
	case s := <-notifier.summaries:
		assert.Equal(t, p.ID, s.ProcessID)
		assert.Equal(t, models.StatusCompleted, s.Status)
		assert.Equal(t, 5, s.Documents)
	case <-time.After(time.Second):
		t.Fatal("no notification sent")
	}
}

func TestProcessService_CheckTargetSkipsExistingOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, map[string]string{
		"a.txt":      "alpha",
		"b.txt":      "bravo",
		"out/a.json": "{}",
	})
	svc := service.NewProcessService(ctx, f.deps)

	p, err := svc.Start(ctx, service.StartRequest{
		PipelineID: f.pipeline.ID,
		UserID:     f.user.ID,
		Input:      models.DocumentProvider{Provider: models.ProviderLocalDrive, FileExtension: "txt"},
		Output:     models.DocumentProvider{Provider: models.ProviderLocalDrive, Path: "out"},
		Settings:   models.Settings{CheckTarget: true},
	})
	require.NoError(t, err)
	waitIdle(t, svc)

	stored, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.Initial)
	assert.Equal(t, 1, stored.Skipped)
	assert.Equal(t, []string{"b.txt"}, stored.DocumentNames)
}

func TestProcessService_StartValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, nil)
	require.NoError(t, f.store.SaveUser(ctx, models.User{ID: "u2", Role: models.RoleUser, WorkerCount: 1}))
	require.NoError(t, f.store.SaveUser(ctx, models.User{ID: "admin", Role: models.RoleAdmin, WorkerCount: 1}))
	svc := service.NewProcessService(ctx, f.deps)
	defer svc.Shutdown(ctx)

	text := models.DocumentProvider{Provider: models.ProviderText, Content: "hello"}
	tests := []struct {
		name    string
		req     service.StartRequest
		wantErr error
	}{
		{name: "unknown pipeline", req: service.StartRequest{PipelineID: "nope", UserID: "u1", Input: text}, wantErr: storage.ErrNotFound},
		{name: "unknown user", req: service.StartRequest{PipelineID: "pl1", UserID: "nobody", Input: text}, wantErr: storage.ErrNotFound},
		{name: "foreign pipeline", req: service.StartRequest{PipelineID: "pl1", UserID: "u2", Input: text}, wantErr: service.ErrForbidden},
		{name: "no input", req: service.StartRequest{PipelineID: "pl1", UserID: "u1"}, wantErr: service.ErrInvalidInput},
		{name: "blank text", req: service.StartRequest{PipelineID: "pl1", UserID: "u1", Input: models.DocumentProvider{Provider: models.ProviderText, Content: "  "}}, wantErr: service.ErrInvalidInput},
		{name: "admin may run any pipeline", req: service.StartRequest{PipelineID: "pl1", UserID: "admin", Input: text}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(ctx, tt.req)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestProcessService_CancelOrphanedProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, nil)
	svc := service.NewProcessService(ctx, f.deps)
	f.process(t, "orphan", localInput, noOutput, models.Settings{})

	require.NoError(t, svc.Cancel(ctx, "orphan"))
	stored, err := svc.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.True(t, stored.Finished)

	require.NoError(t, svc.Cancel(ctx, "orphan"), "cancelling a finished process is a no-op")
	assert.ErrorIs(t, svc.Cancel(ctx, "missing"), storage.ErrNotFound)
}

func TestProcessService_ShutdownCancelsRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, threeDocs)
	eng := newBlockingEngine()
	svc := service.NewProcessService(ctx, f.deps, service.WithSharedEngine(eng))

	p, err := svc.Start(ctx, service.StartRequest{
		PipelineID: f.pipeline.ID,
		UserID:     f.user.ID,
		Input:      localInput,
		Output:     noOutput,
	})
	require.NoError(t, err)
	<-eng.started
	assert.Equal(t, []string{p.ID}, svc.Active())

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	assert.Empty(t, svc.Active())
	stored, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, 2, f.workerCount(t))

	_, err = svc.Start(ctx, service.StartRequest{PipelineID: f.pipeline.ID, UserID: f.user.ID, Input: localInput})
	assert.Error(t, err, "a stopped service accepts no processes")
}

func TestLogNotifier(t *testing.T) {
	n := service.LogNotifier{Logger: testLogger{}}
	assert.NoError(t, n.Notify(context.Background(), models.User{Email: "a@b.c"}, service.Summary{ProcessID: "p1"}))
}
