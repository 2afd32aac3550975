package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	internal_storage "github.com/ignatij/docflow/internal/storage"
	"github.com/ignatij/docflow/internal/testutil"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the behaviour every backend shares. Ids are random so
// subtests may share one database.
func testStore(t *testing.T, store storage.Store) {
	ctx := context.Background()

	t.Run("Processes", func(t *testing.T) {
		id := uuid.NewString()
		p := models.Process{ID: id, PipelineID: "pl", UserID: "u", Status: models.StatusSetup, StartedAt: 1000}
		require.NoError(t, store.CreateProcess(ctx, p))
		assert.ErrorIs(t, store.CreateProcess(ctx, p), storage.ErrDuplicate)

		require.NoError(t, store.SetFields(ctx, storage.CollectionProcesses, id, map[string]interface{}{
			"status":         models.StatusActive,
			"initial":        3,
			"document_names": []string{"a", "b"},
		}))
		got, err := store.GetProcess(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Equal(t, 3, got.Initial)
		assert.Equal(t, []string{"a", "b"}, got.DocumentNames)
		assert.Equal(t, int64(1000), got.StartedAt)

		_, err = store.GetProcess(ctx, uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.SetFields(ctx, storage.CollectionProcesses, uuid.NewString(), nil), storage.ErrNotFound)
	})

	t.Run("UpsertMergesByPath", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, store.CreateProcess(ctx, models.Process{ID: id, Status: models.StatusActive}))
		dotted := storage.JoinPath("process_state", "components", storage.EscapeKey("c.1"))
		for i, fields := range []map[string]interface{}{
			{"status": "ACTIVE"},
			{"name": "tokenizer"},
		} {
			applied, err := store.UpsertByPath(ctx, storage.Operation{
				Collection: storage.CollectionProcesses,
				ID:         id,
				Path:       dotted,
				Fields:     fields,
				Key:        fmt.Sprintf("%s_%d|%s", id, i, dotted),
			})
			require.NoError(t, err)
			assert.True(t, applied)
		}
		got, err := store.GetProcess(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"status": "ACTIVE", "name": "tokenizer"}, got.State.Components["c．1"])
		assert.Equal(t, models.StatusActive, got.Status, "root fields survive path upserts")
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		pid := uuid.NewString()
		op := storage.Operation{
			Collection: storage.CollectionDocuments,
			ID:         storage.DocumentID(pid, "dir/a.txt"),
			Fields:     map[string]interface{}{"progress": 1, "process_id": pid},
			Key:        pid + "_7|documents|dir/a.txt",
		}
		applied, err := store.UpsertByPath(ctx, op)
		require.NoError(t, err)
		assert.True(t, applied)

		op.Fields = map[string]interface{}{"progress": 2}
		applied, err = store.UpsertByPath(ctx, op)
		require.NoError(t, err)
		assert.False(t, applied)

		doc, err := store.FindDocumentByKey(ctx, pid, "dir/a.txt")
		require.NoError(t, err)
		assert.Equal(t, float64(1), doc["progress"])
		assert.Equal(t, storage.DocumentID(pid, "dir/a.txt"), doc["id"])

		_, err = store.FindDocumentByKey(ctx, pid, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Events", func(t *testing.T) {
		pid := uuid.NewString()
		records := []models.EventRecord{
			{ID: pid + "_2", ProcessID: pid, Timestamp: 20, Event: map[string]interface{}{"type": "b"}},
			{ID: pid + "_1", ProcessID: pid, Timestamp: 10, Event: map[string]interface{}{"type": "a"}},
		}
		for _, rec := range records {
			inserted, err := store.InsertEvent(ctx, rec)
			require.NoError(t, err)
			assert.True(t, inserted)
		}
		inserted, err := store.InsertEvent(ctx, records[0])
		require.NoError(t, err)
		assert.False(t, inserted)

		events, err := store.FindEventsByProcess(ctx, pid)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, pid+"_1", events[0].ID)
		assert.Equal(t, "a", events[0].Event["type"])
		assert.Equal(t, int64(20), events[1].Timestamp)

		none, err := store.FindEventsByProcess(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("EventsSharingATimestamp", func(t *testing.T) {
		pid := uuid.NewString()
		for _, seq := range []uint64{10, 9, 2} {
			_, err := store.InsertEvent(ctx, models.EventRecord{
				ID:        fmt.Sprintf("%s_%d", pid, seq),
				ProcessID: pid,
				Timestamp: 5,
				Seq:       seq,
				Event:     map[string]interface{}{"seq": seq},
			})
			require.NoError(t, err)
		}

		events, err := store.FindEventsByProcess(ctx, pid)
		require.NoError(t, err)
		ids := make([]string, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		assert.Equal(t, []string{pid + "_2", pid + "_9", pid + "_10"}, ids)
		assert.Equal(t, uint64(10), events[2].Seq)
	})

	t.Run("PipelinesAndUsers", func(t *testing.T) {
		pl := models.Pipeline{
			ID:   uuid.NewString(),
			Name: "words",
			Components: []models.PipelineComponent{
				{ID: "c1", Name: "count", Driver: "builtin", Target: "wordcount", Scale: 2},
			},
		}
		require.NoError(t, store.SavePipeline(ctx, pl))
		got, err := store.GetPipeline(ctx, pl.ID)
		require.NoError(t, err)
		assert.Equal(t, pl, got)
		_, err = store.GetPipeline(ctx, uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)

		session := uuid.NewString()
		u := models.User{ID: uuid.NewString(), Email: "a@b.c", Role: models.RoleUser, Session: session, WorkerCount: 10}
		require.NoError(t, store.SaveUser(ctx, u))
		bySession, err := store.FindUserBySession(ctx, session)
		require.NoError(t, err)
		assert.Equal(t, u.ID, bySession.ID)
		_, err = store.FindUserBySession(ctx, "")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.AddWorkerCount(ctx, u.ID, -1))
			}()
		}
		wg.Wait()
		got2, err := store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got2.WorkerCount)
		assert.ErrorIs(t, store.AddWorkerCount(ctx, uuid.NewString(), 1), storage.ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	store, err := internal_storage.InitStore(context.Background(), "memory://")
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupPostgres(t, "file://../../migrations")
	defer testDB.Teardown(t)

	store, err := internal_storage.InitStore(context.Background(), testDB.ConnStr)
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)

	t.Run("Transaction", func(t *testing.T) {
		pg, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		defer pg.Close()
		tx, err := pg.Begin()
		require.NoError(t, err)
		id := uuid.NewString()
		require.NoError(t, tx.CreateProcess(context.Background(), models.Process{ID: id}))
		require.NoError(t, tx.Rollback())
		_, err = pg.GetProcess(context.Background(), id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestMongoStore(t *testing.T) {
	testDB := testutil.SetupMongo(t)
	defer testDB.Teardown(t)

	store, err := internal_storage.InitStore(context.Background(), testDB.ConnStr)
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestFirestoreStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST is not set")
	}
	store, err := internal_storage.InitStore(context.Background(), "firestore://docflow-test")
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestInitStore_UnknownScheme(t *testing.T) {
	_, err := internal_storage.InitStore(context.Background(), "redis://localhost")
	assert.Error(t, err)
	_, err = internal_storage.InitStore(context.Background(), "firestore://")
	assert.Error(t, err)
}
