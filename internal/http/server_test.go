package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	internal_http "github.com/ignatij/docflow/internal/http"
	"github.com/ignatij/docflow/pkg/broadcast"
	"github.com/ignatij/docflow/pkg/budget"
	"github.com/ignatij/docflow/pkg/engine"
	"github.com/ignatij/docflow/pkg/handler"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/service"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type silent struct{}

func (silent) Debugf(string, ...interface{}) {}
func (silent) Infof(string, ...interface{})  {}
func (silent) Errorf(string, ...interface{}) {}

func TestE2EServer(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for name, content := range map[string]string{"a.txt": "one two", "b.txt": "three"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}

	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveUser(ctx, models.User{ID: "u1", Role: models.RoleUser, Session: "tok", WorkerCount: 2}))
	require.NoError(t, store.SaveUser(ctx, models.User{ID: "u2", Role: models.RoleUser, Session: "tok2", WorkerCount: 2}))
	require.NoError(t, store.SavePipeline(ctx, models.Pipeline{
		ID:     "pl1",
		Name:   "words",
		UserID: "u1",
		Components: []models.PipelineComponent{
			{ID: "wc", Name: "Words", Driver: "builtin", Target: "wordcount"},
		},
	}))

	registry := broadcast.NewRegistry(silent{})
	svc := service.NewProcessService(ctx, service.HandlerDeps{
		Store:       store,
		Handlers:    handler.NewRegistry(root),
		Budget:      budget.NewController(store),
		Broadcaster: registry,
		Logger:      silent{},
		NewEngine: func(s models.Settings) engine.Engine {
			return engine.NewComposer(silent{})
		},
		LocalRoot: root,
	})
	defer svc.Shutdown(ctx)

	srv := httptest.NewServer(internal_http.NewServer(svc, store, registry, silent{}).Handler())
	defer srv.Close()

	do := func(t *testing.T, method, path, token string, body []byte) (int, []byte) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, raw
	}

	t.Run("HealthCheck", func(t *testing.T) {
		status, body := do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "docflow server is running", string(body))
	})

	t.Run("StartRejections", func(t *testing.T) {
		tests := []struct {
			name   string
			token  string
			body   string
			status int
		}{
			{name: "no token", body: `{"pipeline_id":"pl1"}`, status: http.StatusUnauthorized},
			{name: "bad json", token: "tok", body: `{`, status: http.StatusBadRequest},
			{name: "no pipeline", token: "tok", body: `{}`, status: http.StatusBadRequest},
			{name: "unknown pipeline", token: "tok", body: `{"pipeline_id":"nope","input":{"provider":"TEXT","content":"x"}}`, status: http.StatusNotFound},
			{name: "foreign pipeline", token: "tok2", body: `{"pipeline_id":"pl1","input":{"provider":"TEXT","content":"x"}}`, status: http.StatusForbidden},
			{name: "no input", token: "tok", body: `{"pipeline_id":"pl1"}`, status: http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				status, _ := do(t, http.MethodPost, "/processes", tt.token, []byte(tt.body))
				assert.Equal(t, tt.status, status)
			})
		}
	})

	t.Run("ProcessLifecycle", func(t *testing.T) {
		status, body := do(t, http.MethodPost, "/processes", "tok",
			[]byte(`{"pipeline_id":"pl1","input":{"provider":"local_drive","file_extension":"txt"},"output":{"provider":"NONE"}}`))
		require.Equal(t, http.StatusCreated, status, string(body))
		var created models.Process
		require.NoError(t, json.Unmarshal(body, &created))
		require.NotEmpty(t, created.ID)

		var got models.Process
		require.Eventually(t, func() bool {
			status, body := do(t, http.MethodGet, "/processes/"+created.ID, "tok", nil)
			if status != http.StatusOK {
				return false
			}
			got = models.Process{}
			return json.Unmarshal(body, &got) == nil && got.Finished
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, 2, got.Initial)

		status, body = do(t, http.MethodGet, "/processes/"+created.ID+"/events", "tok", nil)
		require.Equal(t, http.StatusOK, status)
		var events []map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &events))
		require.NotEmpty(t, events)
		assert.Equal(t, "event", events[0]["kind"])
		assert.Equal(t, created.ID, events[0]["process_id"])

		status, _ = do(t, http.MethodGet, "/processes/"+created.ID, "tok2", nil)
		assert.Equal(t, http.StatusForbidden, status)
		status, _ = do(t, http.MethodGet, "/processes/missing", "tok", nil)
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = do(t, http.MethodPost, "/processes/"+created.ID+"/cancel", "tok", nil)
		assert.Equal(t, http.StatusAccepted, status, "cancelling a finished process is a no-op")
	})
}
