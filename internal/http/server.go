package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ignatij/docflow/internal/ws"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/monitor"
	"github.com/ignatij/docflow/pkg/service"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Processes is the process service as seen by the HTTP API.
type Processes interface {
	Start(ctx context.Context, req service.StartRequest) (models.Process, error)
	Get(ctx context.Context, id string) (models.Process, error)
	Cancel(ctx context.Context, id string) error
	Events(ctx context.Context, id string) ([]models.EventRecord, error)
}

// Logger defines the logging interface used by the server
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Server struct {
	svc    Processes
	store  ws.Store
	live   *ws.Handler
	logger Logger
}

func NewServer(svc Processes, store ws.Store, registry ws.Subscriptions, logger Logger) *Server {
	return &Server{
		svc:    svc,
		store:  store,
		live:   ws.NewHandler(store, registry, logger),
		logger: logger,
	}
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("POST /processes", s.traced(s.startProcess))
	mux.HandleFunc("GET /processes/{id}", s.traced(s.getProcess))
	mux.HandleFunc("POST /processes/{id}/cancel", s.traced(s.cancelProcess))
	mux.HandleFunc("GET /processes/{id}/events", s.traced(s.processEvents))
	mux.Handle("GET /ws/processes/{id}/events", s.live)
	return mux
}

// StartServer serves h on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string, h http.Handler, logger Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting docflow server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "docflow server is running")
}

func (s *Server) traced(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("docflow/http").Start(r.Context(), r.Pattern)
		defer span.End()
		span.SetAttributes(attribute.String("http.method", r.Method))
		if id := r.PathValue("id"); id != "" {
			span.SetAttributes(attribute.String("process.id", id))
		}
		next(w, r.WithContext(ctx))
	}
}

type startBody struct {
	PipelineID string                  `json:"pipeline_id"`
	Input      models.DocumentProvider `json:"input"`
	Output     models.DocumentProvider `json:"output"`
	Settings   models.Settings         `json:"settings"`
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	user, err := ws.Authenticate(r.Context(), s.store, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if body.PipelineID == "" {
		http.Error(w, "Missing 'pipeline_id'", http.StatusBadRequest)
		return
	}
	p, err := s.svc.Start(r.Context(), service.StartRequest{
		PipelineID: body.PipelineID,
		UserID:     user.ID,
		Input:      body.Input,
		Output:     body.Output,
		Settings:   body.Settings,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// authorized resolves the caller and checks access to the {id} process.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) (models.Process, bool) {
	user, err := ws.Authenticate(r.Context(), s.store, r)
	if err != nil {
		s.fail(w, r, err)
		return models.Process{}, false
	}
	p, err := ws.Authorize(r.Context(), s.store, user, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return models.Process{}, false
	}
	return p, true
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorized(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) cancelProcess(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorized(w, r)
	if !ok {
		return
	}
	if err := s.svc.Cancel(r.Context(), p.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": p.ID, "message": "Cancellation requested"})
}

func (s *Server) processEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorized(w, r)
	if !ok {
		return
	}
	events, err := s.svc.Events(r.Context(), p.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	messages := make([]map[string]interface{}, 0, len(events))
	for _, rec := range events {
		messages = append(messages, monitor.EventMessage(rec))
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		s.logger.Debugf("%s %s rejected: %v", r.Method, r.URL.Path, err)
	}
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	http.Error(w, err.Error(), status)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrDuplicate), errors.Is(err, service.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return ws.StatusCode(err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
