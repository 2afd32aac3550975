package ws

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/ignatij/docflow/pkg/broadcast"
	"github.com/ignatij/docflow/pkg/monitor"
)

const defaultBuffer = 64

// Subscriptions is the session registry of the live broadcaster.
type Subscriptions interface {
	Subscribe(processID string, s broadcast.Session)
	Unsubscribe(processID string, s broadcast.Session)
}

// Logger defines the logging interface used by the websocket handler
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Handler upgrades authorized requests and streams the messages of one
// process: first the recorded backlog, then live broadcasts.
type Handler struct {
	store    Store
	registry Subscriptions
	logger   Logger
	upgrader websocket.Upgrader
	buffer   int
}

func NewHandler(store Store, registry Subscriptions, logger Logger) *Handler {
	return &Handler{
		store:    store,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		buffer: defaultBuffer,
	}
}

// ProcessID returns the process a request is about: the process_id query
// parameter, else the {id} path value.
func ProcessID(r *http.Request) string {
	if id := r.URL.Query().Get("process_id"); id != "" {
		return id
	}
	return r.PathValue("id")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	processID := ProcessID(r)
	if processID == "" {
		http.Error(w, "Missing process id", http.StatusBadRequest)
		return
	}
	user, err := Authenticate(ctx, h.store, r)
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	if _, err := Authorize(ctx, h.store, user, processID); err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	// live messages are held from here until the backlog has been replayed
	s := &droppingSession{session: newSession(h.buffer), logger: h.logger}
	h.registry.Subscribe(processID, s)
	defer h.registry.Unsubscribe(processID, s)
	defer s.close()

	backlog, err := h.store.FindEventsByProcess(ctx, processID)
	if err != nil {
		h.logger.Errorf("Failed to load events of process %s: %v", processID, err)
		http.Error(w, "Failed to load events", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("Websocket upgrade failed for process %s: %v", processID, err)
		return
	}
	defer conn.Close()
	s.conn = conn
	h.logger.Infof("User %s watching process %s", user.ID, processID)

	sent := make(map[string]bool, len(backlog))
	for _, rec := range backlog {
		if !s.Open() {
			return
		}
		raw, err := json.Marshal(monitor.EventMessage(rec))
		if err != nil {
			h.logger.Errorf("Failed to encode event %s: %v", rec.ID, err)
			continue
		}
		if err := s.write(raw); err != nil {
			return
		}
		sent[rec.ID] = true
	}
	if err := s.flush(sent); err != nil {
		return
	}

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		s.writePump()
	}()
	s.readPump()
	<-pumped
}

// droppingSession logs the messages a full buffer drops.
type droppingSession struct {
	*session
	logger Logger
}

func (d *droppingSession) Send(message []byte) error {
	err := d.session.Send(message)
	if err == ErrBufferFull {
		d.logger.Debugf("Dropped message for slow session %s", d.id)
	}
	return err
}
