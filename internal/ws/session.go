package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	readLimit  = 4096

	// maxHeld bounds the live messages kept back during a backlog replay.
	maxHeld = 4096
)

var ErrBufferFull = errors.New("session buffer is full")

// session is one websocket subscriber. Send never blocks; the write pump
// is the only writer once started.
//
// A new session holds live messages back until flush, so it can be
// subscribed before the backlog is loaded and its connection exists.
type session struct {
	id     string
	conn   *websocket.Conn
	out    chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	mu      sync.Mutex
	holding bool
	held    [][]byte
}

func newSession(buffer int) *session {
	return &session{
		id:      uuid.NewString(),
		out:     make(chan []byte, buffer),
		done:    make(chan struct{}),
		holding: true,
	}
}

func (s *session) ID() string { return s.id }

func (s *session) Open() bool { return !s.closed.Load() }

func (s *session) Send(message []byte) error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	s.mu.Lock()
	if s.holding {
		defer s.mu.Unlock()
		if len(s.held) >= maxHeld {
			return ErrBufferFull
		}
		s.held = append(s.held, message)
		return nil
	}
	s.mu.Unlock()
	select {
	case s.out <- message:
		return nil
	default:
		return ErrBufferFull
	}
}

func (s *session) close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// abort closes the connection so a blocked readPump returns.
func (s *session) abort() {
	s.close()
	_ = s.conn.Close()
}

func (s *session) write(message []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, message)
}

// flush writes the messages held back during the replay, skipping the
// events the replay has already sent, and hands over to the write pump.
func (s *session) flush(sent map[string]bool) error {
	for {
		s.mu.Lock()
		batch := s.held
		s.held = nil
		if len(batch) == 0 {
			s.holding = false
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		for _, message := range batch {
			if id := eventID(message); id != "" && sent[id] {
				continue
			}
			if err := s.write(message); err != nil {
				return err
			}
		}
	}
}

// eventID returns the id of an event message, or "" for any other message.
func eventID(message []byte) string {
	var m struct {
		Kind  string `json:"kind"`
		Event struct {
			ID string `json:"_id"`
		} `json:"event"`
	}
	if err := json.Unmarshal(message, &m); err != nil || m.Kind != "event" {
		return ""
	}
	return m.Event.ID
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case message := <-s.out:
			if err := s.write(message); err != nil {
				s.abort()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.abort()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// readPump discards client messages and returns when the peer goes away.
func (s *session) readPump() {
	defer s.close()
	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
