// Package broadcast fans process messages out to live subscriber sessions.
package broadcast

import (
	"sync"
)

// Session is one live subscriber connection.
type Session interface {
	ID() string
	Open() bool
	Send(message []byte) error
}

// Relay forwards messages to the other replicas of the service.
type Relay interface {
	Publish(processID string, message []byte) error
}

// Logger defines the logging interface used by the registry
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Registry maps process ids to their subscribed sessions. A session is
// subscribed to at most one process at a time.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]map[string]Session // process id -> session id -> session
	sessions  map[string]string             // session id -> process id
	relay     Relay
	logger    Logger
}

func NewRegistry(logger Logger) *Registry {
	return &Registry{
		processes: make(map[string]map[string]Session),
		sessions:  make(map[string]string),
		logger:    logger,
	}
}

// SetRelay enables cross replica delivery of broadcasts.
func (r *Registry) SetRelay(relay Relay) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

// Subscribe adds s to the subscribers of processID, moving it away from any
// process it was subscribed to before.
func (r *Registry) Subscribe(processID string, s Session) {
	if processID == "" || s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous, ok := r.sessions[s.ID()]; ok && previous != processID {
		r.remove(previous, s.ID())
	}
	set, ok := r.processes[processID]
	if !ok {
		set = make(map[string]Session)
		r.processes[processID] = set
	}
	set[s.ID()] = s
	r.sessions[s.ID()] = processID
}

// Unsubscribe removes s from processID. Unknown pairs are ignored.
func (r *Registry) Unsubscribe(processID string, s Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID()] != processID {
		return
	}
	r.remove(processID, s.ID())
}

func (r *Registry) remove(processID, sessionID string) {
	delete(r.sessions, sessionID)
	set := r.processes[processID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.processes, processID)
	}
}

// Subscribers returns the number of sessions subscribed to processID.
func (r *Registry) Subscribers(processID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processes[processID])
}

// Broadcast sends message to every open session of processID and to the
// relay when one is set.
func (r *Registry) Broadcast(processID string, message []byte) {
	r.Deliver(processID, message)
	r.mu.RLock()
	relay := r.relay
	r.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(processID, message); err != nil {
			r.logger.Errorf("Failed to relay message of process %s: %v", processID, err)
		}
	}
}

// Deliver sends message to the local sessions of processID only.
func (r *Registry) Deliver(processID string, message []byte) {
	r.mu.RLock()
	targets := make([]Session, 0, len(r.processes[processID]))
	for _, s := range r.processes[processID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if !s.Open() {
			continue
		}
		if err := s.Send(message); err != nil {
			r.logger.Debugf("Dropped message for session %s: %v", s.ID(), err)
		}
	}
}
