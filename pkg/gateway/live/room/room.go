// Package room fans session events out to connected clients. Each session
// has at most one driving connection (the participant whose audio feeds the
// session) and any number of read-only viewers.
package room

import (
	"sync"

	"github.com/voxprep/voxprep/pkg/core"
)

// Sink receives broadcast events. Send must not block; implementations drop
// or buffer under pressure.
type Sink interface {
	Send(event any) bool
}

// Room is the fan-out point for one session.
type Room struct {
	sessionID string
	registry  *Registry

	mu      sync.Mutex
	driver  Sink
	viewers map[Sink]struct{}
}

// Registry tracks active rooms by session id.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

func (r *Registry) room(sessionID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		rm = &Room{
			sessionID: sessionID,
			registry:  r,
			viewers:   make(map[Sink]struct{}),
		}
		r.rooms[sessionID] = rm
	}
	return rm
}

// AttachDriver claims the driving slot for the session. A second driver is
// rejected; the session already has a live connection.
func (r *Registry) AttachDriver(sessionID string, s Sink) (*Room, error) {
	rm := r.room(sessionID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.driver != nil {
		return nil, core.NewInvalidStateError("session already has an active connection")
	}
	rm.driver = s
	return rm, nil
}

// AttachViewer adds a read-only connection.
func (r *Registry) AttachViewer(sessionID string, s Sink) *Room {
	rm := r.room(sessionID)
	rm.mu.Lock()
	rm.viewers[s] = struct{}{}
	rm.mu.Unlock()
	return rm
}

// Detach removes the connection from the room; the room is dropped from the
// registry once empty.
func (rm *Room) Detach(s Sink) {
	rm.mu.Lock()
	if rm.driver == s {
		rm.driver = nil
	}
	delete(rm.viewers, s)
	empty := rm.driver == nil && len(rm.viewers) == 0
	rm.mu.Unlock()

	if empty {
		rm.registry.mu.Lock()
		if cur, ok := rm.registry.rooms[rm.sessionID]; ok && cur == rm {
			delete(rm.registry.rooms, rm.sessionID)
		}
		rm.registry.mu.Unlock()
	}
}

// Broadcast delivers the event to the driver and every viewer.
func (rm *Room) Broadcast(event any) {
	rm.mu.Lock()
	sinks := make([]Sink, 0, 1+len(rm.viewers))
	if rm.driver != nil {
		sinks = append(sinks, rm.driver)
	}
	for v := range rm.viewers {
		sinks = append(sinks, v)
	}
	rm.mu.Unlock()

	for _, s := range sinks {
		s.Send(event)
	}
}

// HasDriver reports whether the driving slot is occupied.
func (rm *Room) HasDriver() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.driver != nil
}
