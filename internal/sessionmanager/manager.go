// Package sessionmanager implements the SessionManager (spec §4.3): the
// single owner of every live Session on the daemon, responsible for
// capacity enforcement, the flat id-keyed session map, and fanning every
// session's normalised events out to durable storage and to WsServer.
//
// Adapted from the teacher's internal/agentsessions/manager.go, flattened
// from a per-workspace nested map to chroxy's single flat map (spec §3:
// there is exactly one daemon per remote workspace, so the workspace
// dimension the teacher modeled does not apply here).
package sessionmanager

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chroxy/chroxy/internal/eventstore"
	"github.com/chroxy/chroxy/internal/session"
)

// DefaultCapacity is the default maximum number of concurrently live
// sessions (spec §4.3 "capacity").
const DefaultCapacity = 5

// Listener receives every normalised event emitted by any session, tagged
// with the owning session id. WsServer registers itself as a Listener to
// drive fanout (spec §4.6).
type Listener func(sessionID, event string, seqNum int64, data any)

// Manager owns every live session and hands each one a bound
// session.Emitter (see Emitter) so that sessions never talk to storage or
// WsServer directly (spec §3 Ownership).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]session.Capability
	meta     map[string]*entry
	capacity int

	store     *eventstore.Store
	listeners []Listener
	seqs      map[string]*int64
}

type entry struct {
	createdAt time.Time
}

var (
	ErrCapacityExceeded = fmt.Errorf("sessionmanager: capacity exceeded")
	ErrNotFound         = fmt.Errorf("sessionmanager: session not found")
	ErrAlreadyExists    = fmt.Errorf("sessionmanager: session already exists")
)

// New constructs a Manager. A nil store disables durable event history
// (events still fan out live to registered listeners).
func New(store *eventstore.Store, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		sessions: make(map[string]session.Capability),
		meta:     make(map[string]*entry),
		capacity: capacity,
		store:    store,
		seqs:     make(map[string]*int64),
	}
}

// Subscribe registers a Listener invoked on every session event.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// emit is where every boundEmitter (the session.Emitter implementation
// returned by Emitter) funnels its events.
func (m *Manager) emit(sessionID, event string, data any) {
	seq := m.nextSeq(sessionID)

	if m.store != nil {
		payload := fmt.Sprintf("%v", data)
		if b, err := json.Marshal(data); err == nil {
			payload = string(b)
		}
		if err := m.store.Append(sessionID, seq, event, payload); err != nil {
			// Durable history is best-effort; live fanout must not stall.
		}
	}

	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(sessionID, event, seq, data)
	}
}

func (m *Manager) nextSeq(sessionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.seqs[sessionID]
	if !ok {
		var z int64
		p = &z
		m.seqs[sessionID] = p
	}
	*p++
	return *p
}

// boundEmitter adapts Manager.emit to the session.Emitter interface while
// closing over the owning session id's identity check (defensive: a
// session should only ever emit under its own id).
type boundEmitter struct {
	m  *Manager
	id string
}

func (b boundEmitter) Emit(sessionID, event string, data any) {
	if sessionID != b.id {
		sessionID = b.id
	}
	b.m.emit(sessionID, event, data)
}

// Emitter returns an Emitter bound to sessionID, for use when constructing
// a new session variant (NewHeadless, NewAgentSDK, NewTerminal all take
// one of these).
func (m *Manager) Emitter(sessionID string) session.Emitter {
	return boundEmitter{m: m, id: sessionID}
}

// Register adds an already-constructed session to the manager, enforcing
// capacity (spec §4.3 "create"). Callers build the session via
// session.NewHeadless/NewAgentSDK/NewTerminal using Manager.Emitter(id)
// first, then Register it.
func (m *Manager) Register(sess session.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sess.ID()]; exists {
		return ErrAlreadyExists
	}
	if len(m.sessions) >= m.capacity {
		return ErrCapacityExceeded
	}
	m.sessions[sess.ID()] = sess
	m.meta[sess.ID()] = &entry{createdAt: time.Now()}
	return nil
}

// Attach returns the live session for id, for routing an incoming client
// operation (spec §4.3 "attach").
func (m *Manager) Attach(id string) (session.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Rename updates a live session's display name (spec §6 "rename_session").
func (m *Manager) Rename(id, name string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	named, ok := s.(interface{ SetName(string) })
	if !ok {
		return fmt.Errorf("sessionmanager: session %s does not support rename", id)
	}
	named.SetName(name)
	return nil
}

// Destroy tears down and removes a session (spec §4.3 "destroy").
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.meta, id)
	delete(m.seqs, id)
	m.mu.Unlock()

	err := s.Destroy()
	if m.store != nil {
		_ = m.store.DeleteSession(id)
	}
	return err
}

// ListInfo returns a snapshot of every live session, oldest first (spec
// §4.3 "list"), mirroring the teacher's List ordering.
func (m *Manager) ListInfo() []session.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]session.Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s.Info())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Capacity reports the configured maximum.
func (m *Manager) Capacity() int {
	return m.capacity
}

// DiscoverPersisted returns the ids of sessions with durable history but
// no longer live, e.g. surfaced after a daemon restart so a reconnecting
// client can replay history even though the process backing it is gone
// (spec §4.3 "discover"; spec §6 "persisted state").
func (m *Manager) DiscoverPersisted() ([]string, error) {
	if m.store == nil {
		return nil, nil
	}
	ids, err := m.store.SessionIDs()
	if err != nil {
		return nil, fmt.Errorf("discover persisted sessions: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, live := m.sessions[id]; !live {
			out = append(out, id)
		}
	}
	return out, nil
}

// History replays the durable event log for a session (spec §6 history
// replay on reconnect).
func (m *Manager) History(sessionID string, afterSeq int64) ([]eventstore.Event, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Since(sessionID, afterSeq)
}

// DestroyAll tears down every live session, used on daemon shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Destroy(id)
	}
}
