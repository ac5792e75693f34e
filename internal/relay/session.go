// Package relay is the core service: it accepts hook and companion
// connections, tracks session lifecycle state, correlates permission
// decisions, and fans updates out to subscribers.
package relay

import (
	"sync"
	"time"

	"github.com/danmuck/hookrelay/internal/hook"
	"github.com/danmuck/hookrelay/internal/observability"
	"github.com/danmuck/hookrelay/internal/phase"
)

// Session is one tracked assistant session.
type Session struct {
	ID      string
	Cwd     string
	PID     int
	TTY     string
	Machine *phase.Machine

	mu        sync.Mutex
	lastEvent string
	startedAt time.Time
	updatedAt time.Time
}

func newSession(ev hook.Event) *Session {
	now := time.Now()
	return &Session{
		ID:        ev.SessionID,
		Cwd:       ev.Cwd,
		PID:       ev.PID,
		TTY:       ev.TTY,
		Machine:   phase.NewMachine(),
		startedAt: now,
		updatedAt: now,
	}
}

func (s *Session) touch(eventName string) {
	s.mu.Lock()
	s.lastEvent = eventName
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// SessionSnapshot is the wire form of one session.
type SessionSnapshot struct {
	ID        string         `json:"sessionId"`
	Cwd       string         `json:"cwd,omitempty"`
	PID       int            `json:"pid,omitempty"`
	TTY       string         `json:"tty,omitempty"`
	Phase     string         `json:"phase"`
	LastEvent string         `json:"lastEvent,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Approval  *ApprovalShape `json:"approval,omitempty"`
}

// ApprovalShape is the pending-decision detail inside a snapshot.
type ApprovalShape struct {
	ToolUseID  string         `json:"toolUseId,omitempty"`
	Tool       string         `json:"tool"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

func (s *Session) snapshot() SessionSnapshot {
	s.mu.Lock()
	lastEvent, startedAt, updatedAt := s.lastEvent, s.startedAt, s.updatedAt
	s.mu.Unlock()

	snap := SessionSnapshot{
		ID:        s.ID,
		Cwd:       s.Cwd,
		PID:       s.PID,
		TTY:       s.TTY,
		Phase:     string(s.Machine.Phase()),
		LastEvent: lastEvent,
		StartedAt: startedAt,
		UpdatedAt: updatedAt,
	}
	if ctx, ok := s.Machine.Approval(); ok {
		snap.Approval = &ApprovalShape{
			ToolUseID:  ctx.ToolUseID,
			Tool:       ctx.ToolName,
			ToolInput:  ctx.ToolInput,
			ReceivedAt: ctx.ReceivedAt,
		}
	}
	return snap
}

// registry is the in-memory session table.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

// getOrCreate returns the session for the event, creating it on first
// sight. Events can arrive for sessions the relay never saw start.
func (r *registry) getOrCreate(ev hook.Event) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[ev.SessionID]; ok {
		if ev.Cwd != "" {
			s.Cwd = ev.Cwd
		}
		if ev.PID != 0 {
			s.PID = ev.PID
		}
		if ev.TTY != "" {
			s.TTY = ev.TTY
		}
		return s, false
	}
	s := newSession(ev)
	r.sessions[ev.SessionID] = s
	observability.ActiveSessions.Set(float64(len(r.sessions)))
	return s, true
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	observability.ActiveSessions.Set(float64(len(r.sessions)))
	return true
}

// snapshots returns every session's wire form, for the full-state push.
func (r *registry) snapshots() []SessionSnapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}
