package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/avatar-bridge/backend/internal/service/delay"
)

var (
	ErrSessionIDRequired = errors.New("session id is required")
	ErrSessionExists     = errors.New("session already exists")
	ErrSessionNotFound   = errors.New("session not found")
)

// Sender delivers frames to the client socket owned by a session.
type Sender interface {
	SendJSON(v any) error
	SendText(text string) error
}

// Registry tracks live avatar connections keyed by session id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a connection. The id doubles as the first assistant session id.
func (r *Registry) Create(id string, sender Sender) (*Session, error) {
	if id == "" {
		return nil, ErrSessionIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, ErrSessionExists
	}

	s := &Session{
		id:                 id,
		sender:             sender,
		createdAt:          time.Now().UTC(),
		assistantSessionID: id,
	}
	r.sessions[id] = s
	return s, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ReplaceAssistantSession points the session at a new assistant session and
// forgets the cached user id.
func (r *Registry) ReplaceAssistantSession(id, assistantSessionID string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.assistantSessionID = assistantSessionID
	s.userID = ""
	s.mu.Unlock()
	return nil
}

// ClearUserContext drops the cached user-defined context.
func (r *Registry) ClearUserContext(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.SetUserContext(nil)
	return nil
}

// Remove drops the session and interrupts the turn it may still be running.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Interrupt()
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Session is the per-connection state shared by the socket handler, the
// dispatcher and the control endpoints.
type Session struct {
	id        string
	sender    Sender
	createdAt time.Time

	// turn serializes conversation turns and control operations.
	turn sync.Mutex

	mu                 sync.RWMutex
	assistantSessionID string
	userID             string
	userContext        map[string]any
	pending            *delay.Task
	cancelTurn         context.CancelFunc
}

// ID returns the registry key.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the connection was established.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Lock acquires the session's turn lock.
func (s *Session) Lock() { s.turn.Lock() }

// Unlock releases the session's turn lock.
func (s *Session) Unlock() { s.turn.Unlock() }

// AssistantSessionID returns the current assistant session, empty when cleared.
func (s *Session) AssistantSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assistantSessionID
}

// SetAssistantSessionID replaces the assistant session id.
func (s *Session) SetAssistantSessionID(id string) {
	s.mu.Lock()
	s.assistantSessionID = id
	s.mu.Unlock()
}

// UserID returns the cached assistant user id.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SetUserID caches the assistant user id.
func (s *Session) SetUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// UserContext returns a copy of the cached user-defined context.
func (s *Session) UserContext() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userContext == nil {
		return nil
	}
	copied := make(map[string]any, len(s.userContext))
	for k, v := range s.userContext {
		copied[k] = v
	}
	return copied
}

// SetUserContext caches the user-defined context returned by the assistant.
func (s *Session) SetUserContext(ctx map[string]any) {
	s.mu.Lock()
	s.userContext = ctx
	s.mu.Unlock()
}

// SendJSON writes a JSON frame to the client.
func (s *Session) SendJSON(v any) error {
	return s.sender.SendJSON(v)
}

// SendText writes a plain text frame to the client.
func (s *Session) SendText(text string) error {
	return s.sender.SendText(text)
}

// SetPending records the outstanding deferred delivery, cancelling any
// previous one so at most one stays outstanding.
func (s *Session) SetPending(task *delay.Task) {
	s.mu.Lock()
	prev := s.pending
	s.pending = task
	s.mu.Unlock()

	if prev != nil && prev != task {
		prev.Cancel()
	}
}

// ClearPending forgets task if it is still the outstanding one.
func (s *Session) ClearPending(task *delay.Task) {
	s.mu.Lock()
	if s.pending == task {
		s.pending = nil
	}
	s.mu.Unlock()
}

// CancelPending cancels the outstanding deferred delivery, if any.
func (s *Session) CancelPending() bool {
	s.mu.Lock()
	task := s.pending
	s.pending = nil
	s.mu.Unlock()

	if task == nil {
		return false
	}
	task.Cancel()
	return true
}

// BeginTurn derives the context of the turn holding the turn lock. The
// returned func ends the turn and must always be called.
func (s *Session) BeginTurn(ctx context.Context) (context.Context, context.CancelFunc) {
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()

	return turnCtx, func() {
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
		cancel()
	}
}

// Interrupt cancels the running turn and its deferred delivery. It does not
// wait for the turn lock, so a caller can take the lock right after.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.mu.Unlock()

	pending := s.CancelPending()
	if cancel == nil {
		return pending
	}
	cancel()
	return true
}
