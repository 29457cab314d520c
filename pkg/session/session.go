// Package session persists conversations and serializes access to them.
//
// A session is a strictly ordered list of turns plus the context the agent
// accumulates while serving it: which tables have been referenced and
// whether a clarifying question is pending. Each session admits one request
// at a time; a second concurrent request is rejected immediately, never
// queued.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound means the session id does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy means another request currently holds the session.
	ErrSessionBusy = errors.New("session is processing another request")
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolCall records one tool invocation made while producing a turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Turn is one conversation entry.
type Turn struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Sequence  int        `json:"sequence"`
	CreatedAt time.Time  `json:"created_at"`
}

// Session is a conversation and its accumulated agent context.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	Turns  []Turn `json:"turns"`

	// ReferencedTables lists every table grounded for this session, in
	// first-reference order. Append-only.
	ReferencedTables []string `json:"referenced_tables,omitempty"`

	// PendingClarification is the outstanding question to the user, if
	// the last turn ended awaiting one.
	PendingClarification string `json:"pending_clarification,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the session persistence capability.
type Store interface {
	// Create starts a new empty session owned by userID.
	Create(ctx context.Context, userID string) (*Session, error)

	// Get returns a session, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// AppendTurn appends a turn, assigning the next sequence number.
	AppendTurn(ctx context.Context, id string, turn Turn) error

	// AddReferencedTables appends tables not already referenced,
	// preserving first-reference order.
	AddReferencedTables(ctx context.Context, id string, tables []string) error

	// SetPendingClarification records or clears (empty string) the
	// outstanding clarifying question.
	SetPendingClarification(ctx context.Context, id string, question string) error

	// TryAcquire takes the session's exclusive lock, or fails with
	// ErrSessionBusy without waiting.
	TryAcquire(id string) error

	// Release frees the lock taken by TryAcquire.
	Release(id string)

	// DeleteExpired removes sessions idle longer than maxIdle and
	// returns how many were deleted.
	DeleteExpired(ctx context.Context, maxIdle time.Duration) (int, error)

	Close() error
}

// lockTable implements the per-session exclusive lock shared by both
// store backends. Locks are in-process; the agent core is the only writer
// of a session.
type lockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]bool)}
}

func (l *lockTable) tryAcquire(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return ErrSessionBusy
	}
	l.held[id] = true
	return nil
}

func (l *lockTable) release(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
