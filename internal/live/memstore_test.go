package live

import (
	"context"
	"sync"
	"time"
)

// StoredComment is a comment captured by MemStore.
type StoredComment struct {
	SessionID string
	UserID    string
	Text      string
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	terminals []TerminalRecord
	comments  []StoredComment
	live      map[string]time.Time
	loads     int
	saveErrs  []error
	loadDelay time.Duration
}

// NewMemStore seeds a store with sessions.
func NewMemStore(sessions ...*Session) *MemStore {
	m := &MemStore{sessions: make(map[string]*Session), live: make(map[string]time.Time)}
	for _, s := range sessions {
		m.sessions[s.ID] = s.Clone()
	}
	return m
}

// FailSaves makes the next SaveSessionTerminal calls return errs in order.
func (m *MemStore) FailSaves(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErrs = append(m.saveErrs, errs...)
}

// SetLoadDelay slows every LoadSession down.
func (m *MemStore) SetLoadDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadDelay = d
}

func (m *MemStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	m.loads++
	delay := m.loadDelay
	s, ok := m.sessions[id]
	var out *Session
	if ok {
		out = s.Clone()
	}
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

func (m *MemStore) MarkLive(ctx context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[id] = startedAt
	if s, ok := m.sessions[id]; ok && s.Status == StatusScheduled {
		s.Status = StatusLive
		t := startedAt
		s.StartedAt = &t
	}
	return nil
}

func (m *MemStore) SaveSessionTerminal(ctx context.Context, rec TerminalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saveErrs) > 0 {
		err := m.saveErrs[0]
		m.saveErrs = m.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	m.terminals = append(m.terminals, rec)
	if s, ok := m.sessions[rec.SessionID]; ok {
		endedAt, duration := rec.EndedAt, rec.Duration
		s.Status = StatusEnded
		s.EndedAt = &endedAt
		s.Duration = &duration
		s.TotalViews = rec.TotalViews
		s.HeartsReceived = rec.HeartsReceived
		s.CurrentViewers = 0
	}
	return nil
}

func (m *MemStore) RecordComment(ctx context.Context, sessionID, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = append(m.comments, StoredComment{SessionID: sessionID, UserID: userID, Text: text})
	return nil
}

// Loads returns how many times LoadSession ran.
func (m *MemStore) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// Terminals returns the stored terminal records.
func (m *MemStore) Terminals() []TerminalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TerminalRecord(nil), m.terminals...)
}

// Comments returns the stored comments.
func (m *MemStore) Comments() []StoredComment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredComment(nil), m.comments...)
}

// LiveMarks returns the recorded start times by session id.
func (m *MemStore) LiveMarks() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.live))
	for k, v := range m.live {
		out[k] = v
	}
	return out
}
