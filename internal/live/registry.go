package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/clipcast/backend/internal/telemetry"
)

// Store is the system of record for sessions.
type Store interface {
	// LoadSession returns ErrNotFound when the id is unknown.
	LoadSession(ctx context.Context, id string) (*Session, error)
	MarkLive(ctx context.Context, id string, startedAt time.Time) error
	SaveSessionTerminal(ctx context.Context, rec TerminalRecord) error
	RecordComment(ctx context.Context, sessionID, userID, text string) error
}

// PersistFailureHandler is called when the terminal persist still fails after
// all attempts (e.g. to enqueue an out-of-band reconciliation job).
type PersistFailureHandler func(ctx context.Context, rec TerminalRecord)

// PersistPolicy bounds the terminal persist.
type PersistPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

type entry struct {
	mu        sync.Mutex
	session   *Session
	persisted bool // terminal counters are in the store
}

// Registry maps stream id -> live session state. Each session has its own
// mutation scope; the registry lock only guards the map and is never held
// while waiting on an entry.
type Registry struct {
	store  Store
	policy PersistPolicy
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	loads   singleflight.Group

	hookMu    sync.RWMutex
	onFailure PersistFailureHandler
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store, policy PersistPolicy, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 5 * time.Second
	}
	return &Registry{
		store:   store,
		policy:  policy,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// SetPersistFailureHandler sets the callback for terminal persists that gave up.
func (r *Registry) SetPersistFailureHandler(fn PersistFailureHandler) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onFailure = fn
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) entryFor(ctx context.Context, id string) (*entry, error) {
	if e, ok := r.lookup(id); ok {
		return e, nil
	}
	v, err, _ := r.loads.Do(id, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
		s, err := r.store.LoadSession(loadCtx, id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if e, ok := r.entries[id]; ok {
			return e, nil
		}
		e := &entry{session: s, persisted: s.Status == StatusEnded}
		r.entries[id] = e
		telemetry.SessionsCached.Set(float64(len(r.entries)))
		return e, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load stream %s: %w", id, err)
	}
	return v.(*entry), nil
}

// GetOrLoad returns a copy of the session, loading it from the store on a miss.
func (r *Registry) GetOrLoad(ctx context.Context, id string) (*Session, error) {
	e, err := r.entryFor(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Peek returns a copy of a cached session without consulting the store.
func (r *Registry) Peek(id string) (*Session, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), true
}

// Mutate runs fn with exclusive access to the session. fn must validate before
// changing anything so a returned error leaves the session untouched. When fn
// ends the session, the final counters are persisted before the scope is released.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(s *Session) error) error {
	e, err := r.entryFor(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.session.Status
	if err := fn(e.session); err != nil {
		return err
	}
	if before != StatusEnded && e.session.Status == StatusEnded {
		e.persisted = r.persistTerminal(ctx, e.session.terminal())
	}
	return nil
}

func (r *Registry) persistTerminal(ctx context.Context, rec TerminalRecord) bool {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		saveCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		err = r.store.SaveSessionTerminal(saveCtx, rec)
		cancel()
		if err == nil {
			return true
		}
		r.logger.Warn("terminal persist failed",
			zap.String("stream_id", rec.SessionID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < r.policy.Attempts && r.policy.Backoff > 0 {
			time.Sleep(r.policy.Backoff)
		}
	}
	telemetry.TerminalPersistFailures.Inc()
	r.logger.Error("terminal persist gave up; store needs reconciliation",
		zap.String("stream_id", rec.SessionID),
		zap.Int64("duration", rec.Duration),
		zap.Int("total_views", rec.TotalViews),
		zap.Int("hearts_received", rec.HeartsReceived),
		zap.Error(err))
	r.hookMu.RLock()
	onFailure := r.onFailure
	r.hookMu.RUnlock()
	if onFailure != nil {
		onFailure(ctx, rec)
	}
	return false
}

// Evict drops an ended session from memory. Sessions whose final counters never
// reached the store stay cached so a later join still sees them as ended.
func (r *Registry) Evict(id string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	evictable := e.session.Status == StatusEnded && e.persisted
	e.mu.Unlock()
	if !evictable {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[id] != e {
		return false
	}
	delete(r.entries, id)
	telemetry.SessionsCached.Set(float64(len(r.entries)))
	return true
}

// MarkPersisted records that an out-of-band job stored the final counters.
func (r *Registry) MarkPersisted(id string) {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		e.persisted = true
		e.mu.Unlock()
	}
}

// Reconcile checks the store for an ended session whose terminal persist gave
// up. Once the store also reports it ended (the reconciliation job ran), the
// entry is marked persisted and evicted. It reports whether the entry was evicted.
func (r *Registry) Reconcile(ctx context.Context, id string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	pending := e.session.Status == StatusEnded && !e.persisted
	e.mu.Unlock()
	if !pending {
		return r.Evict(id)
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()
	stored, err := r.store.LoadSession(loadCtx, id)
	if err != nil {
		r.logger.Debug("reconcile lookup failed", zap.String("stream_id", id), zap.Error(err))
		return false
	}
	if stored.Status != StatusEnded {
		return false
	}
	r.MarkPersisted(id)
	r.logger.Info("terminal counters reconciled", zap.String("stream_id", id))
	return r.Evict(id)
}

// Sweep reconciles every cached session that ended without reaching the store
// and returns how many were evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.Lock()
	var pending []string
	for id, e := range r.entries {
		e.mu.Lock()
		if e.session.Status == StatusEnded && !e.persisted {
			pending = append(pending, id)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	evicted := 0
	for _, id := range pending {
		if ctx.Err() != nil {
			break
		}
		if r.Reconcile(ctx, id) {
			evicted++
		}
	}
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Info("evicted reconciled sessions", zap.Int("count", n))
			}
		}
	}
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
