package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func liveSession(id string) *Session {
	started := t0
	return &Session{ID: id, StreamerID: "u1", Status: StatusLive, StartedAt: &started, CreatedAt: t0}
}

func TestRegistryGetOrLoad(t *testing.T) {
	store := NewMemStore(liveSession("s1"))
	r := NewRegistry(store, PersistPolicy{}, zaptest.NewLogger(t))

	s, err := r.GetOrLoad(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusLive, s.Status)

	_, err = r.GetOrLoad(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Loads(), "cached sessions are not reloaded")

	_, err = r.GetOrLoad(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryCoalescesConcurrentLoads(t *testing.T) {
	store := NewMemStore(liveSession("s1"))
	store.SetLoadDelay(30 * time.Millisecond)
	r := NewRegistry(store, PersistPolicy{}, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.GetOrLoad(context.Background(), "s1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.Loads())
}

func TestRegistryMutateLeavesSessionOnError(t *testing.T) {
	r := NewRegistry(NewMemStore(liveSession("s1")), PersistPolicy{}, zaptest.NewLogger(t))

	err := r.Mutate(context.Background(), "s1", func(s *Session) error {
		return ErrValidation
	})
	assert.ErrorIs(t, err, ErrValidation)

	snap, ok := r.Peek("s1")
	require.True(t, ok)
	assert.Equal(t, 0, snap.HeartsReceived)
}

func TestRegistryPersistsTerminalOnEnd(t *testing.T) {
	store := NewMemStore(liveSession("s1"))
	store.FailSaves(errors.New("timeout"))
	r := NewRegistry(store, PersistPolicy{Attempts: 3}, zaptest.NewLogger(t))

	err := r.Mutate(context.Background(), "s1", func(s *Session) error {
		s.HeartsReceived = 7
		_, err := s.finish(t0.Add(time.Minute))
		return err
	})
	require.NoError(t, err)

	recs := store.Terminals()
	require.Len(t, recs, 1, "second attempt succeeds")
	assert.Equal(t, int64(60), recs[0].Duration)
	assert.Equal(t, 7, recs[0].HeartsReceived)
	assert.True(t, r.Evict("s1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryKeepsUnpersistedEndedSession(t *testing.T) {
	store := NewMemStore(liveSession("s1"))
	fail := errors.New("db down")
	store.FailSaves(fail, fail)
	r := NewRegistry(store, PersistPolicy{Attempts: 2, Backoff: time.Millisecond}, zaptest.NewLogger(t))

	var handed []TerminalRecord
	r.SetPersistFailureHandler(func(ctx context.Context, rec TerminalRecord) {
		handed = append(handed, rec)
	})

	err := r.Mutate(context.Background(), "s1", func(s *Session) error {
		_, err := s.finish(t0.Add(5 * time.Second))
		return err
	})
	require.NoError(t, err, "the in-memory transition stands")
	require.Len(t, handed, 1)
	assert.Equal(t, "s1", handed[0].SessionID)
	assert.Empty(t, store.Terminals())

	assert.False(t, r.Evict("s1"))
	snap, ok := r.Peek("s1")
	require.True(t, ok)
	assert.Equal(t, StatusEnded, snap.Status)

	r.MarkPersisted("s1")
	assert.True(t, r.Evict("s1"))
}

func TestRegistrySweepEvictsReconciledSessions(t *testing.T) {
	store := NewMemStore(liveSession("s1"), liveSession("s2"))
	fail := errors.New("db down")
	store.FailSaves(fail)
	r := NewRegistry(store, PersistPolicy{Attempts: 1}, zaptest.NewLogger(t))
	var handed []TerminalRecord
	r.SetPersistFailureHandler(func(ctx context.Context, rec TerminalRecord) {
		handed = append(handed, rec)
	})
	ctx := context.Background()

	require.NoError(t, r.Mutate(ctx, "s1", func(s *Session) error {
		_, err := s.finish(t0.Add(time.Minute))
		return err
	}))
	_, err := r.GetOrLoad(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, handed, 1)

	assert.Equal(t, 0, r.Sweep(ctx), "store still reports the stream live")
	assert.False(t, r.Reconcile(ctx, "s1"))
	assert.Equal(t, 2, r.Len())

	require.NoError(t, store.SaveSessionTerminal(ctx, handed[0]))
	assert.Equal(t, 1, r.Sweep(ctx))
	_, ok := r.Peek("s1")
	assert.False(t, ok)
	_, ok = r.Peek("s2")
	assert.True(t, ok, "live sessions are never swept")
	assert.False(t, r.Reconcile(ctx, "s2"))
}

func TestRegistryRunSweeperStopsWithContext(t *testing.T) {
	r := NewRegistry(NewMemStore(), PersistPolicy{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRegistryEvictOnlyEnded(t *testing.T) {
	r := NewRegistry(NewMemStore(liveSession("s1")), PersistPolicy{}, zaptest.NewLogger(t))
	_, err := r.GetOrLoad(context.Background(), "s1")
	require.NoError(t, err)

	assert.False(t, r.Evict("s1"))
	assert.False(t, r.Evict("unknown"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySessionsDoNotShareLocks(t *testing.T) {
	r := NewRegistry(NewMemStore(liveSession("a"), liveSession("b")), PersistPolicy{}, zaptest.NewLogger(t))
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.Mutate(ctx, "a", func(s *Session) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan struct{})
	go func() {
		_ = r.Mutate(ctx, "b", func(s *Session) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mutation of b blocked behind a")
	}
	close(release)
}
