package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/pkg/queue"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []live.TerminalRecord
	errs  []error
}

func (s *fakeStore) SaveSessionTerminal(_ context.Context, rec live.TerminalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.saved = append(s.saved, rec)
	return nil
}

func (s *fakeStore) records() []live.TerminalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.TerminalRecord(nil), s.saved...)
}

type fakeJobs struct {
	mu      sync.Mutex
	pending []*queue.Job
	retried []*queue.Job
}

func (j *fakeJobs) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	j.mu.Lock()
	if len(j.pending) > 0 {
		job := j.pending[0]
		j.pending = j.pending[1:]
		j.mu.Unlock()
		return job, nil
	}
	j.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
		return nil, nil
	}
}

func (j *fakeJobs) Retry(_ context.Context, job *queue.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	job.Attempt++
	j.retried = append(j.retried, job)
	j.pending = append(j.pending, job)
	return nil
}

func terminalJob(t *testing.T, p queue.TerminalPayload) *queue.Job {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Type: queue.JobTypeTerminalPersist, Payload: body}
}

func TestProcessSavesTerminalRecord(t *testing.T) {
	store := &fakeStore{}
	r := NewTerminalReconciler(store, &fakeJobs{}, time.Millisecond, zaptest.NewLogger(t))
	ended := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := r.Process(context.Background(), terminalJob(t, queue.TerminalPayload{
		StreamID: "s1", EndedAt: ended, Duration: 90, TotalViews: 4, HeartsReceived: 12,
	}))
	require.NoError(t, err)
	assert.Equal(t, []live.TerminalRecord{{
		SessionID: "s1", EndedAt: ended, Duration: 90, TotalViews: 4, HeartsReceived: 12,
	}}, store.records())
}

func TestProcessDropsUnknownStream(t *testing.T) {
	store := &fakeStore{errs: []error{live.ErrNotFound}}
	r := NewTerminalReconciler(store, &fakeJobs{}, time.Millisecond, zaptest.NewLogger(t))

	err := r.Process(context.Background(), terminalJob(t, queue.TerminalPayload{StreamID: "gone"}))
	assert.NoError(t, err)
	assert.Empty(t, store.records())
}

func TestProcessRejectsUnknownJobType(t *testing.T) {
	r := NewTerminalReconciler(&fakeStore{}, &fakeJobs{}, time.Millisecond, zaptest.NewLogger(t))
	err := r.Process(context.Background(), &queue.Job{Type: "email"})
	assert.Error(t, err)
}

func TestRunRetriesFailedJobs(t *testing.T) {
	store := &fakeStore{errs: []error{errors.New("db down")}}
	jobs := &fakeJobs{pending: []*queue.Job{terminalJob(t, queue.TerminalPayload{StreamID: "s1", Duration: 5})}}
	r := NewTerminalReconciler(store, jobs, time.Millisecond, zaptest.NewLogger(t))
	r.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(store.records()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Len(t, jobs.retried, 1)
	assert.Equal(t, 1, jobs.retried[0].Attempt)
	assert.Equal(t, "s1", store.records()[0].SessionID)
}
