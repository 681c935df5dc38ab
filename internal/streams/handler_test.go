package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/internal/middleware"
	"github.com/clipcast/backend/internal/models"
)

type fakeStore struct {
	streams map[string]*models.LiveStream
}

func (f *fakeStore) Create(_ context.Context, streamerID uuid.UUID, title string) (*models.LiveStream, error) {
	s := &models.LiveStream{ID: uuid.New(), StreamerID: streamerID, Title: title, Status: models.StreamScheduled}
	f.streams[s.ID.String()] = s
	return s, nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*models.LiveStream, error) {
	if s, ok := f.streams[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: %s", live.ErrNotFound, id)
}

func (f *fakeStore) List(_ context.Context, status models.StreamStatus, _ int) ([]models.LiveStream, error) {
	var out []models.LiveStream
	for _, s := range f.streams {
		if status == "" || s.Status == status {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListComments(context.Context, string, int) ([]models.StreamComment, error) {
	return []models.StreamComment{}, nil
}

type fakeLifecycle struct {
	store *fakeStore
	calls []string
}

func (f *fakeLifecycle) End(_ context.Context, identity *live.Identity, id string) error {
	f.calls = append(f.calls, identity.UserID+"/"+id)
	s, ok := f.store.streams[id]
	switch {
	case !ok:
		return live.ErrNotFound
	case s.StreamerID.String() != identity.UserID:
		return fmt.Errorf("%w: only the streamer can end this stream", live.ErrUnauthorized)
	case s.Status == models.StreamScheduled:
		return fmt.Errorf("%w: stream has not started", live.ErrInvalidState)
	}
	s.Status = models.StreamEnded
	return nil
}

type fakeSnapshots map[string]*live.Session

func (f fakeSnapshots) Peek(id string) (*live.Session, bool) {
	s, ok := f[id]
	return s, ok
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func newRouter(store *fakeStore, lc Lifecycle, snaps Snapshots, caller uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(store, lc, snaps, zap.NewNop())
	authed := func(c *gin.Context) {
		c.Set(middleware.ContextUserID, caller)
		c.Next()
	}
	h.Register(r.Group(""), authed)
	return r
}

func do(r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestCreateAndGetStream(t *testing.T) {
	owner := uuid.New()
	store := &fakeStore{streams: map[string]*models.LiveStream{}}
	r := newRouter(store, &fakeLifecycle{store: store}, fakeSnapshots{}, owner)

	w, env := do(r, http.MethodPost, "/streams", map[string]string{"title": "  Friday night  "})
	require.Equal(t, http.StatusCreated, w.Code)
	var created StreamView
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "Friday night", created.Title)
	assert.Equal(t, owner, created.StreamerID)
	assert.Equal(t, models.StreamScheduled, created.Status)

	w, _ = do(r, http.MethodGet, "/streams/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(r, http.MethodPost, "/streams", map[string]string{"title": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOverlaysLiveCounters(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{streams: map[string]*models.LiveStream{
		id.String(): {ID: id, Title: "t", Status: models.StreamScheduled},
	}}
	started := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	snaps := fakeSnapshots{id.String(): {
		ID: id.String(), Status: live.StatusLive, CurrentViewers: 3, TotalViews: 7, HeartsReceived: 11, StartedAt: &started,
	}}
	r := newRouter(store, &fakeLifecycle{store: store}, snaps, uuid.New())

	w, env := do(r, http.MethodGet, "/streams/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view StreamView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, models.StreamLive, view.Status)
	assert.Equal(t, 3, view.CurrentViewers)
	assert.Equal(t, 7, view.TotalViews)
	assert.Equal(t, 11, view.HeartsReceived)
}

func TestGetUnknownStream(t *testing.T) {
	store := &fakeStore{streams: map[string]*models.LiveStream{}}
	r := newRouter(store, &fakeLifecycle{store: store}, nil, uuid.New())

	w, env := do(r, http.MethodGet, "/streams/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, live.CodeNotFound, env.Code)
}

func TestListFiltersByStatus(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	store := &fakeStore{streams: map[string]*models.LiveStream{
		a.String(): {ID: a, Status: models.StreamLive},
		b.String(): {ID: b, Status: models.StreamEnded},
	}}
	r := newRouter(store, &fakeLifecycle{store: store}, fakeSnapshots{}, uuid.New())

	w, env := do(r, http.MethodGet, "/streams?status=live", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []StreamView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, a, views[0].ID)

	w, _ = do(r, http.MethodGet, "/streams?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEndStreamMapsErrors(t *testing.T) {
	owner := uuid.New()
	liveID, scheduledID := uuid.New(), uuid.New()
	store := &fakeStore{streams: map[string]*models.LiveStream{
		liveID.String():      {ID: liveID, StreamerID: owner, Status: models.StreamLive},
		scheduledID.String(): {ID: scheduledID, StreamerID: owner, Status: models.StreamScheduled},
	}}
	lc := &fakeLifecycle{store: store}

	w, env := do(newRouter(store, lc, nil, uuid.New()), http.MethodPost, "/streams/"+liveID.String()+"/end", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, live.CodeUnauthorized, env.Code)

	r := newRouter(store, lc, nil, owner)
	w, env = do(r, http.MethodPost, "/streams/"+scheduledID.String()+"/end", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, live.CodeInvalidState, env.Code)

	w, env = do(r, http.MethodPost, "/streams/"+liveID.String()+"/end", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view StreamView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, models.StreamEnded, view.Status)
	assert.Len(t, lc.calls, 3)
}
