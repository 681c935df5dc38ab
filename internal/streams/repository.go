package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/internal/models"
)

const streamColumns = `id, streamer_id, title, status, total_views, hearts_received, started_at, ended_at, duration, created_at, updated_at`

// Repository handles live_streams persistence and is the live session store.
type Repository struct {
	pool *pgxpool.Pool
}

var _ live.Store = (*Repository)(nil)

// NewRepository creates a live streams repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanStream(row pgx.Row) (*models.LiveStream, error) {
	var s models.LiveStream
	var status string
	err := row.Scan(&s.ID, &s.StreamerID, &s.Title, &status, &s.TotalViews, &s.HeartsReceived,
		&s.StartedAt, &s.EndedAt, &s.Duration, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = models.StreamStatus(status)
	return &s, nil
}

// parseID maps malformed ids to live.ErrNotFound; no row can match them.
func parseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", live.ErrNotFound, id)
	}
	return u, nil
}

// Create inserts a scheduled stream.
func (r *Repository) Create(ctx context.Context, streamerID uuid.UUID, title string) (*models.LiveStream, error) {
	const q = `INSERT INTO live_streams (streamer_id, title, status) VALUES ($1, $2, 'scheduled')
		RETURNING ` + streamColumns
	return scanStream(r.pool.QueryRow(ctx, q, streamerID, title))
}

// GetByID returns a stream by ID or live.ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.LiveStream, error) {
	sid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s, err := scanStream(r.pool.QueryRow(ctx, `SELECT `+streamColumns+` FROM live_streams WHERE id = $1`, sid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", live.ErrNotFound, id)
	}
	return s, err
}

// List returns streams, newest first, optionally filtered by status.
func (r *Repository) List(ctx context.Context, status models.StreamStatus, limit int) ([]models.LiveStream, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := `SELECT ` + streamColumns + ` FROM live_streams`
	args := []interface{}{limit}
	if status != "" {
		q += ` WHERE status = $2`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.LiveStream, 0)
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// ListComments returns stored comments for a stream in posting order.
func (r *Repository) ListComments(ctx context.Context, id string, limit int) ([]models.StreamComment, error) {
	sid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, stream_id, user_id, text, created_at FROM stream_comments
		WHERE stream_id = $1 ORDER BY created_at ASC LIMIT $2`, sid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.StreamComment, 0)
	for rows.Next() {
		var c models.StreamComment
		if err := rows.Scan(&c.ID, &c.StreamID, &c.UserID, &c.Text, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// LoadSession implements live.Store.
func (r *Repository) LoadSession(ctx context.Context, id string) (*live.Session, error) {
	s, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return toSession(s), nil
}

func toSession(s *models.LiveStream) *live.Session {
	return &live.Session{
		ID:             s.ID.String(),
		StreamerID:     s.StreamerID.String(),
		Title:          s.Title,
		Status:         live.Status(s.Status),
		TotalViews:     s.TotalViews,
		HeartsReceived: s.HeartsReceived,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		Duration:       s.Duration,
		CreatedAt:      s.CreatedAt,
	}
}

// MarkLive implements live.Store. Only a scheduled row moves.
func (r *Repository) MarkLive(ctx context.Context, id string, startedAt time.Time) error {
	sid, err := parseID(id)
	if err != nil {
		return err
	}
	const q = `UPDATE live_streams SET status = 'live', started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`
	_, err = r.pool.Exec(ctx, q, sid, startedAt)
	return err
}

// SaveSessionTerminal implements live.Store. Replaying the same record is harmless.
func (r *Repository) SaveSessionTerminal(ctx context.Context, rec live.TerminalRecord) error {
	sid, err := parseID(rec.SessionID)
	if err != nil {
		return err
	}
	const q = `UPDATE live_streams SET status = 'ended', ended_at = $2, duration = $3,
		total_views = $4, hearts_received = $5, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, sid, rec.EndedAt, rec.Duration, rec.TotalViews, rec.HeartsReceived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", live.ErrNotFound, rec.SessionID)
	}
	return nil
}

// RecordComment implements live.Store.
func (r *Repository) RecordComment(ctx context.Context, sessionID, userID, text string) error {
	sid, err := parseID(sessionID)
	if err != nil {
		return err
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("invalid comment author %q: %w", userID, err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO stream_comments (stream_id, user_id, text) VALUES ($1, $2, $3)`, sid, uid, text)
	return err
}
