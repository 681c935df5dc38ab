package models

import (
	"time"

	"github.com/google/uuid"
)

// StreamStatus mirrors the live session lifecycle in the database.
type StreamStatus string

const (
	StreamScheduled StreamStatus = "scheduled"
	StreamLive      StreamStatus = "live"
	StreamEnded     StreamStatus = "ended"
)

// LiveStream is the stored record of a broadcast.
type LiveStream struct {
	ID             uuid.UUID    `json:"id"`
	StreamerID     uuid.UUID    `json:"streamer_id"`
	Title          string       `json:"title"`
	Status         StreamStatus `json:"status"`
	TotalViews     int          `json:"total_views"`
	HeartsReceived int          `json:"hearts_received"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	Duration       *int64       `json:"duration,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// StreamComment is a chat message stored for an authenticated author.
type StreamComment struct {
	ID        uuid.UUID `json:"id"`
	StreamID  uuid.UUID `json:"stream_id"`
	UserID    uuid.UUID `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
