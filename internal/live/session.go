package live

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a live session. It only moves forward:
// scheduled -> live -> ended.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
)

// Session is the in-memory state of one broadcast. It is owned by the Registry
// and must only be changed inside Registry.Mutate.
type Session struct {
	ID             string     `json:"id"`
	StreamerID     string     `json:"streamerId"`
	Title          string     `json:"title"`
	Status         Status     `json:"status"`
	CurrentViewers int        `json:"currentViewers"`
	TotalViews     int        `json:"totalViews"`
	HeartsReceived int        `json:"heartsReceived"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Duration       *int64     `json:"duration,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`

	viewers      map[string]struct{} // distinct authenticated viewers
	streamerConn string              // connection id currently holding the streamer role
}

// TerminalRecord holds the final counters written to the store when a session ends.
type TerminalRecord struct {
	SessionID      string    `json:"session_id"`
	EndedAt        time.Time `json:"ended_at"`
	Duration       int64     `json:"duration"`
	TotalViews     int       `json:"total_views"`
	HeartsReceived int       `json:"hearts_received"`
}

// IsStreamer reports whether the identity owns the session.
func (s *Session) IsStreamer(id *Identity) bool {
	return id != nil && id.UserID != "" && id.UserID == s.StreamerID
}

// start moves a scheduled session to live.
func (s *Session) start(now time.Time) error {
	if s.Status != StatusScheduled {
		return fmt.Errorf("%w: cannot start a %s stream", ErrInvalidState, s.Status)
	}
	s.Status = StatusLive
	s.StartedAt = &now
	return nil
}

// finish moves a live session to ended. It returns false without error when the
// session already ended so duplicate end requests stay harmless.
func (s *Session) finish(now time.Time) (bool, error) {
	switch s.Status {
	case StatusEnded:
		return false, nil
	case StatusScheduled:
		return false, fmt.Errorf("%w: stream has not started", ErrInvalidState)
	}
	started := now
	if s.StartedAt != nil {
		started = *s.StartedAt
	}
	duration := int64(now.Sub(started) / time.Second)
	if duration < 0 {
		duration = 0
	}
	s.Status = StatusEnded
	s.EndedAt = &now
	s.Duration = &duration
	s.streamerConn = ""
	return true, nil
}

// addViewer counts a viewer join. Authenticated viewers add to CurrentViewers and
// to TotalViews the first time they are seen; anonymous viewers only add to TotalViews.
// The owner watching their own stream is not a viewer and is not counted.
func (s *Session) addViewer(id *Identity) {
	if id == nil {
		s.TotalViews++
		return
	}
	if s.IsStreamer(id) {
		return
	}
	s.CurrentViewers++
	if s.viewers == nil {
		s.viewers = make(map[string]struct{})
	}
	if _, seen := s.viewers[id.UserID]; !seen {
		s.viewers[id.UserID] = struct{}{}
		s.TotalViews++
	}
}

func (s *Session) removeViewer(id *Identity) {
	if id == nil || s.IsStreamer(id) {
		return
	}
	if s.CurrentViewers > 0 {
		s.CurrentViewers--
	}
}

func (s *Session) terminal() TerminalRecord {
	rec := TerminalRecord{
		SessionID:      s.ID,
		TotalViews:     s.TotalViews,
		HeartsReceived: s.HeartsReceived,
	}
	if s.EndedAt != nil {
		rec.EndedAt = *s.EndedAt
	}
	if s.Duration != nil {
		rec.Duration = *s.Duration
	}
	return rec
}

// Clone returns a copy safe to hand out of the registry.
func (s *Session) Clone() *Session {
	c := *s
	c.viewers = nil
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Duration != nil {
		d := *s.Duration
		c.Duration = &d
	}
	return &c
}
