package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/clipcast/backend/internal/telemetry"
)

// DefaultMaxCommentLength is the longest accepted comment, in characters.
const DefaultMaxCommentLength = 200

// Fabric is the room broadcast primitive. Broadcasts enumerate the members
// present at call time and deliver at most one copy per member.
type Fabric interface {
	Join(room string, p *Participant)
	Leave(room string, p *Participant)
	Broadcast(room string, ev Outbound) int
	BroadcastExcept(room string, ev Outbound, senderID string) int
	Send(p *Participant, ev Outbound) bool
	Members(room string) []*Participant
	Size(room string) int
}

// IdentityResolver turns a bearer credential into an identity. It returns nil
// for anonymous connections and never fails.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) *Identity
}

// Options tunes the coordinator.
type Options struct {
	MaxCommentLength int
	StoreTimeout     time.Duration
}

// Coordinator runs the event handlers for every live session.
type Coordinator struct {
	registry *Registry
	fabric   Fabric
	store    Store
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator wires the registry, the fabric and the store together.
func NewCoordinator(registry *Registry, fabric Fabric, store Store, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxCommentLength <= 0 {
		opts.MaxCommentLength = DefaultMaxCommentLength
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Coordinator{
		registry: registry,
		fabric:   fabric,
		store:    store,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Registry exposes the session registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Dispatch routes one inbound event. Failures are reported to the originating
// participant only and returned for logging.
func (c *Coordinator) Dispatch(ctx context.Context, p *Participant, in Inbound) error {
	var err error
	switch in.Kind {
	case EventJoin:
		var req joinRequest
		if err = decode(in.Data, &req); err == nil {
			err = c.Join(ctx, p, req.StreamID, req.IsStreamer)
		}
	case EventLeave:
		err = c.Leave(ctx, p)
	case EventComment:
		var req commentRequest
		if err = decode(in.Data, &req); err == nil {
			err = c.Comment(ctx, p, req.Text)
		}
	case EventHeart:
		err = c.Heart(ctx, p)
	case EventEnd:
		var req endRequest
		if len(in.Data) > 0 {
			err = decode(in.Data, &req)
		}
		if err == nil {
			streamID := req.StreamID
			if streamID == "" {
				streamID, _ = p.Membership()
			}
			err = c.End(ctx, p.Identity(), streamID)
		}
	case EventOffer, EventAnswer, EventICECandidate:
		err = c.Relay(p, in.Kind, in.Data)
	case EventDisconnect:
		c.Disconnect(ctx, p)
	default:
		err = fmt.Errorf("%w: unknown event", ErrBadRequest)
	}

	result := "ok"
	if err != nil {
		result = ErrorCode(err)
		c.Reject(p, in.Kind.String(), err)
	}
	telemetry.Events.WithLabelValues(in.Kind.String(), result).Inc()
	return err
}

// Reject sends an error event to p alone.
func (c *Coordinator) Reject(p *Participant, event string, err error) {
	code := ErrorCode(err)
	if code == CodeInternalError {
		c.logger.Error("event failed", zap.String("conn_id", p.ID()), zap.String("event", event), zap.Error(err))
	} else {
		c.logger.Debug("event rejected", zap.String("conn_id", p.ID()), zap.String("event", event), zap.Error(err))
	}
	c.fabric.Send(p, Outbound{Event: EvtError, Data: ErrorPayload{Code: code, Message: err.Error(), Event: event}})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// Join adds p to the stream's room, as streamer or viewer.
func (c *Coordinator) Join(ctx context.Context, p *Participant, streamID string, asStreamer bool) error {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return fmt.Errorf("%w: streamId is required", ErrValidation)
	}
	current, _ := p.Membership()
	if current != "" && current != streamID {
		return fmt.Errorf("%w: already joined to another stream", ErrInvalidState)
	}

	started := false
	err := c.registry.Mutate(ctx, streamID, func(s *Session) error {
		if s.Status == StatusEnded {
			return ErrGone
		}
		if p.memberOf(streamID) {
			c.fabric.Send(p, Outbound{Event: EvtJoinedStream, Data: joinedStream(s)})
			return nil
		}
		if asStreamer {
			if !s.IsStreamer(p.Identity()) {
				return fmt.Errorf("%w: only the streamer can start this stream", ErrUnauthorized)
			}
			if s.Status == StatusLive && s.streamerConn != "" {
				return fmt.Errorf("%w: stream already has a streamer", ErrInvalidState)
			}
			if s.Status == StatusScheduled {
				if err := s.start(c.now()); err != nil {
					return err
				}
				started = true
			}
			s.streamerConn = p.ID()
			p.assign(streamID, RoleStreamer)
			c.fabric.Join(streamID, p)
			c.fabric.Send(p, Outbound{Event: EvtStreamStarted, Data: StreamStarted{StreamID: s.ID, StartedAt: *s.StartedAt}})
			return nil
		}

		s.addViewer(p.Identity())
		p.assign(streamID, RoleViewer)
		c.fabric.Join(streamID, p)
		c.fabric.Send(p, Outbound{Event: EvtJoinedStream, Data: joinedStream(s)})
		c.fabric.Broadcast(streamID, Outbound{Event: EvtViewerJoined, Data: ViewerJoined{
			ViewerCount: s.CurrentViewers,
			TotalViews:  s.TotalViews,
		}})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrGone) && c.fabric.Size(streamID) == 0 {
			c.registry.Reconcile(context.WithoutCancel(ctx), streamID)
		}
		return err
	}

	if started {
		if snap, ok := c.registry.Peek(streamID); ok && snap.StartedAt != nil {
			c.bestEffort(ctx, "mark live", streamID, func(ctx context.Context) error {
				return c.store.MarkLive(ctx, streamID, *snap.StartedAt)
			})
		}
	}
	return nil
}

func joinedStream(s *Session) JoinedStream {
	return JoinedStream{
		StreamID:    s.ID,
		Status:      s.Status,
		ViewerCount: s.CurrentViewers,
		TotalViews:  s.TotalViews,
	}
}

// Leave removes p from its room and announces the new viewer count.
func (c *Coordinator) Leave(ctx context.Context, p *Participant) error {
	streamID, _ := p.Membership()
	if streamID == "" {
		return fmt.Errorf("%w: not joined to a stream", ErrInvalidState)
	}
	return c.registry.Mutate(ctx, streamID, func(s *Session) error {
		c.leaveLocked(s, p, true)
		return nil
	})
}

// leaveLocked must run inside the session's mutation scope.
func (c *Coordinator) leaveLocked(s *Session, p *Participant, announce bool) {
	_, role := p.Membership()
	if !p.release(s.ID) {
		return
	}
	c.fabric.Leave(s.ID, p)
	switch role {
	case RoleViewer:
		s.removeViewer(p.Identity())
	case RoleStreamer:
		if s.streamerConn == p.ID() {
			s.streamerConn = ""
		}
	}
	if announce {
		c.fabric.Broadcast(s.ID, Outbound{Event: EvtViewerLeft, Data: ViewerLeft{ViewerCount: s.CurrentViewers}})
	}
}

// Comment broadcasts a chat message to p's room and stores it when p is authenticated.
func (c *Coordinator) Comment(ctx context.Context, p *Participant, text string) error {
	streamID, _ := p.Membership()
	if streamID == "" {
		return fmt.Errorf("%w: not joined to a stream", ErrInvalidState)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: comment is empty", ErrValidation)
	}
	if utf8.RuneCountInString(text) > c.opts.MaxCommentLength {
		return fmt.Errorf("%w: comment exceeds %d characters", ErrValidation, c.opts.MaxCommentLength)
	}

	err := c.registry.Mutate(ctx, streamID, func(s *Session) error {
		if err := c.requireLiveMember(s, p); err != nil {
			return err
		}
		comment := Comment{
			Text:          text,
			AuthorDisplay: p.DisplayName(),
			Timestamp:     c.now(),
		}
		if id := p.Identity(); id != nil {
			uid := id.UserID
			comment.AuthorID = &uid
		}
		c.fabric.Broadcast(streamID, Outbound{Event: EvtNewComment, Data: comment})
		return nil
	})
	if err != nil {
		return err
	}

	if id := p.Identity(); id != nil {
		c.bestEffort(ctx, "record comment", streamID, func(ctx context.Context) error {
			return c.store.RecordComment(ctx, streamID, id.UserID, text)
		})
	}
	return nil
}

// Heart counts a heart and broadcasts it to p's room.
func (c *Coordinator) Heart(ctx context.Context, p *Participant) error {
	streamID, _ := p.Membership()
	if streamID == "" {
		return fmt.Errorf("%w: not joined to a stream", ErrInvalidState)
	}
	return c.registry.Mutate(ctx, streamID, func(s *Session) error {
		if err := c.requireLiveMember(s, p); err != nil {
			return err
		}
		s.HeartsReceived++
		c.fabric.Broadcast(streamID, Outbound{Event: EvtHeartSent, Data: HeartSent{
			Identity:  p.Identity(),
			Timestamp: c.now(),
		}})
		return nil
	})
}

func (c *Coordinator) requireLiveMember(s *Session, p *Participant) error {
	if s.Status != StatusLive {
		return fmt.Errorf("%w: stream is %s", ErrInvalidState, s.Status)
	}
	if !p.memberOf(s.ID) {
		return fmt.Errorf("%w: not joined to this stream", ErrInvalidState)
	}
	return nil
}

// End performs the live -> ended transition on behalf of identity. Ending an
// already ended stream succeeds without side effects.
func (c *Coordinator) End(ctx context.Context, identity *Identity, streamID string) error {
	if streamID == "" {
		return fmt.Errorf("%w: streamId is required", ErrValidation)
	}
	if identity == nil {
		return fmt.Errorf("%w: sign in to end a stream", ErrUnauthorized)
	}
	err := c.registry.Mutate(ctx, streamID, func(s *Session) error {
		if !s.IsStreamer(identity) {
			return fmt.Errorf("%w: only the streamer can end this stream", ErrUnauthorized)
		}
		_, err := c.endLocked(s)
		return err
	})
	if err != nil {
		return err
	}
	c.registry.Evict(streamID)
	return nil
}

// endLocked must run inside the session's mutation scope. The store write
// happens afterwards in Registry.Mutate, so viewers see stream-ended first.
func (c *Coordinator) endLocked(s *Session) (bool, error) {
	changed, err := s.finish(c.now())
	if err != nil || !changed {
		return changed, err
	}
	c.fabric.Broadcast(s.ID, Outbound{Event: EvtStreamEnded, Data: StreamEnded{
		StreamID:       s.ID,
		Duration:       *s.Duration,
		TotalViews:     s.TotalViews,
		HeartsReceived: s.HeartsReceived,
		EndedAt:        *s.EndedAt,
	}})
	for _, m := range c.fabric.Members(s.ID) {
		c.fabric.Leave(s.ID, m)
		m.release(s.ID)
	}
	s.CurrentViewers = 0
	c.logger.Info("stream ended",
		zap.String("stream_id", s.ID),
		zap.Int64("duration", *s.Duration),
		zap.Int("total_views", s.TotalViews),
		zap.Int("hearts_received", s.HeartsReceived))
	return true, nil
}

// Relay forwards an opaque signaling payload to everyone else in p's room.
func (c *Coordinator) Relay(p *Participant, kind EventKind, payload json.RawMessage) error {
	if !kind.IsRelay() {
		return fmt.Errorf("%w: %s is not a signaling event", ErrBadRequest, kind)
	}
	streamID, _ := p.Membership()
	if streamID == "" {
		return fmt.Errorf("%w: not joined to a stream", ErrInvalidState)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrValidation, kind)
	}
	c.fabric.BroadcastExcept(streamID, Outbound{Event: kind.String(), Data: payload}, p.ID())
	return nil
}

// Disconnect reconciles state for a closed connection: a live streamer ends
// the stream, authenticated viewers leave with an announcement and anonymous
// viewers are dropped from the room silently.
func (c *Coordinator) Disconnect(ctx context.Context, p *Participant) {
	streamID, role := p.Membership()
	if streamID == "" {
		return
	}
	ended := false
	err := c.registry.Mutate(ctx, streamID, func(s *Session) error {
		if !p.memberOf(streamID) {
			return nil
		}
		if role == RoleStreamer && s.Status == StatusLive && s.streamerConn == p.ID() {
			changed, err := c.endLocked(s)
			ended = changed
			return err
		}
		c.leaveLocked(s, p, p.IsAuthenticated())
		return nil
	})
	if err != nil {
		c.logger.Warn("disconnect cleanup failed", zap.String("conn_id", p.ID()), zap.String("stream_id", streamID), zap.Error(err))
		c.fabric.Leave(streamID, p)
		p.release(streamID)
		return
	}
	if ended {
		c.registry.Evict(streamID)
	}
}

// bestEffort runs a store call whose failure must not undo what was already broadcast.
func (c *Coordinator) bestEffort(ctx context.Context, op, streamID string, fn func(ctx context.Context) error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout)
	defer cancel()
	if err := fn(callCtx); err != nil {
		c.logger.Warn("store call failed", zap.String("op", op), zap.String("stream_id", streamID), zap.Error(err))
	}
}
