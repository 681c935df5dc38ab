package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/internal/telemetry"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains stream_id -> set of participants and fans events out to them.
// It is the in-process room fabric; there is no cross-instance relay.
type Hub struct {
	// streamID -> map[connID]*Participant
	rooms  map[string]map[string]*live.Participant
	mu     sync.RWMutex
	logger *zap.Logger
}

var _ live.Fabric = (*Hub)(nil)

// NewHub creates a new room hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[string]*live.Participant),
		logger: logger,
	}
}

// Join adds p to a room. Joining twice is a no-op.
func (h *Hub) Join(room string, p *live.Participant) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*live.Participant)
	}
	h.rooms[room][p.ID()] = p
	h.mu.Unlock()
	h.logger.Debug("participant joined room", zap.String("conn_id", p.ID()), zap.String("stream_id", room))
}

// Leave removes p from a room and drops the room once empty.
func (h *Hub) Leave(room string, p *live.Participant) {
	h.mu.Lock()
	if m, ok := h.rooms[room]; ok {
		delete(m, p.ID())
		if len(m) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("participant left room", zap.String("conn_id", p.ID()), zap.String("stream_id", room))
}

// Broadcast sends ev to every current member of room and returns how many
// frames were queued.
func (h *Hub) Broadcast(room string, ev live.Outbound) int {
	return h.BroadcastExcept(room, ev, "")
}

// BroadcastExcept sends ev to every current member of room except senderID.
func (h *Hub) BroadcastExcept(room string, ev live.Outbound, senderID string) int {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error("encode event", zap.String("event", ev.Event), zap.Error(err))
		return 0
	}
	members := h.snapshot(room)
	sent := 0
	for _, p := range members {
		if senderID != "" && p.ID() == senderID {
			continue
		}
		ok := p.Send(data)
		telemetry.Delivered(ok)
		if ok {
			sent++
		} else {
			h.logger.Debug("send buffer full, frame dropped", zap.String("conn_id", p.ID()), zap.String("event", ev.Event))
		}
	}
	return sent
}

// Send delivers ev to a single participant.
func (h *Hub) Send(p *live.Participant, ev live.Outbound) bool {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error("encode event", zap.String("event", ev.Event), zap.Error(err))
		return false
	}
	ok := p.Send(data)
	telemetry.Delivered(ok)
	return ok
}

// Members returns the participants currently in room.
func (h *Hub) Members(room string) []*live.Participant {
	return h.snapshot(room)
}

// Size returns the number of participants in room.
func (h *Hub) Size(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomCount returns the number of non-empty rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) snapshot(room string) []*live.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.rooms[room]
	out := make([]*live.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}
