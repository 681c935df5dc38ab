package live

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of inbound events the coordinator handles.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventJoin
	EventLeave
	EventComment
	EventHeart
	EventEnd
	EventOffer
	EventAnswer
	EventICECandidate
	// EventDisconnect is raised by the transport when a connection closes; it
	// never arrives on the wire.
	EventDisconnect
)

var eventNames = map[EventKind]string{
	EventJoin:         "join-stream",
	EventLeave:        "leave-stream",
	EventComment:      "send-comment",
	EventHeart:        "send-heart",
	EventEnd:          "end-stream",
	EventOffer:        "offer",
	EventAnswer:       "answer",
	EventICECandidate: "ice-candidate",
	EventDisconnect:   "disconnect",
}

var wireKinds = map[string]EventKind{
	"join-stream":   EventJoin,
	"leave-stream":  EventLeave,
	"send-comment":  EventComment,
	"send-heart":    EventHeart,
	"end-stream":    EventEnd,
	"offer":         EventOffer,
	"answer":        EventAnswer,
	"ice-candidate": EventICECandidate,
}

// ParseEventKind resolves an inbound wire event name.
func ParseEventKind(name string) (EventKind, bool) {
	k, ok := wireKinds[name]
	return k, ok
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// IsRelay reports whether the event is an opaque signaling payload.
func (k EventKind) IsRelay() bool {
	return k == EventOffer || k == EventAnswer || k == EventICECandidate
}

// Inbound is one decoded client event.
type Inbound struct {
	Kind EventKind
	Data json.RawMessage
}

// Outbound event names. These are part of the client protocol.
const (
	EvtJoinedStream  = "joined-stream"
	EvtStreamStarted = "stream-started"
	EvtViewerJoined  = "viewer-joined"
	EvtViewerLeft    = "viewer-left"
	EvtNewComment    = "new-comment"
	EvtHeartSent     = "heart-sent"
	EvtStreamEnded   = "stream-ended"
	EvtError         = "error"
	EvtPong          = "pong"
)

// Outbound is a server to client event.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode renders the event as a websocket text frame.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

type joinRequest struct {
	StreamID   string `json:"streamId"`
	IsStreamer bool   `json:"isStreamer"`
}

type commentRequest struct {
	Text string `json:"text"`
}

type endRequest struct {
	StreamID string `json:"streamId"`
}

// JoinedStream acknowledges a viewer join to the joiner.
type JoinedStream struct {
	StreamID    string `json:"streamId"`
	Status      Status `json:"status"`
	ViewerCount int    `json:"viewerCount"`
	TotalViews  int    `json:"totalViews"`
}

type StreamStarted struct {
	StreamID  string    `json:"streamId"`
	StartedAt time.Time `json:"startedAt"`
}

type ViewerJoined struct {
	ViewerCount int `json:"viewerCount"`
	TotalViews  int `json:"totalViews"`
}

type ViewerLeft struct {
	ViewerCount int `json:"viewerCount"`
}

// Comment is a chat message as broadcast to the room.
type Comment struct {
	Text          string    `json:"text"`
	AuthorDisplay string    `json:"authorDisplay"`
	AuthorID      *string   `json:"authorId"`
	Timestamp     time.Time `json:"timestamp"`
}

type HeartSent struct {
	Identity  *Identity `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

type StreamEnded struct {
	StreamID       string    `json:"streamId"`
	Duration       int64     `json:"duration"`
	TotalViews     int       `json:"totalViews"`
	HeartsReceived int       `json:"heartsReceived"`
	EndedAt        time.Time `json:"endedAt"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
