package live

import "sync"

// Identity is a resolved user. A nil *Identity means the connection is anonymous.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// Role is what a participant does in its current room.
type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleStreamer   Role = "streamer"
	RoleViewer     Role = "viewer"
)

// Conn is the transport side of a participant.
type Conn interface {
	ID() string
	// Send queues an encoded frame without blocking. It returns false when the
	// frame was dropped.
	Send(frame []byte) bool
}

// Participant is one connection's identity and room membership. Role and
// session are changed only by the Coordinator while it holds the session's
// mutation scope.
type Participant struct {
	conn     Conn
	identity *Identity

	mu        sync.RWMutex
	role      Role
	sessionID string
}

// NewParticipant wraps a connection whose identity has already been resolved.
func NewParticipant(conn Conn, identity *Identity) *Participant {
	return &Participant{conn: conn, identity: identity, role: RoleUnassigned}
}

// ID returns the connection id.
func (p *Participant) ID() string { return p.conn.ID() }

// Identity returns the resolved user or nil for anonymous connections.
func (p *Participant) Identity() *Identity { return p.identity }

// IsAuthenticated reports whether identity resolution succeeded.
func (p *Participant) IsAuthenticated() bool { return p.identity != nil }

// DisplayName is the name shown next to comments.
func (p *Participant) DisplayName() string {
	if p.identity == nil || p.identity.DisplayName == "" {
		return "Anonymous"
	}
	return p.identity.DisplayName
}

// Membership returns the joined session id (empty when none) and the role.
func (p *Participant) Membership() (string, Role) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID, p.role
}

// Send delivers an encoded frame to the connection.
func (p *Participant) Send(frame []byte) bool {
	return p.conn.Send(frame)
}

func (p *Participant) assign(sessionID string, role Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
	p.role = role
}

// release clears the membership if it still points at sessionID.
func (p *Participant) release(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionID != sessionID {
		return false
	}
	p.sessionID = ""
	p.role = RoleUnassigned
	return true
}

func (p *Participant) memberOf(sessionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID != "" && p.sessionID == sessionID
}
