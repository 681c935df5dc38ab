package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/internal/models"
)

// UserLookup loads the profile behind a token's user id.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Gate resolves websocket credentials. Any failure degrades the connection to
// anonymous; nothing is returned to the caller as an error.
type Gate struct {
	jwt     *JWTService
	users   UserLookup
	timeout time.Duration
	logger  *zap.Logger
}

var _ live.IdentityResolver = (*Gate)(nil)

// NewGate creates an authentication gate.
func NewGate(jwt *JWTService, users UserLookup, timeout time.Duration, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Gate{jwt: jwt, users: users, timeout: timeout, logger: logger}
}

// Resolve returns the identity for credential, or nil for anonymous.
func (g *Gate) Resolve(ctx context.Context, credential string) *live.Identity {
	if credential == "" {
		return nil
	}
	claims, err := g.jwt.Validate(credential)
	if err != nil {
		g.logger.Info("credential rejected, continuing as anonymous", zap.Error(err))
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	u, err := g.users.GetByID(lookupCtx, claims.UserID)
	if err != nil || u == nil {
		g.logger.Warn("token user not resolvable, continuing as anonymous",
			zap.String("user_id", claims.UserID.String()), zap.Error(err))
		return nil
	}
	return &live.Identity{
		UserID:      u.ID.String(),
		DisplayName: u.Display(),
		AvatarURL:   u.AvatarURL,
	}
}
