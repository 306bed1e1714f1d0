package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/mapleleafu/tabletop/tabletop-backend/middleware"
	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticator checks the credentials of a join request before the socket
// may enter the game's room.
type Authenticator interface {
	Authenticate(ctx context.Context, req models.JoinRequest) error
}

// JWTAuthenticator accepts HS256 tokens signed with Secret whose claims allow
// the requested game.
type JWTAuthenticator struct {
	Secret []byte
}

func (a JWTAuthenticator) Authenticate(_ context.Context, req models.JoinRequest) error {
	claims, err := middleware.ValidateToken(a.Secret, req.UserToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if !claims.AllowsGame(req.Game) {
		return fmt.Errorf("%w: user %s may not join game %d", ErrAuthenticationFailed, claims.Username, req.Game)
	}
	return nil
}

// AllowAllAuthenticator accepts every join request. Meant for local
// development with AUTH_MODE=none.
type AllowAllAuthenticator struct{}

func (AllowAllAuthenticator) Authenticate(context.Context, models.JoinRequest) error {
	return nil
}
