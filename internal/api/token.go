package api

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxhall/voxhall/internal/domain"
)

var ErrMalformedToken = errors.New("malformed session token")

// TokenClaims are the audio-session token claims the server mints.
type TokenClaims struct {
	RoomID domain.RoomID `json:"roomId"`
	jwt.RegisteredClaims
}

// PeekToken extracts room and identity from a session token without
// verifying the signature; the client holds no signing key, verification is
// the media server's job.
func PeekToken(token string) (domain.RoomID, domain.UserID, error) {
	parser := jwt.NewParser()
	var claims TokenClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.RoomID == "" || claims.Subject == "" {
		return "", "", ErrMalformedToken
	}
	return claims.RoomID, domain.UserID(claims.Subject), nil
}
