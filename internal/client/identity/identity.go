// Package identity resolves the authenticated principal from the stored bearer token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/client/debug"
	"github.com/qpoint/qpmsg/internal/client/models"
)

// ProfileSource fetches the principal's profile from the store.
type ProfileSource interface {
	CurrentUser(ctx context.Context) (models.Principal, error)
}

// Claims is the subset of the access token the client reads. The token is issued
// and verified by the platform; the client only decodes it.
type Claims struct {
	UserID   json64 `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// json64 accepts the user id as either a JSON number or a string.
type json64 int64

func (v *json64) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" || s == "" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("uid: %w", err)
	}
	*v = json64(n)
	return nil
}

var ErrIncompleteClaims = errors.New("token carries no uid/username")

// rejected reports whether the store refused the credential itself. Claims are not trusted then.
func rejected(err error) bool {
	var u interface{ Unauthorized() bool }
	return errors.As(err, &u) && u.Unauthorized()
}

// ParseClaims decodes the token without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &claims, nil
}

// FromClaims builds a principal from the token alone.
func FromClaims(token string) (models.Principal, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return models.Principal{}, err
	}
	if claims.UserID == 0 || claims.Username == "" {
		return models.Principal{}, ErrIncompleteClaims
	}
	return models.Principal{ID: int64(claims.UserID), Username: claims.Username}, nil
}

// Resolve returns the principal for token. The profile endpoint is preferred since it carries the
// display name and avatar; the token claims are used when the endpoint is unreachable.
func Resolve(ctx context.Context, token string, src ProfileSource) (models.Principal, error) {
	log := debug.L()

	fromToken, claimsErr := FromClaims(token)
	if src == nil {
		return fromToken, claimsErr
	}

	p, err := src.CurrentUser(ctx)
	if err != nil {
		if claimsErr != nil || rejected(err) {
			return models.Principal{}, fmt.Errorf("resolve principal: %w", errors.Join(err, claimsErr))
		}
		log.Warn("profile lookup failed, using token claims", zap.Error(err))
		return fromToken, nil
	}
	if p.ID == 0 || p.Username == "" {
		if claimsErr != nil {
			return models.Principal{}, fmt.Errorf("resolve principal: incomplete profile: %w", claimsErr)
		}
		p.ID, p.Username = fromToken.ID, fromToken.Username
	}
	return p, nil
}
