package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpoint/qpmsg/internal/client/models"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-known-to-client"))
	require.NoError(t, err)
	return tok
}

type profileFunc func(ctx context.Context) (models.Principal, error)

func (f profileFunc) CurrentUser(ctx context.Context) (models.Principal, error) { return f(ctx) }

func TestFromClaims(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"sub": "pat@example.com", "uid": 17, "username": "pat", "exp": time.Now().Add(time.Hour).Unix()})

	p, err := FromClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, models.Principal{ID: 17, Username: "pat"}, p)
}

func TestFromClaimsStringUID(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"uid": "23", "username": "kim"})

	p, err := FromClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(23), p.ID)
}

func TestFromClaimsIncomplete(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"sub": "pat@example.com"})

	_, err := FromClaims(tok)
	assert.ErrorIs(t, err, ErrIncompleteClaims)
}

func TestFromClaimsGarbage(t *testing.T) {
	_, err := FromClaims("not-a-jwt")
	assert.Error(t, err)
}

func TestResolvePrefersProfile(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"uid": 17, "username": "pat"})
	src := profileFunc(func(ctx context.Context) (models.Principal, error) {
		return models.Principal{ID: 17, Username: "pat", DisplayName: "Pat P", AvatarRef: "a.png"}, nil
	})

	p, err := Resolve(context.Background(), tok, src)
	require.NoError(t, err)
	assert.Equal(t, "Pat P", p.Name())
}

func TestResolveFallsBackToClaims(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"uid": 17, "username": "pat"})
	src := profileFunc(func(ctx context.Context) (models.Principal, error) {
		return models.Principal{}, errors.New("down")
	})

	p, err := Resolve(context.Background(), tok, src)
	require.NoError(t, err)
	assert.Equal(t, models.Principal{ID: 17, Username: "pat"}, p)
}

func TestResolveFailsWithoutEither(t *testing.T) {
	src := profileFunc(func(ctx context.Context) (models.Principal, error) {
		return models.Principal{}, errors.New("down")
	})

	_, err := Resolve(context.Background(), "opaque", src)
	assert.Error(t, err)
}

type rejectedErr struct{}

func (rejectedErr) Error() string      { return "status 401" }
func (rejectedErr) Unauthorized() bool { return true }

func TestResolveDoesNotFallBackWhenRejected(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"uid": 17, "username": "pat"})
	src := profileFunc(func(ctx context.Context) (models.Principal, error) {
		return models.Principal{}, rejectedErr{}
	})

	_, err := Resolve(context.Background(), tok, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, rejectedErr{})
}
