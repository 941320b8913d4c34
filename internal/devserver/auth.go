package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// TokenClaims mirrors the platform's access token: subject is the email, plus uid and username.
type TokenClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 bearer tokens for seeded users.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	store  Store
}

func NewAuthenticator(secret string, ttl time.Duration, store Store) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, store: store}
}

func (a *Authenticator) Issue(u User) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		UserID:   u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) Verify(token string) (*TokenClaims, error) {
	var claims TokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == 0 || claims.Username == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Login checks a bcrypt password and returns a fresh token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, error) {
	u, err := a.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.Issue(u)
}

// Principal resolves the user behind an "Authorization: Bearer" value.
func (a *Authenticator) Principal(ctx context.Context, header string) (User, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return User{}, ErrInvalidToken
	}
	claims, err := a.Verify(token)
	if err != nil {
		return User{}, err
	}
	u, err := a.store.UserByID(ctx, claims.UserID)
	if err != nil {
		return User{}, ErrInvalidToken
	}
	return u, nil
}

func (a *Authenticator) fromRequest(r *http.Request) (User, error) {
	return a.Principal(r.Context(), r.Header.Get("Authorization"))
}

// HashPassword is used when seeding users.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
