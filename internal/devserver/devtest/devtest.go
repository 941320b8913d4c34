// Package devtest starts an in-memory development store for tests.
package devtest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qpoint/qpmsg/internal/devserver"
)

type Env struct {
	Server *devserver.Server
	HTTP   *httptest.Server
	Users  map[string]devserver.User
	Tokens map[string]string
}

// Start runs a devserver seeded with users (DefaultSeed when none are given) and issues a token for each.
func Start(t *testing.T, users ...devserver.SeedUser) *Env {
	t.Helper()
	if len(users) == 0 {
		users = devserver.DefaultSeed
	}

	srv := devserver.New(devserver.Options{Secret: "test-secret", MaxConnsPerIP: 100, LoginsPerMinute: 100})
	seeded, err := devserver.Seed(context.Background(), srv.Store(), users)
	require.NoError(t, err)

	env := &Env{
		Server: srv,
		HTTP:   httptest.NewServer(srv),
		Users:  map[string]devserver.User{},
		Tokens: map[string]string{},
	}
	t.Cleanup(func() {
		_ = srv.Close()
		env.HTTP.Close()
	})

	for _, u := range seeded {
		tok, err := srv.Auth().Issue(u)
		require.NoError(t, err)
		env.Users[u.Username] = u
		env.Tokens[u.Username] = tok
	}
	return env
}

// URL is the REST origin.
func (e *Env) URL() string {
	return e.HTTP.URL
}

// PushURL is the STOMP WebSocket endpoint.
func (e *Env) PushURL() string {
	return "ws" + strings.TrimPrefix(e.HTTP.URL, "http") + "/ws/websocket"
}

// ID returns the id of a seeded user.
func (e *Env) ID(username string) int64 {
	return e.Users[username].ID
}
