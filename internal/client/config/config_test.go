package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"QPMSG_API_URL", "QPMSG_PUSH_PATH", "QPMSG_PROFILE", "QPMSG_DEBUG", "QPMSG_REQUEST_TIMEOUT"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, DefaultAPIURL, cfg.APIURL)
	assert.Equal(t, DefaultPushPath, cfg.PushPath)
	assert.Equal(t, DefaultProfile, cfg.Profile)
	assert.False(t, cfg.Debug)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QPMSG_API_URL", "https://qpoint.example")
	t.Setenv("QPMSG_DEBUG", "true")
	t.Setenv("QPMSG_REQUEST_TIMEOUT", "3s")
	t.Setenv("QPMSG_REQUEST_TIMEOUT_BAD", "nope")

	cfg := Load()
	assert.Equal(t, "https://qpoint.example", cfg.APIURL)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.APIURL = "ftp://x"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.PushPath = "ws"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.RequestTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestPushURL(t *testing.T) {
	got, err := PushURL("https://api.qpoint.example/", "/ws/websocket")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.qpoint.example/ws/websocket", got)

	got, err = PushURL("http://localhost:8080", "/ws/websocket")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/websocket", got)

	_, err = PushURL("gopher://x", "/ws")
	assert.Error(t, err)
}
