package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	originalData := "This is a secret message"

	encrypted, err := encrypt("default", []byte(originalData))
	require.NoError(t, err)
	require.NotEmpty(t, encrypted)

	decrypted, err := decrypt("default", encrypted)
	require.NoError(t, err)
	assert.Equal(t, originalData, string(decrypted))
}

func TestDecryptWrongProfile(t *testing.T) {
	encrypted, err := encrypt("work", []byte("token"))
	require.NoError(t, err)

	_, err = decrypt("home", encrypted)
	assert.Error(t, err)
}

func TestSaveLoadClear(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Load("default")
	assert.ErrorIs(t, err, ErrNoSession)

	want := Session{APIURL: "https://qpoint.example", Token: "eyJhbGciOi.payload.sig"}
	require.NoError(t, Save("default", want))

	raw, err := os.ReadFile(filepath.Join(GetConfigDir("default"), sessionFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), want.Token)

	got, err := Load("default")
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	require.NoError(t, Clear("default"))
	_, err = Load("default")
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, Clear("default"))
}

func TestLoadMigratesPlaintext(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir := GetConfigDir("legacy")
	require.NoError(t, os.MkdirAll(dir, 0700))
	plain, err := json.Marshal(Session{APIURL: "http://localhost:8080", Token: "tok"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionFile), plain, 0600))

	got, err := Load("legacy")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)

	raw, err := os.ReadFile(filepath.Join(dir, sessionFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"token"`)
}
