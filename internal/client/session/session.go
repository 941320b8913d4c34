package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrNoSession is returned when no credential has been stored for a profile.
var ErrNoSession = errors.New("no stored session, run `qpmsg login` first")

// Session is the persisted credential of one profile.
type Session struct {
	APIURL string `json:"api_url"`
	Token  string `json:"token"`
}

const sessionFile = "session.json"

func GetConfigDir(profileName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "qpmsg", profileName)
}

func machineID() string {
	paths := []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, _ := os.Hostname()
	return hostname
}

// The key is bound to the machine and the profile, so copied session files do not decrypt elsewhere.
func getEncryptionKey(profileName string) ([]byte, error) {
	salt := sha256.Sum256([]byte("qpmsg/session/" + profileName))
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(machineID()), salt[:], []byte("qpmsg session v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func encrypt(profileName string, data []byte) (string, error) {
	key, err := getEncryptionKey(profileName)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aead.Seal(nonce, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(profileName, encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}

	key, err := getEncryptionKey(profileName)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// Load reads the stored session. A plaintext file left by older versions is re-saved encrypted.
func Load(profileName string) (*Session, error) {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return nil, fmt.Errorf("could not get config directory")
	}

	data, err := os.ReadFile(filepath.Join(configDir, sessionFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var s Session
	decrypted, err := decrypt(profileName, string(data))
	if err != nil {
		if jsonErr := json.Unmarshal(data, &s); jsonErr == nil && s.Token != "" {
			if err := Save(profileName, s); err != nil {
				return nil, fmt.Errorf("migrate session: %w", err)
			}
			return &s, nil
		}
		return nil, fmt.Errorf("decrypt session: %w", err)
	}

	if err := json.Unmarshal(decrypted, &s); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	if s.Token == "" {
		return nil, ErrNoSession
	}
	return &s, nil
}

func Save(profileName string, s Session) error {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return fmt.Errorf("could not get config directory")
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	encrypted, err := encrypt(profileName, data)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, sessionFile), []byte(encrypted), 0600)
}

func Clear(profileName string) error {
	configDir := GetConfigDir(profileName)
	if configDir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(configDir, sessionFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
