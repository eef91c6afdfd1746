// Package credentials manages the controller's OAuth credentials and their
// propagation into managed environments.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Auth states of the manager.
const (
	StateIdle               = "idle"
	StateWaitingForOAuth    = "waiting_for_oauth"
	StateWaitingForCallback = "waiting_for_callback"
	StateAuthenticated      = "authenticated"
	StateError              = "error"
)

// expirySkew is subtracted from the stored expiry before comparison so a
// token about to expire mid-task is refreshed up front.
const expirySkew = 60 * time.Second

// OAuthCredentials is the claudeAiOauth block of the credentials file.
type OAuthCredentials struct {
	AccessToken      string   `json:"accessToken"`
	RefreshToken     string   `json:"refreshToken"`
	ExpiresAt        int64    `json:"expiresAt"` // milliseconds since epoch
	Scopes           []string `json:"scopes,omitempty"`
	SubscriptionType string   `json:"subscriptionType,omitempty"`
}

// CredentialsFile is the on-disk layout of ~/.claude/.credentials.json.
type CredentialsFile struct {
	ClaudeAiOauth *OAuthCredentials `json:"claudeAiOauth"`
}

// ErrNoCredentials is returned when the credentials file is absent or holds
// no OAuth block.
var ErrNoCredentials = errors.New("no credentials on file")

// ExpiresWithinSkew reports whether the token is expired or expires inside
// the refresh skew window.
func (c *OAuthCredentials) ExpiresWithinSkew(now time.Time) bool {
	expiry := time.UnixMilli(c.ExpiresAt)
	return !now.Add(expirySkew).Before(expiry)
}

// DefaultPath returns the local credentials file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude/.credentials.json"
	}
	return filepath.Join(home, ".claude", ".credentials.json")
}

// ReadFile loads and parses a credentials file. Readers tolerate missing
// optional fields; only the OAuth block itself is required.
func ReadFile(path string) (*CredentialsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}
	var file CredentialsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if file.ClaudeAiOauth == nil || file.ClaudeAiOauth.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return &file, nil
}

// WriteFileAtomic rewrites the credentials file via a temp file + rename so
// concurrent readers never observe a partial write. Mode 600 throughout.
func WriteFileAtomic(path string, file *CredentialsFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
