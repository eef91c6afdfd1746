package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spyre-sh/spyre/internal/common/logger"
)

const (
	tokenEndpoint     = "https://console.anthropic.com/v1/oauth/token"
	authorizeEndpoint = "https://claude.ai/oauth/authorize"
	oauthClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	redirectURI       = "https://console.anthropic.com/oauth/code/callback"
	oauthScopes       = "org:create_api_key user:profile user:inference"

	// pendingTTL bounds how long an unfinished PKCE login survives.
	pendingTTL = 10 * time.Minute
)

// FreshResult is the outcome of an EnsureFreshToken call.
type FreshResult struct {
	Refreshed bool
	ExpiresAt time.Time
}

type pendingLogin struct {
	verifier  string
	createdAt time.Time
}

// Manager owns the local credentials file: reading, proactive refresh, and
// the PKCE login flow. It is the single writer of the file.
type Manager struct {
	mu      sync.Mutex
	path    string
	state   string
	pending map[string]pendingLogin // keyed by state parameter
	client  *http.Client
	log     *logger.Logger

	stopGC chan struct{}
	gcOnce sync.Once
}

// NewManager creates a credentials manager over the given file path. An
// empty path uses the default location.
func NewManager(path string, log *logger.Logger) *Manager {
	if path == "" {
		path = DefaultPath()
	}
	m := &Manager{
		path:    path,
		state:   StateIdle,
		pending: make(map[string]pendingLogin),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
		stopGC:  make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// Close stops the background PKCE garbage collector.
func (m *Manager) Close() {
	m.gcOnce.Do(func() { close(m.stopGC) })
}

// State returns the current auth state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status summarizes the stored credentials without exposing tokens.
func (m *Manager) Status() (state string, expiresAt time.Time, err error) {
	file, err := ReadFile(m.path)
	if err != nil {
		return m.State(), time.Time{}, err
	}
	return m.State(), time.UnixMilli(file.ClaudeAiOauth.ExpiresAt), nil
}

// BeginLogin starts a PKCE flow: generates a verifier and state, records
// them for the callback, and returns the authorize URL to present.
func (m *Manager) BeginLogin() (authorizeURL, state string, err error) {
	verifier, err := randomToken(32)
	if err != nil {
		return "", "", err
	}
	state, err = randomToken(16)
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	m.pending[state] = pendingLogin{verifier: verifier, createdAt: time.Now()}
	m.state = StateWaitingForOAuth
	m.mu.Unlock()

	challenge := codeChallenge(verifier)
	url := fmt.Sprintf(
		"%s?code=true&client_id=%s&response_type=code&redirect_uri=%s&scope=%s&code_challenge=%s&code_challenge_method=S256&state=%s",
		authorizeEndpoint, oauthClientID, redirectURI, oauthScopes, challenge, state,
	)
	return url, state, nil
}

// CompleteLogin exchanges the authorization code for tokens and persists
// them. The state parameter must match a pending login.
func (m *Manager) CompleteLogin(ctx context.Context, code, state string) error {
	m.mu.Lock()
	pending, ok := m.pending[state]
	if ok {
		delete(m.pending, state)
		m.state = StateWaitingForCallback
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown or expired login state")
	}

	body := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         state,
		"client_id":     oauthClientID,
		"redirect_uri":  redirectURI,
		"code_verifier": pending.verifier,
	}
	creds, err := m.tokenRequest(ctx, body)
	if err != nil {
		m.setState(StateError)
		return err
	}
	if err := WriteFileAtomic(m.path, &CredentialsFile{ClaudeAiOauth: creds}); err != nil {
		m.setState(StateError)
		return err
	}
	m.setState(StateAuthenticated)
	m.log.Info("OAuth login completed",
		zap.Time("expires_at", time.UnixMilli(creds.ExpiresAt)))
	return nil
}

// EnsureFreshToken reads the credentials file and, when the access token
// expires within the skew window, exchanges the refresh token for a new pair
// and rewrites the file atomically.
func (m *Manager) EnsureFreshToken(ctx context.Context) (*FreshResult, error) {
	file, err := ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	creds := file.ClaudeAiOauth

	if !creds.ExpiresWithinSkew(time.Now()) {
		return &FreshResult{Refreshed: false, ExpiresAt: time.UnixMilli(creds.ExpiresAt)}, nil
	}
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("access token expired and no refresh token available")
	}

	m.log.Info("access token near expiry, refreshing",
		zap.Time("expires_at", time.UnixMilli(creds.ExpiresAt)))

	refreshed, err := m.tokenRequest(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": creds.RefreshToken,
		"client_id":     oauthClientID,
	})
	if err != nil {
		m.setState(StateError)
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	if len(refreshed.Scopes) == 0 {
		refreshed.Scopes = creds.Scopes
	}
	if refreshed.SubscriptionType == "" {
		refreshed.SubscriptionType = creds.SubscriptionType
	}

	if err := WriteFileAtomic(m.path, &CredentialsFile{ClaudeAiOauth: refreshed}); err != nil {
		return nil, err
	}
	m.setState(StateAuthenticated)
	return &FreshResult{Refreshed: true, ExpiresAt: time.UnixMilli(refreshed.ExpiresAt)}, nil
}

// ReadLocal exposes the current credentials for propagation.
func (m *Manager) ReadLocal() (*CredentialsFile, error) {
	return ReadFile(m.path)
}

func (m *Manager) setState(state string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	Scope        string `json:"scope"`
}

func (m *Manager) tokenRequest(ctx context.Context, body map[string]string) (*OAuthCredentials, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &OAuthCredentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

// gcLoop drops pending PKCE logins older than the TTL.
func (m *Manager) gcLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopGC:
			return
		case <-ticker.C:
			m.gcPending(time.Now())
		}
	}
}

func (m *Manager) gcPending(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for state, p := range m.pending {
		if now.Sub(p.createdAt) > pendingTTL {
			delete(m.pending, state)
		}
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
