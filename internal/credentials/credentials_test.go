package credentials

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/sshpool"
)

func TestExpiresWithinSkew(t *testing.T) {
	now := time.Now()

	fresh := &OAuthCredentials{ExpiresAt: now.Add(time.Hour).UnixMilli()}
	assert.False(t, fresh.ExpiresWithinSkew(now))

	nearExpiry := &OAuthCredentials{ExpiresAt: now.Add(30 * time.Second).UnixMilli()}
	assert.True(t, nearExpiry.ExpiresWithinSkew(now), "inside the 60s skew window")

	expired := &OAuthCredentials{ExpiresAt: now.Add(-time.Minute).UnixMilli()}
	assert.True(t, expired.ExpiresWithinSkew(now))
}

func TestReadWriteCredentialsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude", ".credentials.json")

	_, err := ReadFile(path)
	assert.ErrorIs(t, err, ErrNoCredentials)

	file := &CredentialsFile{ClaudeAiOauth: &OAuthCredentials{
		AccessToken:  "at-123",
		RefreshToken: "rt-456",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}}
	require.NoError(t, WriteFileAtomic(path, file))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "at-123", got.ClaudeAiOauth.AccessToken)
	assert.Equal(t, "rt-456", got.ClaudeAiOauth.RefreshToken)
}

func TestEnsureFreshTokenNoRefreshNeeded(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".credentials.json")
	expiry := time.Now().Add(time.Hour)
	require.NoError(t, WriteFileAtomic(path, &CredentialsFile{ClaudeAiOauth: &OAuthCredentials{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    expiry.UnixMilli(),
	}}))

	m := NewManager(path, logger.Default())
	defer m.Close()

	res, err := m.EnsureFreshToken(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.WithinDuration(t, expiry, res.ExpiresAt, time.Second)
}

func TestBeginLoginRecordsPendingState(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "c.json"), logger.Default())
	defer m.Close()

	url, state, err := m.BeginLogin()
	require.NoError(t, err)
	assert.Contains(t, url, "code_challenge=")
	assert.Contains(t, url, "state="+state)
	assert.Equal(t, StateWaitingForOAuth, m.State())

	err = m.CompleteLogin(context.Background(), "code", "bogus-state")
	assert.Error(t, err, "unknown state is rejected")
}

func TestPendingLoginGC(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "c.json"), logger.Default())
	defer m.Close()

	_, state, err := m.BeginLogin()
	require.NoError(t, err)

	// Not yet stale.
	m.gcPending(time.Now())
	m.mu.Lock()
	_, ok := m.pending[state]
	m.mu.Unlock()
	assert.True(t, ok)

	// Past the 10-minute TTL.
	m.gcPending(time.Now().Add(11 * time.Minute))
	m.mu.Lock()
	_, ok = m.pending[state]
	m.mu.Unlock()
	assert.False(t, ok)
}

type recordingChannel struct {
	commands []string
}

func (r *recordingChannel) Exec(ctx context.Context, command string, timeout time.Duration) (*sshpool.ExecResult, error) {
	r.commands = append(r.commands, command)
	return &sshpool.ExecResult{}, nil
}

func (r *recordingChannel) Stream(ctx context.Context, command string, onStdout, onStderr func([]byte)) (int, error) {
	return 0, nil
}

func (r *recordingChannel) Addr() string { return "test:22" }
func (r *recordingChannel) Close() error { return nil }

func TestPropagateAuthWritesBothHomes(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".credentials.json")
	require.NoError(t, WriteFileAtomic(path, &CredentialsFile{ClaudeAiOauth: &OAuthCredentials{
		AccessToken:  "at'with'quotes",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}}))

	m := NewManager(path, logger.Default())
	defer m.Close()

	ch := &recordingChannel{}
	m.PropagateAuth(context.Background(), "env-1", ch)

	require.Len(t, ch.commands, 2)
	assert.Contains(t, ch.commands[0], "/root/.claude/.credentials.json")
	assert.Contains(t, ch.commands[1], "/home/claude/.claude/.credentials.json")
	for _, cmd := range ch.commands {
		assert.Contains(t, cmd, "chmod 600")
		assert.Contains(t, cmd, `"hasCompletedOnboarding":true`)
		assert.Contains(t, cmd, "<< 'SPYRE_FILE_EOF'", "content goes through a quoted heredoc")
	}
}

func TestPropagateAuthMissingCredentialsIsBestEffort(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"), logger.Default())
	defer m.Close()

	ch := &recordingChannel{}
	m.PropagateAuth(context.Background(), "env-1", ch)
	assert.Empty(t, ch.commands, "nothing to install, caller not blocked")
}

func TestInstallScriptQuoting(t *testing.T) {
	script := installScript("/root", `{"token":"a'b"}`, `{}`)
	assert.True(t, strings.HasPrefix(script, "mkdir -p '/root/.claude'"))
	assert.Contains(t, script, `a'b`)
	assert.NotContains(t, script, "$(", "no command substitution sneaks in")
}
