package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spyre-sh/spyre/internal/common/shellq"
	"github.com/spyre-sh/spyre/internal/sshpool"
)

// Canonical remote locations. The CLI reads whichever matches the remote
// user's home, so both are installed.
var remoteHomes = []string{"/root", "/home/claude"}

const propagateTimeout = 15 * time.Second

// PropagateAuth refreshes the local token if needed and installs the
// credentials file plus a minimal CLI config into the environment. Failures
// are logged, not returned: a stale remote token degrades to an auth error
// on the next dispatch rather than blocking the caller.
func (m *Manager) PropagateAuth(ctx context.Context, envID string, ch sshpool.Channel) {
	log := m.log.WithEnvID(envID)

	if _, err := m.EnsureFreshToken(ctx); err != nil {
		log.WithError(err).Warn("token refresh before propagation failed")
	}

	file, err := m.ReadLocal()
	if err != nil {
		log.WithError(err).Warn("no local credentials to propagate")
		return
	}
	credsJSON, err := json.Marshal(file)
	if err != nil {
		log.WithError(err).Warn("failed to serialize credentials")
		return
	}

	// Minimal config so the CLI skips its interactive first-run flow.
	configJSON := `{"hasCompletedOnboarding":true,"theme":"dark"}`

	for _, home := range remoteHomes {
		script := installScript(home, string(credsJSON), configJSON)
		res, err := ch.Exec(ctx, script, propagateTimeout)
		if err != nil {
			log.WithError(err).Warn("credential propagation exec failed",
				zap.String("home", home))
			continue
		}
		if res.ExitCode != 0 {
			log.Warn("credential propagation returned non-zero",
				zap.String("home", home),
				zap.Int("exit_code", res.ExitCode),
				zap.String("stderr", truncate(res.Stderr, 200)))
			continue
		}
		log.Debug("credentials installed", zap.String("home", home))
	}
}

// installScript composes the remote write for one home directory. All
// content goes through quoted heredocs so tokens are never shell-expanded.
func installScript(home, credsJSON, configJSON string) string {
	credsPath := home + "/.claude/.credentials.json"
	configPath := home + "/.claude.json"
	return fmt.Sprintf("mkdir -p %s && %s && %s",
		shellq.Quote(home+"/.claude"),
		shellq.WriteFileMode(credsPath, credsJSON, "600"),
		shellq.WriteFileMode(configPath, configJSON, "600"),
	)
}
