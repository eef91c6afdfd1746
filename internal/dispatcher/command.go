package dispatcher

import (
	"fmt"
	"strings"

	"github.com/spyre-sh/spyre/internal/common/shellq"
)

// Default capability list granted to CLI invocations.
var defaultAllowedTools = []string{
	"Bash", "Read", "Write", "Edit", "Glob", "Grep", "WebFetch", "Task",
}

// exports disable non-essential traffic, telemetry, and the autoupdater so
// a headless invocation never stalls on network chatter.
const exports = "export CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC=1 " +
	"DISABLE_TELEMETRY=1 DISABLE_AUTOUPDATER=1"

// commandSpec is everything needed to assemble the remote shell command.
type commandSpec struct {
	binary        string
	prompt        string
	resumeSession string
	model         string
	allowedTools  []string
	workingDir    string
	container     string // dev-container name; empty for host dispatch
}

// compose assembles the single remote shell command for a task:
// exports, then the CLI wrapped in a PTY allocator (the CLI blocks on its
// startup handshake without one), with optional cd prefix and docker exec
// wrapping for dev-container dispatch.
func compose(spec commandSpec) string {
	tools := spec.allowedTools
	if len(tools) == 0 {
		tools = defaultAllowedTools
	}

	var invocation strings.Builder
	invocation.WriteString(spec.binary)
	if spec.resumeSession != "" {
		invocation.WriteString(" --resume " + shellq.Quote(spec.resumeSession))
	}
	invocation.WriteString(" -p " + shellq.Quote(spec.prompt))
	invocation.WriteString(" --output-format stream-json --verbose")
	if spec.model != "" {
		invocation.WriteString(" --model " + shellq.Quote(spec.model))
	}
	invocation.WriteString(" --allowedTools " + shellq.Quote(strings.Join(tools, ",")))

	pty := fmt.Sprintf("script -qc %s /dev/null", shellq.Quote(invocation.String()))
	cmd := exports + " && " + pty
	cmd = shellq.WithWorkingDir(spec.workingDir, cmd)

	if spec.container != "" {
		cmd = shellq.DockerExec(spec.container, cmd)
	}
	return cmd
}

// cliProbe is the command used to verify the CLI binary is discoverable.
func cliProbe(binary, container string) string {
	cmd := "command -v " + shellq.Quote(binary)
	if container != "" {
		cmd = shellq.DockerExec(container, cmd)
	}
	return cmd
}

// authProbe checks login state out-of-band while the watchdog is pending.
func authProbe(binary string) string {
	return exports + " && " + binary + " auth status 2>&1; cat ~/.claude/.credentials.json 2>/dev/null"
}
