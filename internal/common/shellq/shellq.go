// Package shellq centralizes shell quoting and heredoc composition for every
// remote exec path. Commands sent over SSH are interpreted by the remote
// shell, so all user-influenced strings must pass through Quote, and file
// content must be written with WriteFile or AppendFile.
package shellq

import (
	"fmt"
	"strings"
)

// Heredoc sentinel markers. They are chosen not to appear in legitimate file
// content; WriteFile falls back to a longer marker when the content collides.
const (
	FileEOF   = "SPYRE_FILE_EOF"
	ScriptEOF = "SPYRE_SCRIPT_EOF"
	JSONEOF   = "SPYRE_JSON_EOF"
)

// Quote wraps s in single quotes, escaping embedded single quotes with the
// standard '\'' sequence so the remote shell sees the literal string.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every argument and joins them with spaces.
func QuoteAll(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// sentinelFor returns a heredoc marker guaranteed not to occur in content.
func sentinelFor(base, content string) string {
	marker := base
	for strings.Contains(content, marker) {
		marker += "_X"
	}
	return marker
}

// WriteFile returns a command that writes content to path via a quoted
// heredoc. The quoted marker ('EOF') suppresses variable interpolation.
func WriteFile(path, content string) string {
	marker := sentinelFor(FileEOF, content)
	return fmt.Sprintf("cat > %s << '%s'\n%s\n%s", Quote(path), marker, content, marker)
}

// AppendFile returns a command that appends content to path via a quoted heredoc.
func AppendFile(path, content string) string {
	marker := sentinelFor(FileEOF, content)
	return fmt.Sprintf("cat >> %s << '%s'\n%s\n%s", Quote(path), marker, content, marker)
}

// WriteFileMode returns a command that writes content to path and then
// applies the given chmod mode (e.g. "600").
func WriteFileMode(path, content, mode string) string {
	return WriteFile(path, content) + fmt.Sprintf("\nchmod %s %s", mode, Quote(path))
}

// RunScript returns a command that writes script content to a temp file,
// executes it with the interpreter, and removes the file afterwards.
func RunScript(interpreter, content string) string {
	marker := sentinelFor(ScriptEOF, content)
	tmp := "/tmp/spyre-script.$$"
	return fmt.Sprintf("cat > %s << '%s'\n%s\n%s\n%s %s; rc=$?; rm -f %s; exit $rc",
		tmp, marker, content, marker, interpreter, tmp, tmp)
}

// DockerExec wraps an inner command so it runs inside a docker container on
// the remote host. The inner command is quoted once for the remote shell and
// once more for the bash -c invocation inside the container.
func DockerExec(container, inner string) string {
	return fmt.Sprintf("docker exec %s bash -c %s", Quote(container), Quote(inner))
}

// WithWorkingDir prepends a cd when dir is non-empty.
func WithWorkingDir(dir, cmd string) string {
	if dir == "" {
		return cmd
	}
	return fmt.Sprintf("cd %s && %s", Quote(dir), cmd)
}
