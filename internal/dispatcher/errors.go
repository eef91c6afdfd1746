package dispatcher

import "strings"

// Task error taxonomy codes.
const (
	CodeAuthExpired  = "AUTH_EXPIRED"
	CodeAuthHang     = "AUTH_HANG"
	CodeRateLimited  = "RATE_LIMITED"
	CodeNetworkError = "NETWORK_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeCLINotFound  = "CLI_NOT_FOUND"
	CodeSSHError     = "SSH_ERROR"
	CodeProcessCrash = "PROCESS_CRASH"
	CodeTaskFailed   = "TASK_FAILED"
	CodeUnknown      = "UNKNOWN"
)

// CategorizeError maps a finished CLI invocation to a taxonomy code.
// Classification is substring-based over the combined output; the first
// matching category wins, ordered by specificity.
func CategorizeError(exitCode int, stderr, stdout string) string {
	combined := strings.ToLower(stderr + "\n" + stdout)

	switch {
	case containsAny(combined, "not authenticated", "unauthorized", "invalid api key", "oauth token has expired"):
		return CodeAuthExpired
	case containsAny(combined, "rate limit", "429"):
		return CodeRateLimited
	case containsAny(combined, "econnrefused", "econnreset", "etimedout", "network error"):
		return CodeNetworkError
	case containsAny(combined, "timed out", "timeout exceeded"):
		return CodeTimeout
	case containsAny(combined, "command not found", "no such file"):
		return CodeCLINotFound
	case strings.Contains(combined, "ssh") && containsAny(combined, "connection", "refused"):
		return CodeSSHError
	case exitCode >= 128:
		// Killed by signal.
		return CodeProcessCrash
	case exitCode != 0:
		return CodeTaskFailed
	default:
		return CodeUnknown
	}
}

// IsRetryable reports whether a taxonomy code represents a transient failure.
func IsRetryable(code string) bool {
	switch code {
	case CodeRateLimited, CodeNetworkError, CodeTimeout, CodeSSHError, CodeProcessCrash:
		return true
	}
	return false
}

// taskStatusForCode maps a taxonomy code to the task's terminal status.
func taskStatusForCode(code string) string {
	if code == CodeAuthExpired || code == CodeAuthHang {
		return "auth_required"
	}
	return "error"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
