package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorizeError(t *testing.T) {
	cases := []struct {
		name   string
		exit   int
		stderr string
		stdout string
		want   string
	}{
		{"auth expired", 1, "Error: not authenticated", "", CodeAuthExpired},
		{"unauthorized", 1, "", "request failed: Unauthorized", CodeAuthExpired},
		{"invalid key", 1, "invalid API key", "", CodeAuthExpired},
		{"rate limit text", 1, "rate limit exceeded", "", CodeRateLimited},
		{"http 429", 1, "server returned 429", "", CodeRateLimited},
		{"conn refused", 1, "connect ECONNREFUSED 1.2.3.4", "", CodeNetworkError},
		{"conn reset", 1, "read ECONNRESET", "", CodeNetworkError},
		{"timed out", 1, "operation timed out", "", CodeTimeout},
		{"cli missing", 127, "bash: claude: command not found", "", CodeCLINotFound},
		{"ssh refused", 1, "ssh: connection refused", "", CodeSSHError},
		{"signal kill", 137, "", "", CodeProcessCrash},
		{"plain failure", 2, "something went wrong", "", CodeTaskFailed},
		{"nothing", 0, "", "", CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CategorizeError(tc.exit, tc.stderr, tc.stdout))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	for _, code := range []string{CodeRateLimited, CodeNetworkError, CodeTimeout, CodeSSHError, CodeProcessCrash} {
		assert.True(t, IsRetryable(code), code)
	}
	for _, code := range []string{CodeAuthExpired, CodeAuthHang, CodeCLINotFound, CodeTaskFailed, CodeUnknown} {
		assert.False(t, IsRetryable(code), code)
	}
}

func TestTaskStatusForCode(t *testing.T) {
	assert.Equal(t, "auth_required", taskStatusForCode(CodeAuthExpired))
	assert.Equal(t, "auth_required", taskStatusForCode(CodeAuthHang))
	assert.Equal(t, "error", taskStatusForCode(CodeTimeout))
}
