package errclass

import (
	"testing"

	"github.com/hammerpath/avatarcast/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message string
		want    models.ErrorType
	}{
		{"Insufficient credits for this operation", models.ErrorCreditExhausted},
		{"You exceeded your current quota, please check your plan and billing details", models.ErrorCreditExhausted},
		{"Rate limit exceeded, retry after 60s", models.ErrorRateLimited},
		{"HTTP 429 Too Many Requests", models.ErrorRateLimited},
		{"401 Unauthorized: invalid API key provided", models.ErrorAuth},
		{"403 Forbidden", models.ErrorAuth},
		{"invalid params: aspect_ratio must be one of 16:9, 9:16", models.ErrorInvalidParams},
		{"unsupported generation type for this model", models.ErrorInvalidParams},
		{"internal server error", models.ErrorAPI},
		{"", models.ErrorAPI},
	}

	for _, tc := range cases {
		if got := Classify(tc.message); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.message, got, tc.want)
		}
	}
}

func TestFallbackable(t *testing.T) {
	if Fallbackable(models.ErrorCreditExhausted) {
		t.Error("credit exhaustion must not trigger fallback")
	}
	if Fallbackable(models.ErrorAuth) {
		t.Error("auth errors must not trigger fallback")
	}
	if !Fallbackable(models.ErrorRateLimited) {
		t.Error("rate limits should allow fallback")
	}
	if !Fallbackable(models.ErrorAPI) {
		t.Error("generic provider errors should allow fallback")
	}
	if !Fallbackable(models.ErrorInvalidParams) {
		t.Error("invalid-param errors should allow fallback")
	}
}

func TestHumanizeKnownSubstrings(t *testing.T) {
	msg := Humanize("task failed: Public Error Unsafe Audio detected in output")
	if msg == "task failed: Public Error Unsafe Audio detected in output" {
		t.Error("expected audio filter error to be rewritten")
	}

	passthrough := "some novel provider error nobody has seen"
	if got := Humanize(passthrough); got != passthrough {
		t.Errorf("unrecognized errors must pass through verbatim, got %q", got)
	}
}

func TestUserActionNeverEmpty(t *testing.T) {
	classes := []models.ErrorType{
		models.ErrorCreditExhausted,
		models.ErrorRateLimited,
		models.ErrorAuth,
		models.ErrorInvalidParams,
		models.ErrorAPI,
	}
	for _, c := range classes {
		if UserAction(c) == "" {
			t.Errorf("empty user action for %s", c)
		}
	}
}
