// Package errclass classifies raw provider error text into the error taxonomy
// surfaced to API callers. Providers report failures as free-form strings with
// wildly different vocabularies, so classification is keyword-based and kept
// pluggable: call sites take a Classifier func, and new provider vocabularies
// are added here without touching them.
package errclass

import (
	"strings"

	"github.com/hammerpath/avatarcast/internal/models"
)

// Classifier maps a raw provider error message to a taxonomy class.
type Classifier func(message string) models.ErrorType

// Classify is the default Classifier.
func Classify(message string) models.ErrorType {
	lower := strings.ToLower(message)

	switch {
	case containsAny(lower, "insufficient credit", "insufficient balance", "out of credits", "quota exceeded", "exceeded your current quota", "not enough credits", "billing"):
		return models.ErrorCreditExhausted
	case containsAny(lower, "rate limit", "too many requests", "429", "throttl"):
		return models.ErrorRateLimited
	case containsAny(lower, "unauthorized", "invalid api key", "invalid token", "401", "403", "forbidden", "authentication"):
		return models.ErrorAuth
	case containsAny(lower, "invalid param", "invalid request", "bad request", "validation", "unsupported", "400"):
		return models.ErrorInvalidParams
	default:
		return models.ErrorAPI
	}
}

// Fallbackable reports whether a failure of this class justifies substituting
// a fallback model. Credit exhaustion and auth failures are account-level, not
// model-level — switching models cannot fix them, so they surface immediately.
func Fallbackable(class models.ErrorType) bool {
	switch class {
	case models.ErrorCreditExhausted, models.ErrorAuth:
		return false
	default:
		return true
	}
}

// UserAction returns the actionable hint attached to error responses.
func UserAction(class models.ErrorType) string {
	switch class {
	case models.ErrorCreditExhausted:
		return "Add credits to your account and try again."
	case models.ErrorRateLimited:
		return "The provider is rate limiting requests. Wait a minute and retry."
	case models.ErrorAuth:
		return "The provider rejected our credentials. Contact support."
	case models.ErrorInvalidParams:
		return "Check the model, image, and scene prompts in your request."
	default:
		return "The video provider returned an error. Retry, or try a different model."
	}
}

// rewrite maps known provider error substrings to user-actionable messages.
// Matching is case-insensitive on the key. Unrecognized errors pass through
// verbatim.
var rewrites = []struct {
	substring string
	message   string
}{
	{"public error unsafe audio", "The script was flagged by the provider's audio content filter. Rephrase the spoken lines and retry."},
	{"audio content filter", "The script was flagged by the provider's audio content filter. Rephrase the spoken lines and retry."},
	{"content policy", "The prompt was flagged by the provider's content policy. Adjust the scene description and retry."},
	{"risk control", "The prompt was flagged by the provider's moderation system. Adjust the scene description and retry."},
	{"rai media", "The video was blocked by the provider's safety filters. Adjust the prompt and retry."},
	{"face swap", "The reference image was rejected by the provider's likeness policy. Use a different image."},
}

// Humanize rewrites known provider error substrings into actionable messages.
func Humanize(message string) string {
	lower := strings.ToLower(message)
	for _, r := range rewrites {
		if strings.Contains(lower, r.substring) {
			return r.message
		}
	}
	return message
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
