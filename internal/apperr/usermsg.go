package apperr

// Guidance is a human-readable explanation of a failure with an optional
// fix suggestion. Everything here is safe to show in a UI: no stack traces,
// no raw upstream payloads.
type Guidance struct {
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// guidanceTable maps codes that a user can act on to advice. Codes absent
// from this table fall back to the filtered message alone.
var guidanceTable = map[string]Guidance{
	CodeAuthFailed: {
		Message:    "The provider rejected your credentials.",
		Suggestion: "Check the API key in your settings and make sure it has not expired.",
	},
	CodeRateLimited: {
		Message:    "The provider is rate-limiting requests.",
		Suggestion: "Wait a moment and try again, or reduce the queue concurrency.",
	},
	CodeModelCapability: {
		Message:    "The configured model does not support this operation.",
		Suggestion: "Switch to a model that supports structured output.",
	},
	CodeContextTooLarge: {
		Message:    "The note is too large for the configured model's context window.",
		Suggestion: "Split the note or switch to a model with a larger context window.",
	},
}

// Guide returns user-facing guidance for code, or ok=false when the code
// has no actionable advice (unknown codes included).
func Guide(code string) (Guidance, bool) {
	g, ok := guidanceTable[code]
	return g, ok
}

// Filter reduces an arbitrary error to the form safe to surface: code plus
// short message, details stripped. Errors without a code surface as UNKNOWN
// with a generic message so raw internals never leak.
func Filter(err error) *AppError {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	if code == "" {
		return &AppError{Code: "UNKNOWN", Message: "an unexpected error occurred"}
	}
	return &AppError{Code: code, Message: err.Error()}
}
