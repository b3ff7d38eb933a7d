package apperr

// Category groups error codes by what kind of failure they represent.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryParse
	CategoryAPI
	CategoryAuth
	CategoryCapability
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryParse:
		return "PARSE_ERROR"
	case CategoryAPI:
		return "API_ERROR"
	case CategoryAuth:
		return "AUTH_ERROR"
	case CategoryCapability:
		return "CAPABILITY_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Strategy tells the retry executor how to space attempts.
type Strategy int

const (
	// StrategyNoRetry means the failure is terminal.
	StrategyNoRetry Strategy = iota
	// StrategyStructured retries immediately with no delay; the growing
	// error history is fed back into the operation so it can adapt.
	StrategyStructured
	// StrategyBackoff retries with exponential backoff.
	StrategyBackoff
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyStructured:
		return "STRUCTURED"
	case StrategyBackoff:
		return "EXPONENTIAL_BACKOFF"
	default:
		return "NO_RETRY"
	}
}

// Classification is the classifier's verdict for one error code.
type Classification struct {
	Category  Category
	Strategy  Strategy
	Retryable bool
}

// classTable is the single source of truth for code classification, keyed
// by inclusive code range. Checked in order; first match wins.
var classTable = []struct {
	from, to string
	class    Classification
}{
	{"E001", "E010", Classification{CategoryParse, StrategyStructured, true}},
	{"E100", "E102", Classification{CategoryAPI, StrategyBackoff, true}},
	{"E103", "E103", Classification{CategoryAuth, StrategyNoRetry, false}},
	{"E200", "E201", Classification{CategoryCapability, StrategyNoRetry, false}},
}

// Classify maps an error code to its category, retry strategy, and
// retryability. Codes outside every known range classify as Unknown and
// are not retried, so an unanticipated failure can never loop forever.
func Classify(code string) Classification {
	if !validCode(code) {
		return Classification{CategoryUnknown, StrategyNoRetry, false}
	}
	for _, r := range classTable {
		if code >= r.from && code <= r.to {
			return r.class
		}
	}
	return Classification{CategoryUnknown, StrategyNoRetry, false}
}

// validCode reports whether code has the canonical E-prefixed three-digit
// form. Fixed-width digit strings order numerically, so the range checks
// above can stay plain string comparisons.
func validCode(code string) bool {
	if len(code) != 4 || code[0] != 'E' {
		return false
	}
	for i := 1; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// ClassifyErr classifies the code carried by err.
func ClassifyErr(err error) Classification {
	return Classify(CodeOf(err))
}
