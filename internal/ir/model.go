package ir

import "time"

// Body source kinds (string constants for portability)
const (
	BodyNone   = "none"
	BodyJSON   = "json"
	BodyNDJSON = "ndjson"
	BodyFile   = "file"
)

// Status expectation modes
const (
	StatusDefault = "default" // no status_code field: any 2xx passes
	StatusAny     = "any"     // status_code: null — anything goes, failures included
	StatusExact   = "exact"   // status_code: <int> — must match exactly
)

// Scenario is an ordered sequence of steps parsed from one fixture file.
// It is immutable once parsed; all per-run state lives in the runner.
type Scenario struct {
	Steps []Step
}

// Step is one request/expectation unit. A step with several methods is
// executed once per method against every applicable engine.
type Step struct {
	Description string
	Methods     []string
	APIRoot     string // overrides the effective base path for this and later steps
	Endpoint    string
	Headers     map[string]string
	Params      map[string]string

	BodyKind   string
	JSONBody   any
	NDJSONBody []any
	BodyFile   string

	NumRetries int
	SleepAfter time.Duration
	Engines    []string // empty means all configured engines

	Status   StatusExpect
	Expected *ExpectedBody // nil means status-only validation
}

type StatusExpect struct {
	Mode string
	Code int // set only for StatusExact
}

// ExpectedBody holds the expected response records. An empty Records slice
// demands an empty actual sequence.
type ExpectedBody struct {
	Records []ExpectedRecord
}

// ExpectedRecord is one expected JSON object. Ignored lists keys that were
// disabled in the fixture (written with a leading '#'); they document an
// expected value without being compared.
type ExpectedRecord struct {
	Fields  map[string]any
	Ignored []string
}

// AppliesTo reports whether the step targets the named engine.
func (s *Step) AppliesTo(engine string) bool {
	if len(s.Engines) == 0 {
		return true
	}
	for _, e := range s.Engines {
		if e == engine {
			return true
		}
	}
	return false
}
