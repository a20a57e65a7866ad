package runner

// Outcome results
const (
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultSkipped = "skipped"
)

// Failure classes
const (
	ClassBuild     = "build"
	ClassTransport = "transport"
	ClassMismatch  = "mismatch"
	ClassContract  = "contract"
)

// Outcome is the recorded result of one (step index, engine, method)
// execution.
type Outcome struct {
	StepIndex   int     `json:"step"`
	Engine      string  `json:"engine"`
	Method      string  `json:"method"`
	Description string  `json:"description,omitempty"`
	Endpoint    string  `json:"endpoint"`
	Result      string  `json:"result"`
	Class       string  `json:"class,omitempty"`
	StatusCode  int     `json:"status_code,omitempty"`
	Attempts    int     `json:"attempts,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	DurationMs  float64 `json:"duration_ms"`
}

// Report aggregates a full run. Passed is true iff every outcome passed;
// skipped outcomes only exist downstream of a failure.
type Report struct {
	Passed     bool      `json:"passed"`
	Outcomes   []Outcome `json:"outcomes"`
	DurationMs float64   `json:"duration_ms"`
}

// Failures returns the failed outcomes in report order.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, oc := range r.Outcomes {
		if oc.Result == ResultFail {
			out = append(out, oc)
		}
	}
	return out
}

// Merge folds another report (e.g. a second scenario file) into this one.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Outcomes = append(r.Outcomes, other.Outcomes...)
	r.DurationMs += other.DurationMs
	if !other.Passed {
		r.Passed = false
	}
}
