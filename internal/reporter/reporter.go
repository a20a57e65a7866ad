package reporter

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"apiparity/internal/runner"
	"apiparity/internal/surface"
)

// -------- JSON --------

func WriteJSON(w io.Writer, rep *runner.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func WriteCoverage(w io.Writer, cov map[string]surface.CoverageReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cov)
}

// -------- JUnit XML --------

// Minimal JUnit schema: testsuite -> testcase (+failure/skipped)
type junitTestsuite struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     string          `xml:"time,attr"`
	Testcase []junitTestcase `xml:"testcase"`
}

type junitTestcase struct {
	Classname string        `xml:"classname,attr"`
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Text    string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr"`
}

// WriteJUnit renders one testcase per (step, engine, method) outcome, with
// the engine as the classname so CI groups lanes together.
func WriteJUnit(w io.Writer, suiteName string, rep *runner.Report) error {
	var failures, skipped int
	cases := make([]junitTestcase, 0, len(rep.Outcomes))

	for _, oc := range rep.Outcomes {
		tc := junitTestcase{
			Classname: oc.Engine,
			Name:      CaseName(oc),
			Time:      fmt.Sprintf("%.3f", oc.DurationMs/1000.0),
		}
		switch oc.Result {
		case runner.ResultFail:
			failures++
			tc.Failure = &junitFailure{
				Message: firstLine(oc.Detail),
				Type:    oc.Class,
				Text:    oc.Detail,
			}
		case runner.ResultSkipped:
			skipped++
			tc.Skipped = &junitSkipped{Message: oc.Detail}
		}
		cases = append(cases, tc)
	}

	ts := junitTestsuite{
		Name:     suiteName,
		Tests:    len(cases),
		Failures: failures,
		Skipped:  skipped,
		Time:     fmt.Sprintf("%.3f", rep.DurationMs/1000.0),
		Testcase: cases,
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return enc.Encode(ts)
}

// -------- Text summary --------

// WriteSummary prints failing outcomes with their diagnostics, one block per
// failure, fixture-debugging friendly.
func WriteSummary(w io.Writer, rep *runner.Report) {
	for _, oc := range rep.Failures() {
		fmt.Fprintf(w, "\nFAILED %s [%s]\n", CaseName(oc), oc.Engine)
		if oc.Description != "" {
			fmt.Fprintf(w, "  %s\n", oc.Description)
		}
		fmt.Fprintf(w, "  class=%s status=%d attempts=%d\n", oc.Class, oc.StatusCode, oc.Attempts)
		for _, line := range strings.Split(oc.Detail, "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

// CaseName is the stable display name for an outcome.
func CaseName(oc runner.Outcome) string {
	return fmt.Sprintf("step-%02d %s %s", oc.StepIndex+1, oc.Method, oc.Endpoint)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
