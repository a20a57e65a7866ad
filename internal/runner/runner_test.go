package runner_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"apiparity/internal/config"
	"apiparity/internal/ir"
	"apiparity/internal/mockengine"
	"apiparity/internal/parser"
	"apiparity/internal/runner"
	"apiparity/internal/surface"
)

const gharchiveScenario = `
description: idempotent cleanup
method: DELETE
endpoint: gharchive
api_root: api/v1
status_code: null
---
description: create index
method: PUT
endpoint: gharchive
json: {index: gharchive}
status_code: 200
---
description: bulk ingest with refresh
method: POST
endpoint: gharchive/_bulk
params: {refresh: "true"}
ndjson:
  - {index: {_index: gharchive}}
  - {id: 1, type: PushEvent}
  - {index: {_index: gharchive}}
  - {id: 2, type: IssuesEvent}
  - {index: {_index: gharchive}}
  - {id: 3, type: WatchEvent}
---
description: cat indices shows the full count
method: GET
endpoint: _cat/indices?index=gharchive&format=json
num_retries: 3
expected:
  - index: gharchive
    docs.count: "3"
    "#uuid": engine specific
`

func parseScenario(t *testing.T, text string) *ir.Scenario {
	t.Helper()
	sc, _, err := parser.New().ParseBytes([]byte(text))
	if err != nil {
		t.Fatalf("parse scenario: %v", err)
	}
	return sc
}

func newRunner(t *testing.T, engines map[string]string) *runner.Runner {
	t.Helper()
	r, err := runner.New(&config.Config{Engines: engines})
	if err != nil {
		t.Fatalf("runner.New: %v", err)
	}
	return r.WithBackoff(time.Millisecond).WithTimeout(2 * time.Second)
}

func TestRunScenario_EndToEndTwoEngines(t *testing.T) {
	srvA := httptest.NewServer(mockengine.New().Handler())
	defer srvA.Close()
	srvB := httptest.NewServer(mockengine.New().Handler())
	defer srvB.Close()

	r := newRunner(t, map[string]string{"quickwit": srvA.URL, "elasticsearch": srvB.URL})
	rep, err := r.RunScenario(context.Background(), parseScenario(t, gharchiveScenario))
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("run should pass, failures: %+v", rep.Failures())
	}
	// 4 steps x 2 engines, one method each.
	if len(rep.Outcomes) != 8 {
		t.Fatalf("got %d outcomes, want 8", len(rep.Outcomes))
	}
}

// faultyBulk forwards everything to a real mock engine but silently drops the
// last document of every bulk request.
func faultyBulk(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_bulk") {
			body, _ := io.ReadAll(r.Body)
			lines := bytes.Split(bytes.TrimRight(body, "\n"), []byte("\n"))
			if len(lines) >= 2 {
				lines = lines[:len(lines)-2] // drop last action+doc pair
			}
			trimmed := append(bytes.Join(lines, []byte("\n")), '\n')
			r.Body = io.NopCloser(bytes.NewReader(trimmed))
			r.ContentLength = int64(len(trimmed))
		}
		inner.ServeHTTP(w, r)
	})
}

func TestRunScenario_DroppedDocumentIsExactlyOneMismatch(t *testing.T) {
	good := httptest.NewServer(mockengine.New().Handler())
	defer good.Close()
	bad := httptest.NewServer(faultyBulk(mockengine.New().Handler()))
	defer bad.Close()

	r := newRunner(t, map[string]string{"good": good.URL, "bad": bad.URL})
	rep, err := r.RunScenario(context.Background(), parseScenario(t, gharchiveScenario))
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if rep.Passed {
		t.Fatal("run should fail")
	}
	fails := rep.Failures()
	if len(fails) != 1 {
		t.Fatalf("want exactly one failure, got %d: %+v", len(fails), fails)
	}
	f := fails[0]
	if f.Engine != "bad" || f.Class != runner.ClassMismatch {
		t.Errorf("failure = %+v, want mismatch on engine bad", f)
	}
	if !strings.Contains(f.Detail, "docs.count") {
		t.Errorf("diagnostic should name docs.count:\n%s", f.Detail)
	}
}

func TestRunScenario_RetryUntilStatusSettles(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 10 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sc := parseScenario(t, "method: GET\nendpoint: health\nnum_retries: 10\nstatus_code: 200\n")
	r := newRunner(t, map[string]string{"qw": srv.URL})
	rep, err := r.RunScenario(context.Background(), sc)
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("bounded eventual consistency should pass: %+v", rep.Failures())
	}
	if got := rep.Outcomes[0].Attempts; got != 10 {
		t.Errorf("attempts = %d, want 10", got)
	}
}

func TestRunScenario_RetriesExhaustedIsMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sc := parseScenario(t, "method: GET\nendpoint: health\nnum_retries: 2\nstatus_code: 200\n")
	r := newRunner(t, map[string]string{"qw": srv.URL})
	rep, err := r.RunScenario(context.Background(), sc)
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if rep.Passed {
		t.Fatal("run should fail")
	}
	oc := rep.Outcomes[0]
	if oc.Attempts != 3 || oc.Class != runner.ClassMismatch {
		t.Errorf("outcome = %+v, want 3 attempts and a mismatch", oc)
	}
}

func TestRunScenario_LaneFailFastButOtherLanesComplete(t *testing.T) {
	good := httptest.NewServer(mockengine.New().Handler())
	defer good.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	text := `
method: PUT
endpoint: gharchive
status_code: 200
---
method: GET
endpoint: gharchive
status_code: 200
`
	r := newRunner(t, map[string]string{"good": good.URL, "broken": broken.URL})
	rep, err := r.RunScenario(context.Background(), parseScenario(t, text))
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}

	results := map[string][]string{}
	for _, oc := range rep.Outcomes {
		results[oc.Engine] = append(results[oc.Engine], oc.Result)
	}
	wantGood := []string{runner.ResultPass, runner.ResultPass}
	wantBroken := []string{runner.ResultFail, runner.ResultSkipped}
	if got := results["good"]; !equalStrings(got, wantGood) {
		t.Errorf("good lane = %v, want %v", got, wantGood)
	}
	if got := results["broken"]; !equalStrings(got, wantBroken) {
		t.Errorf("broken lane = %v, want %v", got, wantBroken)
	}
}

func TestRunScenario_UnknownEngineIsConfigurationError(t *testing.T) {
	srv := httptest.NewServer(mockengine.New().Handler())
	defer srv.Close()

	sc := parseScenario(t, "method: GET\nendpoint: x\nengines: [warpstream]\n")
	r := newRunner(t, map[string]string{"qw": srv.URL})
	_, err := r.RunScenario(context.Background(), sc)
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func TestRunScenario_EngineFilterAndMethodFanout(t *testing.T) {
	srvA := httptest.NewServer(mockengine.New().Handler())
	defer srvA.Close()
	srvB := httptest.NewServer(mockengine.New().Handler())
	defer srvB.Close()

	text := `
method: PUT
endpoint: gharchive
status_code: 200
---
description: only quickwit supports this probe
method: [GET, HEAD]
endpoint: gharchive
engines: [quickwit]
status_code: 200
`
	r := newRunner(t, map[string]string{"quickwit": srvA.URL, "elasticsearch": srvB.URL})
	rep, err := r.RunScenario(context.Background(), parseScenario(t, text))
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("run should pass: %+v", rep.Failures())
	}
	// Step 0 on both engines, step 1 only on quickwit but with two methods.
	var quickwit, elastic int
	for _, oc := range rep.Outcomes {
		switch oc.Engine {
		case "quickwit":
			quickwit++
		case "elasticsearch":
			elastic++
		}
	}
	if quickwit != 3 || elastic != 1 {
		t.Errorf("outcomes quickwit=%d elasticsearch=%d, want 3 and 1", quickwit, elastic)
	}
}

func TestRunScenario_AnyStatusToleratesTransportFailure(t *testing.T) {
	// A closed port: connection refused on every attempt.
	sc := parseScenario(t, "method: DELETE\nendpoint: gharchive\nstatus_code: null\n")
	r := newRunner(t, map[string]string{"down": "http://127.0.0.1:1"})
	rep, err := r.RunScenario(context.Background(), sc)
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("status_code null must tolerate transport failure: %+v", rep.Failures())
	}
}

func TestRunScenario_TransportFailureSurvivingRetriesFails(t *testing.T) {
	sc := parseScenario(t, "method: GET\nendpoint: x\nnum_retries: 1\n")
	r := newRunner(t, map[string]string{"down": "http://127.0.0.1:1"})
	rep, err := r.RunScenario(context.Background(), sc)
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if rep.Passed {
		t.Fatal("run should fail")
	}
	oc := rep.Outcomes[0]
	if oc.Class != runner.ClassTransport || oc.Attempts != 2 {
		t.Errorf("outcome = %+v, want transport failure after 2 attempts", oc)
	}
}

func TestRunScenario_SettleDelayAfterSuccess(t *testing.T) {
	srv := httptest.NewServer(mockengine.New().Handler())
	defer srv.Close()

	sc := parseScenario(t, "method: PUT\nendpoint: g\nstatus_code: 200\nsleep_after: 0.1\n")
	r := newRunner(t, map[string]string{"qw": srv.URL})
	start := time.Now()
	rep, err := r.RunScenario(context.Background(), sc)
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("run should pass: %+v", rep.Failures())
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("elapsed %v, want at least the 100ms settle delay", elapsed)
	}
}

func TestRunScenario_MissingBodyFileFailsOnlyThatExecution(t *testing.T) {
	good := httptest.NewServer(mockengine.New().Handler())
	defer good.Close()

	text := `
method: PUT
endpoint: gharchive
status_code: 200
---
method: POST
endpoint: gharchive/_bulk
body_from_file: does-not-exist.ndjson
status_code: 200
`
	r := newRunner(t, map[string]string{"qw": good.URL}).WithBaseDir(t.TempDir())
	rep, err := r.RunScenario(context.Background(), parseScenario(t, text))
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if rep.Passed {
		t.Fatal("run should fail")
	}
	fails := rep.Failures()
	if len(fails) != 1 || fails[0].Class != runner.ClassBuild {
		t.Fatalf("want one build failure, got %+v", fails)
	}
	if fails[0].Attempts != 1 {
		t.Errorf("build failures must not be retried, attempts = %d", fails[0].Attempts)
	}
}

func TestRunScenario_ShippedFixtureWithSurfaceDoc(t *testing.T) {
	srvA := httptest.NewServer(mockengine.New().Handler())
	defer srvA.Close()
	srvB := httptest.NewServer(mockengine.New().Handler())
	defer srvB.Close()

	sc, warnings, err := parser.New().ParseFile(filepath.Join("..", "..", "scenarios", "gharchive.yaml"))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("fixture warnings: %v", warnings)
	}

	v, err := surface.Load(filepath.Join("..", "..", "scenarios", "surface.yaml"))
	if err != nil {
		t.Fatalf("load surface doc: %v", err)
	}

	r := newRunner(t, map[string]string{"quickwit": srvA.URL, "elasticsearch": srvB.URL}).
		WithBaseDir(filepath.Join("..", "..", "scenarios")).
		WithSurface(v)
	rep, err := r.RunScenario(context.Background(), sc)
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("fixture run should pass: %+v", rep.Failures())
	}
	for engine, cov := range v.Coverage() {
		if cov.Covered == 0 {
			t.Errorf("%s: no surface coverage recorded", engine)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
