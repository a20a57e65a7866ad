package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"apiparity/internal/config"
	"apiparity/internal/ir"
	"apiparity/internal/matcher"
	"apiparity/internal/request"
	"apiparity/internal/surface"
)

// ErrTransport marks a network-level failure that survived all retries.
var ErrTransport = errors.New("transport failure")

// Runner executes a parsed scenario against every configured engine. One
// lane per engine: steps run strictly in order within a lane, lanes run
// concurrently since engines share no state.
type Runner struct {
	httpClient *http.Client
	engines    map[string]string
	builder    *request.Builder
	timeout    time.Duration
	backoff    time.Duration
	surfaceV   *surface.Validator
}

func New(cfg *config.Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr := &http.Transport{
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	engines := make(map[string]string, len(cfg.Engines))
	for k, v := range cfg.Engines {
		engines[k] = v
	}
	return &Runner{
		httpClient: &http.Client{Transport: tr},
		engines:    engines,
		builder:    &request.Builder{Vars: cfg.Vars},
		timeout:    10 * time.Second,
		backoff:    500 * time.Millisecond,
	}, nil
}

// WithBaseDir sets the directory body_from_file references resolve against.
func (r *Runner) WithBaseDir(dir string) *Runner { r.builder.BaseDir = dir; return r }

// WithTimeout sets the per-attempt request timeout.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// WithBackoff sets the fixed delay between retry attempts.
func (r *Runner) WithBackoff(d time.Duration) *Runner {
	if d >= 0 {
		r.backoff = d
	}
	return r
}

// WithSurface enables OpenAPI validation of every matched response.
func (r *Runner) WithSurface(v *surface.Validator) *Runner { r.surfaceV = v; return r }

// RunScenario dispatches the scenario across all configured engines and
// aggregates one outcome per (step index, engine, method). Configuration
// errors abort before any request is sent.
func (r *Runner) RunScenario(ctx context.Context, sc *ir.Scenario) (*Report, error) {
	if sc == nil || len(sc.Steps) == 0 {
		return nil, fmt.Errorf("%w: empty scenario", config.ErrConfiguration)
	}
	for i, step := range sc.Steps {
		for _, e := range step.Engines {
			if _, ok := r.engines[e]; !ok {
				return nil, fmt.Errorf("%w: step %d references unknown engine %q", config.ErrConfiguration, i, e)
			}
		}
	}

	start := time.Now()
	results := make(chan []Outcome, len(r.engines))
	for name, base := range r.engines {
		go func(name, base string) {
			results <- r.runLane(ctx, sc, name, base)
		}(name, base)
	}

	rep := &Report{Passed: true}
	for range r.engines {
		rep.Outcomes = append(rep.Outcomes, <-results...)
	}
	sort.Slice(rep.Outcomes, func(i, j int) bool {
		a, b := rep.Outcomes[i], rep.Outcomes[j]
		if a.StepIndex != b.StepIndex {
			return a.StepIndex < b.StepIndex
		}
		if a.Engine != b.Engine {
			return a.Engine < b.Engine
		}
		return a.Method < b.Method
	})
	for _, oc := range rep.Outcomes {
		if oc.Result != ResultPass {
			rep.Passed = false
		}
	}
	rep.DurationMs = float64(time.Since(start).Milliseconds())
	return rep, nil
}

// runLane walks the scenario for one engine. api_root declared by a step
// stays effective for the rest of the scenario, whether or not later steps
// apply to this engine. A failed step aborts the lane; remaining applicable
// steps are recorded as skipped so the report stays complete.
func (r *Runner) runLane(ctx context.Context, sc *ir.Scenario, engine, baseURL string) []Outcome {
	var out []Outcome
	apiRoot := ""
	aborted := false

	for i := range sc.Steps {
		step := &sc.Steps[i]
		if step.APIRoot != "" {
			apiRoot = step.APIRoot
		}
		if !step.AppliesTo(engine) {
			continue
		}
		for _, method := range step.Methods {
			if aborted {
				out = append(out, Outcome{
					StepIndex: i, Engine: engine, Method: method,
					Description: step.Description, Endpoint: step.Endpoint,
					Result: ResultSkipped, Detail: "lane aborted by earlier failure",
				})
				continue
			}
			oc := r.executeStep(ctx, step, i, method, engine, baseURL, apiRoot)
			out = append(out, oc)
			if oc.Result == ResultFail {
				aborted = true
			}
		}
	}
	return out
}

// executeStep is the retry/backoff controller for one (step, engine, method)
// execution: up to num_retries+1 attempts with a fixed delay, retrying on
// transport failure or an unsettled status, then a single match verdict on
// whatever was last observed, then the settle delay.
func (r *Runner) executeStep(ctx context.Context, step *ir.Step, idx int, method, engine, baseURL, apiRoot string) Outcome {
	oc := Outcome{
		StepIndex: idx, Engine: engine, Method: method,
		Description: step.Description, Endpoint: step.Endpoint,
	}
	start := time.Now()
	defer func() { oc.DurationMs = float64(time.Since(start).Milliseconds()) }()

	var (
		lastStatus int
		lastBody   []byte
		lastHdr    http.Header
		lastURL    string
		lastErr    error
	)
	attempts := step.NumRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				oc.Result = ResultFail
				oc.Class = ClassTransport
				oc.Detail = ctx.Err().Error()
				return oc
			case <-time.After(r.backoff):
			}
		}
		oc.Attempts = attempt + 1

		actx, cancel := context.WithTimeout(ctx, r.timeout)
		req, err := r.builder.Build(actx, step, method, engine, baseURL, apiRoot)
		if err != nil {
			cancel()
			oc.Result = ResultFail
			oc.Class = ClassBuild
			oc.Detail = err.Error()
			return oc // build failures are deterministic, never retried
		}
		lastURL = req.URL.String()

		status, body, hdr, err := r.do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		lastStatus, lastBody, lastHdr = status, body, hdr
		oc.StatusCode = status
		if matcher.CheckStatus(step.Status, status) == nil {
			break // status settled; no point burning further attempts
		}
	}

	if lastErr != nil {
		if step.Status.Mode == ir.StatusAny {
			// "any status, failure included": pre-cleanup steps tolerate an
			// unreachable or refusing target.
			oc.Result = ResultPass
			oc.Detail = fmt.Sprintf("transport error tolerated: %v", lastErr)
			return oc
		}
		oc.Result = ResultFail
		oc.Class = ClassTransport
		oc.Detail = fmt.Errorf("%w: %v", ErrTransport, lastErr).Error()
		return oc
	}

	if err := matcher.Match(step, lastStatus, lastBody); err != nil {
		oc.Result = ResultFail
		oc.Class = ClassMismatch
		oc.Detail = err.Error()
		return oc
	}

	if r.surfaceV != nil && step.Status.Mode != ir.StatusAny {
		if err := r.surfaceV.Check(ctx, engine, method, lastURL, lastStatus, lastHdr, lastBody); err != nil {
			oc.Result = ResultFail
			oc.Class = ClassContract
			oc.Detail = err.Error()
			return oc
		}
	}

	oc.Result = ResultPass
	if step.SleepAfter > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(step.SleepAfter): // settle delay before dependent steps
		}
	}
	return oc
}

func (r *Runner) do(req *http.Request) (int, []byte, http.Header, error) {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, data, resp.Header, nil
}
