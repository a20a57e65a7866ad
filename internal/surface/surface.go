// Package surface validates observed responses against an OpenAPI document
// describing the API surface the engines are expected to share, and tracks
// how much of that surface each engine was exercised on.
package surface

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

type Validator struct {
	doc    *openapi3.T
	router routers.Router

	mu      sync.Mutex
	covered map[string]map[string]bool // engine -> "METHOD path" -> true
}

func Load(path string) (*Validator, error) {
	loader := &openapi3.Loader{IsExternalRefsAllowed: true}
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return build(doc)
}

func LoadBytes(b []byte) (*Validator, error) {
	loader := &openapi3.Loader{IsExternalRefsAllowed: true}
	doc, err := loader.LoadFromData(b)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return build(doc)
}

func build(doc *openapi3.T) (*Validator, error) {
	// Strict: an invalid surface document fails fast.
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate surface doc: %w", err)
	}
	r, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	return &Validator{doc: doc, router: r, covered: map[string]map[string]bool{}}, nil
}

func (v *Validator) Doc() *openapi3.T { return v.doc }

// Check validates one observed response and, on success, records the routed
// operation as covered for the engine. Safe for concurrent lanes.
func (v *Validator) Check(ctx context.Context, engine, method, rawURL string, status int, header http.Header, body []byte) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	req := &http.Request{Method: method, URL: u, Header: header}

	route, pathParams, err := v.router.FindRoute(req)
	if err != nil {
		return fmt.Errorf("route not found: %w", err)
	}

	rvi := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: pathParams,
		Route:      route,
		Options:    &openapi3filter.Options{},
	}
	rsp := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: rvi,
		Status:                 status,
		Header:                 header,
		Body:                   io.NopCloser(bytes.NewReader(body)),
		// Strict: a status the surface doc does not declare is a violation.
		Options: &openapi3filter.Options{IncludeResponseStatus: true},
	}
	if err := openapi3filter.ValidateResponse(ctx, rsp); err != nil {
		return err
	}

	v.mu.Lock()
	if v.covered[engine] == nil {
		v.covered[engine] = map[string]bool{}
	}
	v.covered[engine][sig(route.Method, route.Path)] = true
	v.mu.Unlock()
	return nil
}

type CoverageReport struct {
	Total        int      `json:"total"`
	Covered      int      `json:"covered"`
	Percent      float64  `json:"percent"`
	CoveredSet   []string `json:"covered_set"`
	UncoveredSet []string `json:"uncovered_set"`
}

// Coverage reports, per engine, which shared-surface operations were hit.
func (v *Validator) Coverage() map[string]CoverageReport {
	all := allOps(v.doc)

	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]CoverageReport, len(v.covered))
	for engine, cset := range v.covered {
		var rep CoverageReport
		for _, op := range all {
			if cset[op] {
				rep.Covered++
				rep.CoveredSet = append(rep.CoveredSet, op)
			} else {
				rep.UncoveredSet = append(rep.UncoveredSet, op)
			}
		}
		sort.Strings(rep.CoveredSet)
		sort.Strings(rep.UncoveredSet)
		rep.Total = len(all)
		if rep.Total > 0 {
			rep.Percent = 100 * float64(rep.Covered) / float64(rep.Total)
		}
		out[engine] = rep
	}
	return out
}

// MinPercent returns the lowest per-engine coverage, for threshold gating.
func (v *Validator) MinPercent() float64 {
	min := 100.0
	for _, rep := range v.Coverage() {
		if rep.Percent < min {
			min = rep.Percent
		}
	}
	return min
}

func allOps(doc *openapi3.T) []string {
	var out []string
	if doc == nil || doc.Paths == nil {
		return out
	}
	for p, pi := range doc.Paths.Map() {
		if pi == nil {
			continue
		}
		for method, op := range pi.Operations() {
			if op != nil {
				out = append(out, sig(method, p))
			}
		}
	}
	sort.Strings(out)
	return out
}

func sig(method, path string) string { return method + " " + path }
