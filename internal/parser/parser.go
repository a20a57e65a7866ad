package parser

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"apiparity/internal/ir"
)

// ErrParse marks any malformed scenario document. Parse failures are fatal
// for the whole run; nothing is executed.
var ErrParse = errors.New("parse error")

const docDelimiter = "---"

type Parser struct{}

func New() *Parser { return &Parser{} }

// rawStep mirrors the fixture document layout. Fields whose absence must be
// distinguishable from an explicit null are captured as yaml.Node.
type rawStep struct {
	Description  string            `yaml:"description"`
	Method       yaml.Node         `yaml:"method"`
	APIRoot      string            `yaml:"api_root"`
	Endpoint     string            `yaml:"endpoint"`
	Headers      map[string]string `yaml:"headers"`
	Params       map[string]any    `yaml:"params"`
	JSON         any               `yaml:"json"`
	NDJSON       []any             `yaml:"ndjson"`
	BodyFromFile string            `yaml:"body_from_file"`
	NumRetries   int               `yaml:"num_retries"`
	SleepAfter   float64           `yaml:"sleep_after"`
	Engines      []string          `yaml:"engines"`
	StatusCode   yaml.Node         `yaml:"status_code"`
	Expected     yaml.Node         `yaml:"expected"`
}

// ParseFile reads and parses one scenario fixture.
func (p *Parser) ParseFile(path string) (*ir.Scenario, []string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", ErrParse, path, err)
	}
	return p.ParseBytes(b)
}

// ParseBytes parses a multi-document scenario stream into an ordered list of
// steps. Each document becomes one step; unknown fields are rejected so
// fixture typos surface immediately. The returned warnings flag ambiguous
// disabled-key usage in expected records.
func (p *Parser) ParseBytes(b []byte) (*ir.Scenario, []string, error) {
	docs := splitDocuments(b)
	sc := &ir.Scenario{}
	var warnings []string

	for i, doc := range docs {
		dec := yaml.NewDecoder(bytes.NewReader(doc))
		dec.KnownFields(true) // fail on unknown fields
		var raw rawStep
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, wrapParse(i, "decode: %v", err)
		}
		step, warns, err := convertStep(&raw, i)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, warns...)
		sc.Steps = append(sc.Steps, *step)
	}

	if len(sc.Steps) == 0 {
		return nil, nil, fmt.Errorf("%w: scenario contains no steps", ErrParse)
	}
	return sc, warnings, nil
}

// splitDocuments cuts the stream on delimiter lines and strips full-line
// comments. Blank documents (a leading or trailing delimiter) are dropped.
func splitDocuments(b []byte) [][]byte {
	var docs [][]byte
	var cur []string
	flush := func() {
		joined := strings.TrimSpace(strings.Join(cur, "\n"))
		if joined != "" {
			docs = append(docs, []byte(strings.Join(cur, "\n")))
		}
		cur = nil
	}
	for _, line := range strings.Split(string(b), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == docDelimiter {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue // comment line, no semantics
		}
		cur = append(cur, line)
	}
	flush()
	return docs
}

func convertStep(raw *rawStep, idx int) (*ir.Step, []string, error) {
	step := &ir.Step{
		Description: raw.Description,
		APIRoot:     raw.APIRoot,
		Endpoint:    raw.Endpoint,
		Headers:     raw.Headers,
		NumRetries:  raw.NumRetries,
		Engines:     raw.Engines,
	}

	if step.Endpoint == "" {
		return nil, nil, wrapParse(idx, "endpoint must not be empty")
	}
	if raw.NumRetries < 0 {
		return nil, nil, wrapParse(idx, "num_retries must not be negative")
	}
	if raw.SleepAfter < 0 {
		return nil, nil, wrapParse(idx, "sleep_after must not be negative")
	}
	step.SleepAfter = time.Duration(raw.SleepAfter * float64(time.Second))

	methods, err := decodeMethods(&raw.Method, idx)
	if err != nil {
		return nil, nil, err
	}
	step.Methods = methods

	for i, e := range raw.Engines {
		if e == "" {
			return nil, nil, wrapParse(idx, "engines[%d] must not be empty", i)
		}
	}

	if raw.Params != nil {
		step.Params = make(map[string]string, len(raw.Params))
		for k, v := range raw.Params {
			step.Params[k] = fmt.Sprint(v)
		}
	}

	if err := setBodySource(raw, step, idx); err != nil {
		return nil, nil, err
	}

	status, err := decodeStatus(&raw.StatusCode, idx)
	if err != nil {
		return nil, nil, err
	}
	step.Status = status

	expected, warns, err := decodeExpected(&raw.Expected, idx)
	if err != nil {
		return nil, nil, err
	}
	step.Expected = expected

	// A step cannot expect a body and an arbitrary (or failing) status.
	if step.Expected != nil {
		switch step.Status.Mode {
		case ir.StatusAny:
			return nil, nil, wrapParse(idx, "expected requires a success status_code, not null")
		case ir.StatusExact:
			if step.Status.Code < 200 || step.Status.Code > 299 {
				return nil, nil, wrapParse(idx, "expected requires a success status_code, got %d", step.Status.Code)
			}
		}
	}

	return step, warns, nil
}

func decodeMethods(n *yaml.Node, idx int) ([]string, error) {
	switch n.Kind {
	case 0:
		return nil, wrapParse(idx, "method must not be empty")
	case yaml.ScalarNode:
		var m string
		if err := n.Decode(&m); err != nil {
			return nil, wrapParse(idx, "method: %v", err)
		}
		return []string{strings.ToUpper(m)}, nil
	case yaml.SequenceNode:
		var ms []string
		if err := n.Decode(&ms); err != nil {
			return nil, wrapParse(idx, "method: %v", err)
		}
		if len(ms) == 0 {
			return nil, wrapParse(idx, "method list must not be empty")
		}
		for i := range ms {
			ms[i] = strings.ToUpper(ms[i])
		}
		return ms, nil
	default:
		return nil, wrapParse(idx, "method must be a verb or a list of verbs")
	}
}

func setBodySource(raw *rawStep, step *ir.Step, idx int) error {
	step.BodyKind = ir.BodyNone
	count := 0
	if raw.JSON != nil {
		step.BodyKind = ir.BodyJSON
		step.JSONBody = raw.JSON
		count++
	}
	if raw.NDJSON != nil {
		step.BodyKind = ir.BodyNDJSON
		step.NDJSONBody = raw.NDJSON
		count++
	}
	if raw.BodyFromFile != "" {
		step.BodyKind = ir.BodyFile
		step.BodyFile = raw.BodyFromFile
		count++
	}
	if count > 1 {
		return wrapParse(idx, "at most one of json, ndjson, body_from_file may be set")
	}
	return nil
}

func decodeStatus(n *yaml.Node, idx int) (ir.StatusExpect, error) {
	switch {
	case n.Kind == 0:
		return ir.StatusExpect{Mode: ir.StatusDefault}, nil
	case n.Kind == yaml.ScalarNode && n.Tag == "!!null":
		return ir.StatusExpect{Mode: ir.StatusAny}, nil
	case n.Kind == yaml.ScalarNode:
		var code int
		if err := n.Decode(&code); err != nil {
			return ir.StatusExpect{}, wrapParse(idx, "status_code: %v", err)
		}
		if code < 100 || code > 599 {
			return ir.StatusExpect{}, wrapParse(idx, "status_code %d out of range", code)
		}
		return ir.StatusExpect{Mode: ir.StatusExact, Code: code}, nil
	default:
		return ir.StatusExpect{}, wrapParse(idx, "status_code must be an integer or null")
	}
}

func decodeExpected(n *yaml.Node, idx int) (*ir.ExpectedBody, []string, error) {
	if n.Kind == 0 {
		return nil, nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, nil, wrapParse(idx, "expected must be a list of records")
	}
	var rawRecords []map[string]any
	if err := n.Decode(&rawRecords); err != nil {
		return nil, nil, wrapParse(idx, "expected: %v", err)
	}

	body := &ir.ExpectedBody{Records: make([]ir.ExpectedRecord, 0, len(rawRecords))}
	var warnings []string
	for ri, rm := range rawRecords {
		rec := ir.ExpectedRecord{Fields: map[string]any{}}
		for k, v := range rm {
			if !strings.HasPrefix(k, "#") {
				rec.Fields[k] = v
				continue
			}
			name := strings.TrimSpace(strings.TrimPrefix(k, "#"))
			if name == "" {
				warnings = append(warnings, fmt.Sprintf("document %d: expected[%d] has a bare '#' key", idx, ri))
				continue
			}
			rec.Ignored = append(rec.Ignored, name)
		}
		for _, ig := range rec.Ignored {
			if _, clash := rec.Fields[ig]; clash {
				warnings = append(warnings, fmt.Sprintf("document %d: expected[%d] key %q is both live and disabled", idx, ri, ig))
			}
		}
		body.Records = append(body.Records, rec)
	}
	return body, warnings, nil
}

func wrapParse(doc int, format string, args ...any) error {
	return fmt.Errorf("%w: document %d: %s", ErrParse, doc, fmt.Sprintf(format, args...))
}
