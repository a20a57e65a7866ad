package matcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"

	"apiparity/internal/ir"
)

// ErrMismatch marks an actual response that failed the step's expectation
// after all retries. The wrapped message carries the diff diagnostics.
var ErrMismatch = errors.New("mismatch")

// Match validates an observed (status, body) pair against the step's
// expectation. The body is only inspected when the step declares expected
// records and the status check passed.
func Match(step *ir.Step, status int, body []byte) error {
	if err := CheckStatus(step.Status, status); err != nil {
		return err
	}
	if step.Expected == nil {
		return nil
	}
	return matchBody(step.Expected, body)
}

// CheckStatus applies the tri-state status rule: exact match, anything, or
// conventional success.
func CheckStatus(expect ir.StatusExpect, actual int) error {
	switch expect.Mode {
	case ir.StatusAny:
		return nil
	case ir.StatusExact:
		if actual != expect.Code {
			return fmt.Errorf("%w: status %d, want %d", ErrMismatch, actual, expect.Code)
		}
		return nil
	default:
		if actual < 200 || actual > 299 {
			return fmt.Errorf("%w: status %d, want success", ErrMismatch, actual)
		}
		return nil
	}
}

func matchBody(expected *ir.ExpectedBody, body []byte) error {
	actual, err := decodeRecords(body)
	if err != nil {
		return err
	}
	if len(actual) != len(expected.Records) {
		return fmt.Errorf("%w: expected %d records, got %d:\n%s",
			ErrMismatch, len(expected.Records), len(actual), renderActual(actual))
	}
	if len(actual) == 0 {
		return nil
	}

	// Order-insensitive multiset matching: every expected record must claim a
	// distinct actual record under key-subset equality.
	n := len(expected.Records)
	compat := make([][]bool, n)
	for i, exp := range expected.Records {
		compat[i] = make([]bool, n)
		for j, act := range actual {
			compat[i][j] = recordMatches(&exp, act)
		}
	}

	matchOf := maxMatching(compat)
	var missing, surplus []int
	claimed := make([]bool, n)
	for i, j := range matchOf {
		if j < 0 {
			missing = append(missing, i)
		} else {
			claimed[j] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}
	for j := range actual {
		if !claimed[j] {
			surplus = append(surplus, j)
		}
	}
	return fmt.Errorf("%w:\n%s", ErrMismatch, renderDiff(expected.Records, actual, missing, surplus))
}

// decodeRecords normalizes the response body into a record sequence: an
// array of objects stays as-is, a lone object becomes a one-record sequence.
func decodeRecords(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: body is not valid JSON: %v", ErrMismatch, err)
	}
	switch x := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(x))
		for i, el := range x {
			m, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: body element %d is not an object", ErrMismatch, i)
			}
			out = append(out, m)
		}
		return out, nil
	case map[string]any:
		return []map[string]any{x}, nil
	default:
		return nil, fmt.Errorf("%w: body is neither an object nor a list of objects", ErrMismatch)
	}
}

// recordMatches reports key-subset equality: every live expected key must be
// present in the actual record with an equal value. Disabled keys are never
// evaluated; extra actual keys are ignored.
func recordMatches(exp *ir.ExpectedRecord, act map[string]any) bool {
	for k, want := range exp.Fields {
		got, ok := act[k]
		if !ok || !valueEqual(want, got) {
			return false
		}
	}
	return true
}

// valueEqual compares a fixture value (from YAML) with a response value
// (from JSON, numbers as json.Number). A string expectation against a
// numeric actual is compared numerically when the string parses as a number;
// no other coercion is performed.
func valueEqual(want, got any) bool {
	switch w := want.(type) {
	case nil:
		return got == nil
	case string:
		switch g := got.(type) {
		case string:
			return w == g
		case json.Number:
			wf, err := strconv.ParseFloat(w, 64)
			if err != nil {
				return false
			}
			gf, err := g.Float64()
			return err == nil && wf == gf
		}
		return false
	case bool:
		g, ok := got.(bool)
		return ok && w == g
	case int:
		return numEqual(float64(w), got)
	case int64:
		return numEqual(float64(w), got)
	case float64:
		return numEqual(w, got)
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for k, wv := range w {
			gv, present := g[k]
			if !present || !valueEqual(wv, gv) {
				return false
			}
		}
		return true
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !valueEqual(w[i], g[i]) {
				return false
			}
		}
		return true
	default:
		return fmt.Sprint(want) == fmt.Sprint(got)
	}
}

func numEqual(w float64, got any) bool {
	g, ok := got.(json.Number)
	if !ok {
		return false
	}
	gf, err := g.Float64()
	return err == nil && w == gf
}

// maxMatching runs Kuhn's bipartite matching over the compatibility matrix
// and returns, per expected record, the claimed actual index (or -1).
func maxMatching(compat [][]bool) []int {
	n := len(compat)
	matchOf := make([]int, n) // expected -> actual
	owner := make([]int, n)   // actual -> expected
	for i := range matchOf {
		matchOf[i] = -1
		owner[i] = -1
	}
	var try func(i int, seen []bool) bool
	try = func(i int, seen []bool) bool {
		for j := 0; j < n; j++ {
			if !compat[i][j] || seen[j] {
				continue
			}
			seen[j] = true
			if owner[j] < 0 || try(owner[j], seen) {
				owner[j] = i
				matchOf[i] = j
				return true
			}
		}
		return false
	}
	for i := 0; i < n; i++ {
		try(i, make([]bool, n))
	}
	return matchOf
}

// renderDiff lists expected records that found no partner and the actual
// records left unclaimed. With exactly one of each, a field-level diff of
// the candidate pair is included.
func renderDiff(expected []ir.ExpectedRecord, actual []map[string]any, missing, surplus []int) string {
	var sb strings.Builder
	for _, i := range missing {
		sb.WriteString("expected record with no match: ")
		sb.WriteString(renderValue(expected[i].Fields))
		sb.WriteByte('\n')
	}
	for _, j := range surplus {
		sb.WriteString("unmatched actual record: ")
		sb.WriteString(renderValue(actual[j]))
		sb.WriteByte('\n')
	}
	if len(missing) == 1 && len(surplus) == 1 {
		exp := expected[missing[0]]
		act := projectKeys(actual[surplus[0]], exp.Fields)
		if d := cmp.Diff(normalize(exp.Fields), normalize(act)); d != "" {
			sb.WriteString("field diff (-expected +actual):\n")
			sb.WriteString(d)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderActual(actual []map[string]any) string {
	var sb strings.Builder
	for _, rec := range actual {
		sb.WriteString("  ")
		sb.WriteString(renderValue(rec))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// projectKeys restricts an actual record to the keys the expectation names,
// so the rendered diff is not drowned in extra observed fields.
func projectKeys(act map[string]any, keys map[string]any) map[string]any {
	out := make(map[string]any, len(keys))
	for k := range keys {
		if v, ok := act[k]; ok {
			out[k] = v
		}
	}
	return out
}

// normalize rewrites values into diff-friendly shapes: json.Number becomes a
// plain float64, containers recurse.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	default:
		return v
	}
}
