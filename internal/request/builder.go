package request

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"apiparity/internal/ir"
)

// ErrBuild marks failures turning a step into a concrete request (bad body,
// missing payload file, unresolved variable). A build failure aborts only the
// affected (step, engine) execution.
var ErrBuild = errors.New("build error")

// Builder turns declarative step fields into http.Requests.
type Builder struct {
	BaseDir string            // payload files resolve relative to the scenario file
	Vars    map[string]string // config-supplied substitutions
}

// Build constructs the request for one (step, engine, method) execution.
// baseURL is the engine's configured root; apiRoot is the effective path
// prefix carried forward through the scenario.
func (b *Builder) Build(ctx context.Context, step *ir.Step, method, engineName, baseURL, apiRoot string) (*http.Request, error) {
	vars := map[string]string{"engine": engineName}
	for k, v := range b.Vars {
		vars[k] = v
	}

	rawURL, err := b.buildURL(step, baseURL, apiRoot, vars)
	if err != nil {
		return nil, err
	}

	body, contentType, err := b.buildBody(step)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrBuild, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range step.Headers {
		req.Header.Set(k, interpolate(v, vars))
	}
	return req, nil
}

func (b *Builder) buildURL(step *ir.Step, baseURL, apiRoot string, vars map[string]string) (string, error) {
	endpoint := interpolate(step.Endpoint, vars)
	if unresolved := findUnresolved(endpoint); len(unresolved) > 0 {
		return "", fmt.Errorf("%w: unresolved variables in endpoint: %s", ErrBuild, strings.Join(unresolved, ", "))
	}

	path, rawQuery, _ := strings.Cut(endpoint, "?")
	full := joinPath(baseURL, apiRoot, path)

	u, err := url.Parse(full)
	if err != nil {
		return "", fmt.Errorf("%w: parse url %q: %v", ErrBuild, full, err)
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("%w: parse query %q: %v", ErrBuild, rawQuery, err)
	}
	for k, v := range step.Params {
		q.Set(k, interpolate(v, vars))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *Builder) buildBody(step *ir.Step) (io.Reader, string, error) {
	switch step.BodyKind {
	case ir.BodyNone:
		return nil, "", nil

	case ir.BodyJSON:
		buf, err := json.Marshal(step.JSONBody)
		if err != nil {
			return nil, "", fmt.Errorf("%w: marshal json body: %v", ErrBuild, err)
		}
		return bytes.NewReader(buf), "application/json", nil

	case ir.BodyNDJSON:
		buf, err := EncodeNDJSON(step.NDJSONBody)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrBuild, err)
		}
		return bytes.NewReader(buf), "application/x-ndjson", nil

	case ir.BodyFile:
		data, err := b.readPayload(step)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "", nil

	default:
		return nil, "", fmt.Errorf("%w: unknown body kind %q", ErrBuild, step.BodyKind)
	}
}

// readPayload loads an external body file. Gzip payloads are passed through
// verbatim when the step declares content-encoding gzip (the engine inflates
// server-side); otherwise they are inflated here.
func (b *Builder) readPayload(step *ir.Step) ([]byte, error) {
	path := step.BodyFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read payload %s: %v", ErrBuild, step.BodyFile, err)
	}
	if declaresGzip(step.Headers) || !strings.HasSuffix(path, ".gz") {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip %s: %v", ErrBuild, step.BodyFile, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip %s: %v", ErrBuild, step.BodyFile, err)
	}
	return out, nil
}

func declaresGzip(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Encoding") && strings.EqualFold(v, "gzip") {
			return true
		}
	}
	return false
}

// EncodeNDJSON serializes records as the bulk-ingest wire format: one compact
// JSON object per line, newline-joined, with a single trailing newline.
func EncodeNDJSON(records []any) ([]byte, error) {
	var buf bytes.Buffer
	for i, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal ndjson record %d: %v", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeNDJSON parses the bulk wire format back into its ordered records.
func DecodeNDJSON(data []byte) ([]any, error) {
	var out []any
	for i, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec any
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("ndjson line %d: %v", i+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func joinPath(parts ...string) string {
	var clean []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	joined := strings.Join(clean, "/")
	if strings.HasPrefix(parts[0], "http") {
		return joined
	}
	return "/" + joined
}

// ---- Interpolation ----

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func interpolate(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := vars[m[2:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

func findUnresolved(s string) []string {
	var out []string
	for _, m := range varPattern.FindAllString(s, -1) {
		out = append(out, m)
	}
	return out
}
