package surface_test

import (
	"context"
	"net/http"
	"testing"

	"apiparity/internal/surface"
)

const doc = `
openapi: 3.0.3
info: {title: Shared surface, version: "1"}
paths:
  /{index}:
    put:
      parameters:
        - {name: index, in: path, required: true, schema: {type: string}}
      responses:
        "200": {description: created}
  /_cat/indices:
    get:
      responses:
        "200": {description: ok}
`

func TestCheck_ValidResponseRecordsCoverage(t *testing.T) {
	v, err := surface.LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	hdr := http.Header{"Content-Type": []string{"application/json"}}
	err = v.Check(context.Background(), "quickwit", "PUT", "http://x/gharchive", 200, hdr, []byte(`{"acknowledged":true}`))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	cov := v.Coverage()
	rep, ok := cov["quickwit"]
	if !ok {
		t.Fatal("no coverage recorded for quickwit")
	}
	if rep.Total != 2 || rep.Covered != 1 {
		t.Errorf("coverage = %+v, want 1 of 2", rep)
	}
	if rep.Percent != 50 {
		t.Errorf("percent = %v, want 50", rep.Percent)
	}
}

func TestCheck_UndeclaredStatusFails(t *testing.T) {
	v, err := surface.LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	hdr := http.Header{"Content-Type": []string{"application/json"}}
	err = v.Check(context.Background(), "quickwit", "PUT", "http://x/gharchive", 503, hdr, []byte(`{}`))
	if err == nil {
		t.Fatal("undeclared status must fail validation")
	}
}

func TestCheck_UnroutedPathFails(t *testing.T) {
	v, err := surface.LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	err = v.Check(context.Background(), "quickwit", "POST", "http://x/a/b/c", 200, nil, nil)
	if err == nil {
		t.Fatal("unrouted path must fail")
	}
}

func TestMinPercent(t *testing.T) {
	v, err := surface.LoadBytes([]byte(doc))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	hdr := http.Header{"Content-Type": []string{"application/json"}}
	_ = v.Check(context.Background(), "a", "PUT", "http://x/g", 200, hdr, []byte(`{}`))
	_ = v.Check(context.Background(), "b", "PUT", "http://x/g", 200, hdr, []byte(`{}`))
	_ = v.Check(context.Background(), "b", "GET", "http://x/_cat/indices", 200, hdr, []byte(`[]`))

	if got := v.MinPercent(); got != 50 {
		t.Errorf("MinPercent = %v, want 50 (engine a)", got)
	}
}
