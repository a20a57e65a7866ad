package reporter

import (
	"html"
	"io"
	"strconv"
	"strings"

	"apiparity/internal/runner"
)

// WriteHTML renders a self-contained single-file report: one card per step,
// outcomes grouped so cross-engine differences sit side by side.
func WriteHTML(w io.Writer, title string, rep *runner.Report) error {
	var sb strings.Builder

	sb.WriteString(`<!doctype html><html lang="en"><head><meta charset="utf-8">`)
	sb.WriteString(`<meta name="viewport" content="width=device-width,initial-scale=1">`)
	sb.WriteString(`<title>apiparity — ` + html.EscapeString(title) + `</title>`)
	sb.WriteString(`<style>
:root { --ok:#0a0; --bad:#b00; --skip:#a70; --muted:#666; --chip:#eee; --line:#e5e5e5; }
body{font-family:system-ui,Segoe UI,Roboto,Arial,sans-serif;margin:24px;line-height:1.45}
h1{margin:0 0 12px}
.summary{display:flex;gap:12px;align-items:center;margin:12px 0 18px}
.pass{color:var(--ok)} .fail{color:var(--bad)} .skipped{color:var(--skip)}
.badge{display:inline-block;padding:2px 8px;border-radius:999px;background:var(--chip);font-size:.85rem}
.card{border:1px solid var(--line);border-radius:12px;padding:12px 16px;margin:10px 0}
.engine{margin:4px 0 4px 12px}
pre{background:#f8f8f8;padding:12px;border-radius:8px;overflow:auto;max-height:320px;margin:6px 0 0;white-space:pre-wrap}
.muted{color:var(--muted)}
</style></head><body>`)

	sb.WriteString(`<h1>` + html.EscapeString(title) + `</h1>`)
	sb.WriteString(`<div class="summary">`)
	verdict, class := "PASS", "pass"
	if !rep.Passed {
		verdict, class = "FAIL", "fail"
	}
	sb.WriteString(`<div>Status: <strong class="` + class + `">` + verdict + `</strong></div>`)
	sb.WriteString(chip("Duration: " + strconv.FormatFloat(rep.DurationMs, 'f', 0, 64) + " ms"))
	sb.WriteString(chip("Outcomes: " + strconv.Itoa(len(rep.Outcomes))))
	sb.WriteString(`</div>`)

	for _, group := range groupBySteps(rep.Outcomes) {
		first := group[0]
		sb.WriteString(`<div class="card"><strong>` + html.EscapeString(CaseName(first)) + `</strong>`)
		if first.Description != "" {
			sb.WriteString(` <span class="muted">` + html.EscapeString(first.Description) + `</span>`)
		}
		for _, oc := range group {
			sb.WriteString(`<div class="engine"><span class="` + oc.Result + `">` +
				strings.ToUpper(oc.Result) + `</span> ` + html.EscapeString(oc.Engine))
			if oc.StatusCode != 0 {
				sb.WriteString(` ` + chip("status "+strconv.Itoa(oc.StatusCode)))
			}
			if oc.Attempts > 1 {
				sb.WriteString(` ` + chip("attempts "+strconv.Itoa(oc.Attempts)))
			}
			if oc.Result == runner.ResultFail && oc.Detail != "" {
				sb.WriteString(`<pre>` + html.EscapeString(oc.Detail) + `</pre>`)
			}
			sb.WriteString(`</div>`)
		}
		sb.WriteString(`</div>`)
	}

	sb.WriteString(`</body></html>`)
	_, err := io.WriteString(w, sb.String())
	return err
}

// groupBySteps bundles outcomes that share a (step, method) pair, preserving
// report order.
func groupBySteps(outcomes []runner.Outcome) [][]runner.Outcome {
	var groups [][]runner.Outcome
	index := map[string]int{}
	for _, oc := range outcomes {
		key := strconv.Itoa(oc.StepIndex) + " " + oc.Method
		if gi, ok := index[key]; ok {
			groups[gi] = append(groups[gi], oc)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []runner.Outcome{oc})
	}
	return groups
}

func chip(s string) string {
	return `<span class="badge">` + html.EscapeString(s) + `</span>`
}
