package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"apiparity/internal/config"
	"apiparity/internal/parser"
	"apiparity/internal/reporter"
	"apiparity/internal/runner"
	"apiparity/internal/surface"
)

func main() {
	var (
		scenarios   = flag.String("scenario", "", "Comma-separated scenario fixture files")
		engines     = flag.String("engine", "", "Comma-separated name=url engine pairs")
		enginesFile = flag.String("engines-file", "", "Comma-separated JSON config files (engines + vars)")
		openapiPath = flag.String("openapi", "", "OpenAPI doc of the shared surface (enables contract checks & coverage)")
		covMin      = flag.Float64("coverage-min", -1, "Fail if any engine's surface coverage percent < this (requires -openapi)")
		outDir      = flag.String("out", "reports", "Output directory for artifacts")
		name        = flag.String("name", "", "Optional run name override")
		jsonOut     = flag.Bool("json", true, "Write JSON results")
		junitOut    = flag.Bool("junit", true, "Write JUnit XML results")
		htmlOut     = flag.Bool("html", true, "Write HTML report")
		verbose     = flag.Bool("v", false, "Verbose: print failure details even on pass")
		timeout     = flag.Duration("timeout", 10*time.Second, "Per-request timeout")
		backoff     = flag.Duration("backoff", 500*time.Millisecond, "Fixed delay between retry attempts")
	)
	flag.Parse()

	if *scenarios == "" {
		fail("missing -scenario")
	}

	cfg, err := config.LoadFiles(splitCSV(*enginesFile))
	if err != nil {
		fail("load config: %v", err)
	}
	if err := cfg.AddEnginePairs(splitCSV(*engines)); err != nil {
		fail("%v", err)
	}

	var v *surface.Validator
	if *openapiPath != "" {
		v, err = surface.Load(*openapiPath)
		if err != nil {
			fail("openapi load: %v", err)
		}
	}

	// Parse everything first: a malformed fixture must abort before any
	// request side-effects a target engine.
	p := parser.New()
	paths := splitCSV(*scenarios)
	runName := *name
	if runName == "" {
		runName = "apiparity"
	}

	total := &runner.Report{Passed: true}
	ctx := context.Background()

	for _, path := range paths {
		sc, warnings, err := p.ParseFile(path)
		if err != nil {
			fail("parse %s: %v", path, err)
		}
		for _, warn := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", path, warn)
		}

		r, err := runner.New(cfg)
		if err != nil {
			fail("%v", err)
		}
		r = r.WithBaseDir(filepath.Dir(path)).WithTimeout(*timeout).WithBackoff(*backoff)
		if v != nil {
			r = r.WithSurface(v)
		}

		rep, err := r.RunScenario(ctx, sc)
		if err != nil {
			fail("run %s: %v", path, err)
		}
		total.Merge(rep)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fail("mkdir out: %v", err)
	}
	if *jsonOut {
		writeOrDie(filepath.Join(*outDir, "results.json"), func(f *os.File) error {
			return reporter.WriteJSON(f, total)
		})
	}
	if *junitOut {
		writeOrDie(filepath.Join(*outDir, "junit.xml"), func(f *os.File) error {
			return reporter.WriteJUnit(f, runName, total)
		})
	}
	if *htmlOut {
		writeOrDie(filepath.Join(*outDir, "report.html"), func(f *os.File) error {
			return reporter.WriteHTML(f, runName, total)
		})
	}
	if v != nil {
		writeOrDie(filepath.Join(*outDir, "coverage.json"), func(f *os.File) error {
			return reporter.WriteCoverage(f, v.Coverage())
		})
		if *covMin >= 0 {
			if got := v.MinPercent(); got+1e-9 < *covMin {
				fmt.Fprintf(os.Stderr, "coverage gate failed: got %.2f%%, need >= %.2f%%\n", got, *covMin)
				fmt.Println("FAIL")
				os.Exit(1)
			}
		}
	}

	if !total.Passed || *verbose {
		reporter.WriteSummary(os.Stderr, total)
	}

	if total.Passed {
		fmt.Println("PASS")
		os.Exit(0)
	}
	fmt.Println("FAIL")
	os.Exit(1)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeOrDie(path string, fn func(*os.File) error) {
	f, err := os.Create(path)
	if err != nil {
		fail("create %s: %v", path, err)
	}
	defer f.Close()
	if err := fn(f); err != nil {
		fail("write %s: %v", path, err)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
