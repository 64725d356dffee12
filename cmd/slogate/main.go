// Command slogate evaluates a set of SLO gates against recorded latency
// samples and emits the schema-versioned JSON report, or a human-readable
// summary. It follows the same small-main, flag-driven CLI shape as the
// teacher's cmd/chentry, generalized from a one-off ELF patcher to a
// recurring CI check.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/nyxkernel/nyxcore/internal/slo"
)

func main() {
	var (
		kernelVersion = flag.String("kernel-version", "0.0.0", "kernel version under test (semver)")
		samplesPath   = flag.String("samples", "", "path to a JSON file of {category: [samples...]}")
		jsonOut       = flag.Bool("json", false, "emit the schema-versioned JSON report instead of a summary")
		maxDrift      = flag.Float64("max-drift-percent", 15, "max allowed p99 drift vs the 7-day median (accepted but not applied: no drift check is run)")
		referenceSKU  = flag.String("reference-sku", "unknown-sku", "reference hardware SKU this run was measured on")
		appMix        = flag.String("app-mix", "default", "workload app-mix label this run was measured under")
	)
	flag.Parse()

	if *samplesPath == "" {
		fmt.Fprintln(os.Stderr, "slogate: -samples is required")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*samplesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slogate: reading samples: %v\n", err)
		os.Exit(1)
	}

	var bySample map[string][]float64
	if err := json.Unmarshal(raw, &bySample); err != nil {
		fmt.Fprintf(os.Stderr, "slogate: parsing samples: %v\n", err)
		os.Exit(1)
	}

	gates := slo.DefaultGates()
	measurements := make([]slo.Measurement, 0, len(gates))
	for _, g := range gates {
		if samples, ok := bySample[g.Category.String()]; ok {
			measurements = append(measurements, slo.Measurement{
				Category: g.Category, TestName: g.Category.String(), Unit: "us",
				ReferenceSKU: *referenceSKU, AppMix: *appMix, Samples: samples,
			})
		}
	}

	timestampNs := uint64(time.Now().UnixNano())
	run, err := slo.RunGates(*kernelVersion, *referenceSKU, *appMix, timestampNs, gates, measurements)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slogate: evaluating gates: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		out, err := slo.ExportJSON(run)
		if err != nil {
			fmt.Fprintf(os.Stderr, "slogate: marshaling report: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	} else {
		printSummary(run, *maxDrift)
	}

	if !run.OverallPass {
		os.Exit(1)
	}
}

func printSummary(run slo.Run, maxDrift float64) {
	p := message.NewPrinter(language.English)
	p.Printf("SLO run (kernel %s, schema %s)\n", run.KernelVersion, run.SchemaVersion)
	for _, r := range run.Gates {
		status := "PASS"
		if !r.Pass {
			status = "FAIL"
		}
		var p99, p95 float64
		if r.Measurement != nil {
			p99, p95 = r.Measurement.P99, r.Measurement.P95
		}
		p.Printf("  %-20s %-4s p99=%.2f p95=%.2f %s\n", r.Gate.Category.String(), status, p99, p95, r.Reason)
	}
	if run.OverallPass {
		p.Printf("overall: PASS\n")
	} else {
		p.Printf("overall: FAIL\n")
	}
}
