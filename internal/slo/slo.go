// Package slo implements the SLO gate harness (L8), spec.md §4.8:
// percentile computation over latency samples, gate evaluation against
// fixed targets, and the CI pass/fail decision that also considers
// historical drift. Grounded on original_source/kernel/src/slo.rs for the
// category set, default gate table, descriptive-statistics fields, and the
// evaluate_gate/ci_should_pass algorithms; concurrent gate evaluation is
// grounded on the teacher's use of golang.org/x/sync/errgroup-style fan-out
// (the teacher's own concurrency primitives are cooperative-scheduling
// channels rather than goroutines, so this package adopts errgroup directly
// from the pack's dependency surface instead of imitating Biscuit's
// scheduler idiom).
package slo

import (
	"encoding/json"
	"errors"
	"sort"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidKernelVersion is returned when a kernel version string is not
// valid semver.
var ErrInvalidKernelVersion = errors.New("slo: kernel_version is not valid semver")

// CanonicalKernelVersion validates v as semver and returns its canonical
// form (always "v"-prefixed), the form stamped into the exported SLO
// document's kernel_version field.
func CanonicalKernelVersion(v string) (string, error) {
	if v != "" && v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", ErrInvalidKernelVersion
	}
	return semver.Canonical(v), nil
}

// SchemaVersion is the version string stamped on exported SLO reports.
const SchemaVersion = "1.0"

// Category enumerates the measurable SLOs. Not every category has a
// default gate (ChaosFs, MemoryAlloc, ContextSwitch, InterruptLatency,
// NetworkLatency, and FrameDrops are tracked but ungated by default, as in
// original_source).
type Category int

const (
	CategoryInputLatency Category = iota
	CategoryCompositorJitter
	CategoryIpcRtt
	CategoryAnonPageFault
	CategoryTlbShootdown
	CategoryNvmeIo
	CategoryIdlePower
	CategoryAudioUnderruns
	CategoryChaosFs
	CategoryMemoryAlloc
	CategoryContextSwitch
	CategoryInterruptLatency
	CategoryNetworkLatency
	CategoryFrameDrops
)

func (c Category) String() string {
	names := [...]string{
		"input_latency", "compositor_jitter", "ipc_rtt", "anon_page_fault",
		"tlb_shootdown", "nvme_io", "idle_power", "audio_underruns",
		"chaos_fs", "memory_alloc", "context_switch", "interrupt_latency",
		"network_latency", "frame_drops",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return "unknown"
}

// MarshalJSON renders a Category by name, matching original_source's
// serde-derived string enum encoding.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Gate is a pair of latency (or power) targets a category must meet.
type Gate struct {
	Category Category `json:"category"`
	P99      float64  `json:"target_p99_us"`
	P95      float64  `json:"target_p95_us"`
}

// DefaultGates returns the original's fixed gate table. Units match the
// category: microseconds for latency categories, microwatts for
// IdlePower, and a raw underrun count for AudioUnderruns.
func DefaultGates() []Gate {
	return []Gate{
		{CategoryInputLatency, 2000, 1500},
		{CategoryCompositorJitter, 300, 200},
		{CategoryIpcRtt, 3, 2},
		{CategoryAnonPageFault, 15, 10},
		{CategoryTlbShootdown, 40, 30},
		{CategoryNvmeIo, 120, 80},
		{CategoryIdlePower, 800000, 700000},
		{CategoryAudioUnderruns, 200, 150},
	}
}

// Measurement is one category's raw collected samples for one run, plus
// the identifying metadata spec.md §3's SloMeasurement key
// (category, test_name, ts) and §6.4's exported-document fields carry.
type Measurement struct {
	Category     Category
	TestName     string
	Unit         string
	ReferenceSKU string
	AppMix       string
	Samples      []float64
}

// Percentile returns the nearest-rank percentile (0 < p <= 100) of
// samples: the sorted sample at index floor(p/100 * n), clamped to n-1.
// Samples need not be pre-sorted.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	idx := int((p / 100) * float64(len(sorted)))
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// newtonSqrt computes sqrt(x) via Newton's method, since spec.md §4.9
// requires stddev without assuming a float sqrt intrinsic is available.
func newtonSqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	guess := x
	for i := 0; i < 40; i++ {
		guess = 0.5 * (guess + x/guess)
	}
	return guess
}

// MeasurementStats is the full descriptive-statistics record computed from
// a Measurement's samples: spec.md §3 SloMeasurement / §6.4's exported
// per-measurement fields, plus stddev (§4.9).
type MeasurementStats struct {
	Category     Category `json:"category"`
	TestName     string   `json:"test_name"`
	Unit         string   `json:"unit"`
	Samples      uint64   `json:"samples"`
	Min          float64  `json:"min"`
	Max          float64  `json:"max"`
	Mean         float64  `json:"mean"`
	Median       float64  `json:"median"`
	P95          float64  `json:"p95"`
	P99          float64  `json:"p99"`
	P999         float64  `json:"p999"`
	Stddev       float64  `json:"stddev"`
	TimestampNs  uint64   `json:"timestamp_ns"`
	ReferenceSKU string   `json:"reference_sku"`
	AppMix       string   `json:"app_mix"`
}

// ComputeStats reduces m's raw samples to a MeasurementStats record,
// stamped with timestampNs (the caller's clock reading — this package
// takes no direct timekeep dependency so it stays independently testable).
// Percentiles use nearest-rank on a sorted copy; stddev uses Newton's
// method (spec.md §4.9).
func ComputeStats(m Measurement, timestampNs uint64) MeasurementStats {
	stats := MeasurementStats{
		Category:     m.Category,
		TestName:     m.TestName,
		Unit:         m.Unit,
		Samples:      uint64(len(m.Samples)),
		TimestampNs:  timestampNs,
		ReferenceSKU: m.ReferenceSKU,
		AppMix:       m.AppMix,
	}
	if len(m.Samples) == 0 {
		return stats
	}

	sorted := append([]float64(nil), m.Samples...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(sorted))

	stats.Min = sorted[0]
	stats.Max = sorted[len(sorted)-1]
	stats.Mean = mean
	stats.Median = CalculateMedian(sorted)
	stats.P95 = Percentile(sorted, 95)
	stats.P99 = Percentile(sorted, 99)
	stats.P999 = Percentile(sorted, 99.9)
	stats.Stddev = newtonSqrt(variance)
	return stats
}

// GateResult is the outcome of evaluating one gate: the gate itself, the
// measurement it was evaluated against (nil if none was available, which
// is itself a failure), whether it passed, and a human-readable reason.
type GateResult struct {
	Gate        Gate              `json:"gate"`
	Measurement *MeasurementStats `json:"measurement,omitempty"`
	Pass        bool              `json:"pass"`
	Reason      string            `json:"reason"`
}

// EvaluateGate checks p99-then-p95 against the gate's targets, in that
// order, matching original_source's evaluate_gate reason-string format. A
// nil stats (no measurement recorded for the gate's category) is an
// automatic failure, matching original_source's run_gates behavior.
func EvaluateGate(gate Gate, stats *MeasurementStats) GateResult {
	if stats == nil {
		return GateResult{Gate: gate, Pass: false, Reason: "No measurement available"}
	}
	if stats.P99 > gate.P99 {
		return GateResult{
			Gate: gate, Measurement: stats, Pass: false,
			Reason: "p99 " + formatFloat(stats.P99) + " exceeds target " + formatFloat(gate.P99),
		}
	}
	if stats.P95 > gate.P95 {
		return GateResult{
			Gate: gate, Measurement: stats, Pass: false,
			Reason: "p95 " + formatFloat(stats.P95) + " exceeds target " + formatFloat(gate.P95),
		}
	}
	return GateResult{Gate: gate, Measurement: stats, Pass: true, Reason: "All targets met"}
}

func formatFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// Run is one evaluated SLO run: the full §6.4 document shape — schema
// version, run metadata, every recorded measurement's stats, every gate's
// result, and whether the run passed overall.
type Run struct {
	SchemaVersion string             `json:"version"`
	TimestampNs   uint64             `json:"timestamp_ns"`
	ReferenceSKU  string             `json:"reference_sku"`
	AppMix        string             `json:"app_mix"`
	KernelVersion string             `json:"kernel_version"`
	Measurements  []MeasurementStats `json:"measurements"`
	Gates         []GateResult       `json:"gates"`
	OverallPass   bool               `json:"overall_pass"`
}

// RunGates reduces every measurement to its descriptive statistics, then
// evaluates every gate against the latest stats for its category
// concurrently via errgroup, aggregating the result into a Run. A gate
// whose category has no matching measurement fails with "No measurement
// available", matching original_source's run_gates.
func RunGates(kernelVersion, referenceSku, appMix string, timestampNs uint64, gates []Gate, measurements []Measurement) (Run, error) {
	canonicalVersion, err := CanonicalKernelVersion(kernelVersion)
	if err != nil {
		return Run{}, err
	}

	statsByCategory := make(map[Category]*MeasurementStats, len(measurements))
	allStats := make([]MeasurementStats, len(measurements))
	for i, m := range measurements {
		s := ComputeStats(m, timestampNs)
		allStats[i] = s
		statsByCategory[m.Category] = &allStats[i]
	}

	results := make([]GateResult, len(gates))
	var g errgroup.Group
	for i, gate := range gates {
		i, gate := i, gate
		g.Go(func() error {
			results[i] = EvaluateGate(gate, statsByCategory[gate.Category])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Run{}, err
	}

	overall := true
	for _, r := range results {
		if !r.Pass {
			overall = false
			break
		}
	}

	return Run{
		SchemaVersion: SchemaVersion,
		TimestampNs:   timestampNs,
		ReferenceSKU:  referenceSku,
		AppMix:        appMix,
		KernelVersion: canonicalVersion,
		Measurements:  allStats,
		Gates:         results,
		OverallPass:   overall,
	}, nil
}

// CalculateMedian returns the median of values, which must already be
// sorted ascending.
func CalculateMedian(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

const minHistoricalRuns = 7

// CIShouldPass implements original_source's CI gating rule: the current
// run must pass overall, and either the previous run also passed, or
// there are enough historical runs (>=7) and every one of the current
// run's gated categories is within maxDriftPercent of its 7-day median.
func CIShouldPass(current Run, previousPassed bool, historical []Run, maxDriftPercent float64) bool {
	if !current.OverallPass {
		return false
	}
	if previousPassed {
		return true
	}
	if len(historical) < minHistoricalRuns {
		return false
	}

	for _, result := range current.Gates {
		var samples []float64
		for _, run := range historical {
			for _, hr := range run.Gates {
				if hr.Gate.Category == result.Gate.Category && hr.Measurement != nil {
					samples = append(samples, hr.Measurement.P99)
				}
			}
		}
		sort.Float64s(samples)
		median := CalculateMedian(samples)
		if median == 0 || result.Measurement == nil {
			continue
		}
		drift := absFloat(result.Measurement.P99-median) / median * 100
		if drift > maxDriftPercent {
			return false
		}
	}
	return true
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// ExportJSON serializes run as the schema-versioned JSON document
// published by the SLO CLI.
func ExportJSON(run Run) ([]byte, error) {
	return json.MarshalIndent(run, "", "  ")
}
