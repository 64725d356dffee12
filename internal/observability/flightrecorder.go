package observability

import (
	"sync"
	"sync/atomic"
)

// FlightRecorderConfig tunes the ring buffer's capacity and redaction
// behavior. Defaults mirror original_source/kernel/src/flight_recorder.rs.
type FlightRecorderConfig struct {
	MaxEvents       int
	MaxEventSize    int
	RedactionEnabled bool
}

// DefaultFlightRecorderConfig returns the original's default tuning.
func DefaultFlightRecorderConfig() FlightRecorderConfig {
	return FlightRecorderConfig{
		MaxEvents:       65536,
		MaxEventSize:    512,
		RedactionEnabled: true,
	}
}

const redactedSentinel = 0xDEADBEEF

// pointerish heuristically identifies a syscall argument that looks like a
// pointer into the user half of the address space ([0x1000,
// 0x0000_8000_0000_0000)), the redaction trigger original_source applies to
// SyscallEntered/SyscallExited args. Kernel-half addresses do not match.
func pointerish(v uint64) bool {
	return v >= 0x1000 && v < 0x0000_8000_0000_0000
}

// redact applies the flight recorder's privacy pass to one event in
// place: pointer-shaped syscall arguments are replaced with a sentinel,
// tracepoint payloads are cleared, and free-text fields that can carry
// user data are blanked.
func redact(ev *ObservabilityEvent) {
	switch ev.Kind {
	case EventSyscallEntered, EventSyscallExited:
		for i, a := range ev.SyscallArgs {
			if pointerish(a) {
				ev.SyscallArgs[i] = redactedSentinel
			}
		}
	case EventTracepointHit:
		if ev.TracepointData != nil {
			ev.TracepointData = []byte("[REDACTED]")
		}
	case EventProcessCreated:
		ev.ProcessName = "[REDACTED]"
	case EventCrash:
		ev.CrashMessage = "[REDACTED]"
	}
}

// FlightRecorder is a fixed-capacity FIFO ring of ObservabilityEvent
// values, adapted from the teacher's Circbuf_t (circbuf/circbuf.go): head
// is the next write slot, kept as an index modulo capacity, and count is
// the number of live entries (there is no separate tail index). Unlike
// Circbuf_t, a full buffer evicts the oldest entry rather than rejecting
// the write (spec.md §4.7 requires "never blocks the
// producer").
type FlightRecorder struct {
	mu          sync.Mutex
	cfg         FlightRecorderConfig
	ring        []ObservabilityEvent
	head        int
	count       int
	dropped     uint64
	seqCounter  atomic.Uint64
	spanCounter atomic.Uint64
}

// NewFlightRecorder builds a recorder with the given configuration. The
// sequence counter starts at 1, matching
// original_source/kernel/src/observability/flight_recorder.rs's
// AtomicU64::new(1) so sequence id 0 never appears and can be used as a
// "no entry" sentinel by callers.
func NewFlightRecorder(cfg FlightRecorderConfig) *FlightRecorder {
	fr := &FlightRecorder{
		cfg:  cfg,
		ring: make([]ObservabilityEvent, cfg.MaxEvents),
	}
	fr.seqCounter.Store(1)
	fr.spanCounter.Store(1)
	return fr
}

// Record appends ev to the ring, stamping its sequence id, dispatched
// severity/subsystem, and span id, applying redaction first if enabled,
// and evicting the oldest entry (bumping Dropped) if the ring is full.
// Record never correlates ev to an in-flight trace — use RecordWithTrace
// for that, matching original_source's record_event vs
// record_event_with_trace split.
func (fr *FlightRecorder) Record(ev ObservabilityEvent) {
	fr.stampAndStore(ev, nil, nil)
}

// RecordWithTrace records ev exactly like Record, but additionally stamps
// it with the given trace id and, if present, the parent span id it
// continues — the cross-IPC trace correlation path.
func (fr *FlightRecorder) RecordWithTrace(ev ObservabilityEvent, traceID TraceID, parentSpanID *uint64) {
	fr.stampAndStore(ev, &traceID, parentSpanID)
}

func (fr *FlightRecorder) stampAndStore(ev ObservabilityEvent, traceID *TraceID, parentSpanID *uint64) {
	ev.SequenceID = fr.seqCounter.Add(1) - 1
	ev.Severity = DetermineSeverity(ev)
	ev.Subsystem = DetermineSubsystem(ev)
	ev.SpanID = fr.spanCounter.Add(1) - 1
	if traceID != nil {
		ev.TraceID = *traceID
		ev.HasTraceID = true
	}
	if parentSpanID != nil {
		ev.ParentSpanID = *parentSpanID
		ev.HasParentSpanID = true
	}

	if fr.cfg.RedactionEnabled {
		redact(&ev)
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.ring[fr.head] = ev
	fr.head = (fr.head + 1) % len(fr.ring)
	if fr.count < len(fr.ring) {
		fr.count++
	} else {
		fr.dropped++
	}
}

// Dropped returns how many events have been evicted since the recorder
// was created.
func (fr *FlightRecorder) Dropped() uint64 {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.dropped
}

// Len returns the number of live events currently held.
func (fr *FlightRecorder) Len() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.count
}

// Snapshot returns every live event, oldest first. Because Record assigns
// sequence ids by incrementing a single counter with no gaps, the
// returned slice's sequence ids always form a contiguous increasing run
// (P8), regardless of how many older events have been evicted.
func (fr *FlightRecorder) Snapshot() []ObservabilityEvent {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.snapshotLocked()
}

func (fr *FlightRecorder) snapshotLocked() []ObservabilityEvent {
	out := make([]ObservabilityEvent, fr.count)
	start := (fr.head - fr.count + len(fr.ring)) % len(fr.ring)
	for i := 0; i < fr.count; i++ {
		out[i] = fr.ring[(start+i)%len(fr.ring)]
	}
	return out
}

// Recent returns the n most recently recorded live events, oldest first,
// matching original_source's get_recent_events.
func (fr *FlightRecorder) Recent(n int) []ObservabilityEvent {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	all := fr.snapshotLocked()
	if n >= len(all) {
		return all
	}
	if n <= 0 {
		return nil
	}
	return all[len(all)-n:]
}

// BySubsystem returns every live event whose dispatched Subsystem matches
// s, oldest first, matching original_source's get_events_by_subsystem.
func (fr *FlightRecorder) BySubsystem(s Subsystem) []ObservabilityEvent {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	var out []ObservabilityEvent
	for _, ev := range fr.snapshotLocked() {
		if ev.Subsystem == s {
			out = append(out, ev)
		}
	}
	return out
}

// ByTraceID returns every live event correlated to id via RecordWithTrace,
// oldest first, matching original_source's get_events_by_trace_id.
func (fr *FlightRecorder) ByTraceID(id TraceID) []ObservabilityEvent {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	var out []ObservabilityEvent
	for _, ev := range fr.snapshotLocked() {
		if ev.HasTraceID && ev.TraceID == id {
			out = append(out, ev)
		}
	}
	return out
}
