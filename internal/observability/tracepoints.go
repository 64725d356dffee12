package observability

import (
	"errors"
	"sync"
	"sync/atomic"
)

// MaxTracepoints bounds the registry, matching original_source's
// MAX_TRACEPOINTS.
const MaxTracepoints = 4096

// MaxTracepointPayload truncates an over-long Fire payload, matching
// original_source's MAX_TRACEPOINT_DATA_SIZE.
const MaxTracepointPayload = 1024

// MaxTracepointArgs bounds how many u64 arguments a single Fire call
// carries, matching original_source's fixed 8-element args array.
const MaxTracepointArgs = 8

var ErrTooManyTracepoints = errors.New("observability: tracepoint registry is full")
var ErrDuplicateTracepoint = errors.New("observability: tracepoint already registered")
var ErrUnknownTracepoint = errors.New("observability: no such tracepoint")

// ProbeFunc is a callback invoked on every Fire of an enabled tracepoint.
type ProbeFunc func(TracepointEvent)

// TracepointEvent is what a probe callback receives: up to
// MaxTracepointArgs arguments plus an arbitrary byte payload, truncated at
// MaxTracepointPayload.
type TracepointEvent struct {
	TracepointName string
	TimestampNs    uint64
	Args           [MaxTracepointArgs]uint64
	ArgCount       int
	Data           []byte
}

// Tracepoint is one named, independently toggleable instrumentation
// point. Enabled is an atomic.Bool so the fast path (IsEnabled) never
// takes the registry lock, matching the teacher's bucket-lock-free Get()
// idiom from hashtable/hashtable.go: readers never block on writers. This
// is also what makes P7 hold: firing a disabled tracepoint costs exactly
// one relaxed atomic load and nothing else.
type Tracepoint struct {
	Name      string
	Subsystem Subsystem
	enabled   atomic.Bool
	hitCount  atomic.Uint64
	lastHitNs atomic.Uint64

	mu     sync.Mutex
	probes []ProbeFunc
}

// IsEnabled reports whether this tracepoint is currently active.
func (tp *Tracepoint) IsEnabled() bool { return tp.enabled.Load() }

// HitCount returns how many times Fire has run this tracepoint's probes.
func (tp *Tracepoint) HitCount() uint64 { return tp.hitCount.Load() }

// LastHitNs returns the timestamp, in nanoseconds, of the most recent hit.
func (tp *Tracepoint) LastHitNs() uint64 { return tp.lastHitNs.Load() }

// AddProbe registers a callback invoked on every future Fire while this
// tracepoint is enabled.
func (tp *Tracepoint) AddProbe(probe ProbeFunc) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.probes = append(tp.probes, probe)
}

// Fire runs this tracepoint: if disabled, it performs exactly the one
// relaxed load above and returns (P7). If enabled, it bumps the hit
// counter and last-hit timestamp, truncates data at MaxTracepointPayload,
// invokes every registered probe, and pushes a TracepointHit event to
// recorder — matching original_source's fire_tracepoint.
func (tp *Tracepoint) Fire(recorder *FlightRecorder, nowNs uint64, args []uint64, data []byte) {
	if !tp.enabled.Load() {
		return
	}

	tp.hitCount.Add(1)
	tp.lastHitNs.Store(nowNs)

	var eventArgs [MaxTracepointArgs]uint64
	argCount := len(args)
	if argCount > MaxTracepointArgs {
		argCount = MaxTracepointArgs
	}
	copy(eventArgs[:argCount], args[:argCount])

	payload := data
	if len(payload) > MaxTracepointPayload {
		payload = payload[:MaxTracepointPayload]
	}

	tp.mu.Lock()
	probes := tp.probes
	tp.mu.Unlock()

	ev := TracepointEvent{
		TracepointName: tp.Name,
		TimestampNs:    nowNs,
		Args:           eventArgs,
		ArgCount:       argCount,
		Data:           payload,
	}
	for _, probe := range probes {
		probe(ev)
	}

	if recorder != nil {
		recorder.Record(ObservabilityEvent{
			Kind:           EventTracepointHit,
			TimestampNs:    nowNs,
			TracepointName: tp.Name,
			TracepointData: payload,
			Subsystem:      tp.Subsystem,
		})
	}
}

// TracepointRegistry owns the set of registered tracepoints and the
// flight recorder every Fire call reports into.
type TracepointRegistry struct {
	mu       sync.RWMutex
	byName   map[string]*Tracepoint
	enabled  atomic.Int64
	recorder *FlightRecorder
}

// NewTracepointRegistry returns an empty registry that records fires into
// recorder (nil is accepted — Fire then just runs probes without
// recording, useful for unit tests that don't need a recorder).
func NewTracepointRegistry(recorder *FlightRecorder) *TracepointRegistry {
	return &TracepointRegistry{byName: make(map[string]*Tracepoint), recorder: recorder}
}

// Register adds a new tracepoint, disabled by default. Registering the
// same name twice fails rather than silently replacing the existing
// tracepoint, since callers hold onto the returned *Tracepoint across the
// lifetime of the instrumented code path.
func (r *TracepointRegistry) Register(name string, subsystem Subsystem) (*Tracepoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byName) >= MaxTracepoints {
		return nil, ErrTooManyTracepoints
	}
	if _, exists := r.byName[name]; exists {
		return nil, ErrDuplicateTracepoint
	}
	tp := &Tracepoint{Name: name, Subsystem: subsystem}
	r.byName[name] = tp
	return tp, nil
}

// Enable turns on the named tracepoint.
func (r *TracepointRegistry) Enable(name string) error {
	r.mu.RLock()
	tp, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownTracepoint
	}
	if tp.enabled.CompareAndSwap(false, true) {
		r.enabled.Add(1)
	}
	return nil
}

// Disable turns off the named tracepoint.
func (r *TracepointRegistry) Disable(name string) error {
	r.mu.RLock()
	tp, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownTracepoint
	}
	if tp.enabled.CompareAndSwap(true, false) {
		r.enabled.Add(-1)
	}
	return nil
}

// EnabledCount returns how many tracepoints are currently active.
func (r *TracepointRegistry) EnabledCount() int64 {
	return r.enabled.Load()
}

// Get returns the named tracepoint, if registered.
func (r *TracepointRegistry) Get(name string) (*Tracepoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tp, ok := r.byName[name]
	return tp, ok
}

// Len returns the number of registered tracepoints.
func (r *TracepointRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Fire looks up name and fires it through Fire, recording into this
// registry's flight recorder. Unknown names are silently ignored,
// matching original_source's fire_tracepoint_by_name.
func (r *TracepointRegistry) Fire(name string, nowNs uint64, args []uint64, data []byte) {
	tp, ok := r.Get(name)
	if !ok {
		return
	}
	tp.Fire(r.recorder, nowNs, args, data)
}
