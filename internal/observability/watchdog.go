package observability

import (
	"errors"
	"sync"
	"time"
)

// WatchdogAction is the configured response to a missed deadline.
type WatchdogAction int

const (
	WatchdogWarn WatchdogAction = iota
	WatchdogRestart
	WatchdogPanic
	WatchdogIgnore
)

func (a WatchdogAction) String() string {
	switch a {
	case WatchdogWarn:
		return "warn"
	case WatchdogRestart:
		return "restart"
	case WatchdogPanic:
		return "panic"
	case WatchdogIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

var ErrNoSuchWatchdog = errors.New("observability: no watchdog armed for this subsystem")

// Watchdog is one subsystem's deadline: Kick must be called before
// deadline elapses since the last kick, or the configured action fires
// exactly once for that missed window (spec §3/§4.8). Watchdog deadlines
// are the kernel's only time-based cancellation mechanism — they never
// unwind a call stack, they only fire an action.
type Watchdog struct {
	Subsystem Subsystem
	Deadline  time.Duration
	Action    WatchdogAction

	mu       sync.Mutex
	lastKick time.Time
	armed    bool
	fired    bool
}

// Arm registers a watchdog for subsystem, armed from now. Arming a
// subsystem that already has one replaces it outright — a subsystem
// restarting is expected to re-arm on every start, per spec §4.8's "armed
// at subsystem start; disarmed at stop" lifecycle, so re-registration is
// the common case rather than an error.
func (r *WatchdogRegistry) Arm(subsystem Subsystem, deadline time.Duration, action WatchdogAction, now time.Time) *Watchdog {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &Watchdog{
		Subsystem: subsystem,
		Deadline:  deadline,
		Action:    action,
		lastKick:  now,
		armed:     true,
	}
	r.watchdogs[subsystem] = w
	return w
}

// Disarm removes subsystem's watchdog, so a stopped subsystem no longer
// risks firing its action after it has already shut down cleanly.
func (r *WatchdogRegistry) Disarm(subsystem Subsystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchdogs, subsystem)
}

// Kick resets subsystem's deadline from now and clears any fired latch,
// so the next missed window fires its action again.
func (r *WatchdogRegistry) Kick(subsystem Subsystem, now time.Time) error {
	r.mu.Lock()
	w, ok := r.watchdogs[subsystem]
	r.mu.Unlock()
	if !ok {
		return ErrNoSuchWatchdog
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastKick = now
	w.fired = false
	return nil
}

// RestartRequest is a pending ask to the out-of-kernel service manager to
// restart subsystem, raised when a Restart-action watchdog misses its
// deadline (spec §4.8/§7 — the restart contract itself is out of scope
// here, this is just the request record).
type RestartRequest struct {
	Subsystem Subsystem
	Reason    string
}

// WatchdogRegistry owns every armed Watchdog and fans a missed deadline
// out to the flight recorder (Warn), a pending restart queue (Restart),
// or the crash handler (Panic).
type WatchdogRegistry struct {
	mu        sync.Mutex
	watchdogs map[Subsystem]*Watchdog
	recorder  *FlightRecorder
	crash     *CrashHandler
	restarts  []RestartRequest
}

// NewWatchdogRegistry builds a registry that reports into recorder and
// crash.
func NewWatchdogRegistry(recorder *FlightRecorder, crash *CrashHandler) *WatchdogRegistry {
	return &WatchdogRegistry{
		watchdogs: make(map[Subsystem]*Watchdog),
		recorder:  recorder,
		crash:     crash,
	}
}

// CheckAll scans every armed watchdog and fires the configured action,
// exactly once per missed window, for any whose deadline has elapsed
// since its last kick.
func (r *WatchdogRegistry) CheckAll(now time.Time) {
	r.mu.Lock()
	watchdogs := make([]*Watchdog, 0, len(r.watchdogs))
	for _, w := range r.watchdogs {
		watchdogs = append(watchdogs, w)
	}
	r.mu.Unlock()

	for _, w := range watchdogs {
		r.checkOne(w, now)
	}
}

func (r *WatchdogRegistry) checkOne(w *Watchdog, now time.Time) {
	w.mu.Lock()
	missed := w.armed && !w.fired && now.Sub(w.lastKick) > w.Deadline
	if missed {
		w.fired = true
	}
	subsystem, action, deadline := w.Subsystem, w.Action, w.Deadline
	w.mu.Unlock()

	if !missed {
		return
	}

	switch action {
	case WatchdogWarn:
		if r.recorder != nil {
			r.recorder.Record(ObservabilityEvent{
				Kind:              EventWatchdogMissed,
				WatchdogSubsystem: subsystem,
				WatchdogTimeoutMs: uint32(deadline.Milliseconds()),
				WatchdogAction:    WatchdogWarn,
			})
		}
	case WatchdogRestart:
		r.mu.Lock()
		r.restarts = append(r.restarts, RestartRequest{Subsystem: subsystem, Reason: "watchdog deadline missed"})
		r.mu.Unlock()
		if r.recorder != nil {
			r.recorder.Record(ObservabilityEvent{
				Kind:              EventWatchdogMissed,
				WatchdogSubsystem: subsystem,
				WatchdogTimeoutMs: uint32(deadline.Milliseconds()),
				WatchdogAction:    WatchdogRestart,
			})
		}
	case WatchdogPanic:
		if r.crash != nil {
			r.crash.Capture("watchdog deadline missed for subsystem "+subsystem.String(), nil)
		}
	case WatchdogIgnore:
		// Configured to do nothing; the fired latch above still prevents
		// repeated evaluation of the same missed window.
	}
}

// DrainRestartRequests returns and clears every pending restart request
// raised since the last drain, for the service manager to act on.
func (r *WatchdogRegistry) DrainRestartRequests() []RestartRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.restarts
	r.restarts = nil
	return out
}
