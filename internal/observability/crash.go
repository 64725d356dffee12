package observability

import (
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/arch/x86/x86asm"
)

// CrashHandler turns a captured panic plus its backtrace into a
// recordable Crash event. original_source's crash handler is a stub that
// records the raw message; this one demangles each backtrace frame name
// before folding it into the event, the way a production crash handler
// cleans up symbol names for human consumption.
type CrashHandler struct {
	recorder *FlightRecorder
}

// NewCrashHandler builds a handler that records into recorder.
func NewCrashHandler(recorder *FlightRecorder) *CrashHandler {
	return &CrashHandler{recorder: recorder}
}

// demangleFrame best-effort demangles a single backtrace frame's function
// name. Frames that aren't mangled (plain Go symbols, or names demangle
// doesn't recognize) are returned unchanged.
func demangleFrame(name string) string {
	if out, err := demangle.ToString(name, demangle.NoParams); err == nil {
		return out
	}
	return name
}

// Capture demangles every frame in backtrace, joins them, and records a
// Crash event carrying the result.
func (h *CrashHandler) Capture(message string, backtrace []string) {
	h.capture(message, backtrace, nil, 0)
}

// CaptureWithInstruction behaves like Capture but additionally disassembles
// the bytes at the faulting instruction pointer, appending the decoded
// mnemonic to the crash message so a postmortem reader can see what
// actually executed without reaching for an external disassembler.
// instrBytes should hold the few bytes at rip; a decode failure falls back
// to a raw hex dump rather than dropping the information.
func (h *CrashHandler) CaptureWithInstruction(message string, backtrace []string, instrBytes []byte, rip uint64) {
	h.capture(message, backtrace, instrBytes, rip)
}

func (h *CrashHandler) capture(message string, backtrace []string, instrBytes []byte, rip uint64) {
	frames := make([]string, len(backtrace))
	for i, f := range backtrace {
		frames[i] = demangleFrame(f)
	}

	full := message
	if instrBytes != nil {
		full += "\n" + disassembleFault(instrBytes, rip)
	}
	if len(frames) > 0 {
		full = full + "\n" + strings.Join(frames, "\n")
	}

	h.recorder.Record(ObservabilityEvent{
		Kind:         EventCrash,
		CrashMessage: full,
	})
}

// disassembleFault decodes the single 64-bit-mode instruction at the start
// of instrBytes. A malformed or truncated sequence (the common case for a
// fault captured from a partial page) falls back to the raw bytes instead
// of failing the capture.
func disassembleFault(instrBytes []byte, rip uint64) string {
	inst, err := x86asm.Decode(instrBytes, 64)
	if err != nil {
		return fmt.Sprintf("rip=%#x bytes=% x (decode failed: %v)", rip, instrBytes, err)
	}
	return fmt.Sprintf("rip=%#x %s", rip, x86asm.GNUSyntax(inst, rip, nil))
}
