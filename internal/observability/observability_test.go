package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Unix(1000, 0) }

func TestDetermineSeverityAndSubsystemCoverEveryKind(t *testing.T) {
	events := []ObservabilityEvent{
		{Kind: EventProcessCreated}, {Kind: EventProcessExited}, {Kind: EventSyscallEntered},
		{Kind: EventSyscallExited}, {Kind: EventPageFault}, {Kind: EventContextSwitch},
		{Kind: EventInterruptDispatched}, {Kind: EventTLBShootdown}, {Kind: EventCapabilityRevoked},
		{Kind: EventCapabilityExpired}, {Kind: EventCrash}, {Kind: EventSloGateBreached},
		{Kind: EventBootMeasurement}, {Kind: EventTracepointHit, Subsystem: SubsystemScheduler},
		{Kind: EventWatchdogMissed, WatchdogSubsystem: SubsystemPerCPU, WatchdogAction: WatchdogWarn},
	}
	for _, ev := range events {
		sev := DetermineSeverity(ev)
		require.GreaterOrEqual(t, int(sev), int(SeverityTrace))
		sub := DetermineSubsystem(ev)
		require.NotEqual(t, SubsystemUnknown, sub)
	}
	require.Equal(t, SeverityFatal, DetermineSeverity(ObservabilityEvent{Kind: EventCrash}))
}

func TestDetermineSeverityWatchdogDependsOnAction(t *testing.T) {
	require.Equal(t, SeverityFatal, DetermineSeverity(ObservabilityEvent{Kind: EventWatchdogMissed, WatchdogAction: WatchdogPanic}))
	require.Equal(t, SeverityError, DetermineSeverity(ObservabilityEvent{Kind: EventWatchdogMissed, WatchdogAction: WatchdogRestart}))
	require.Equal(t, SeverityWarn, DetermineSeverity(ObservabilityEvent{Kind: EventWatchdogMissed, WatchdogAction: WatchdogWarn}))
}

func TestRedactionScrubsPointerishSyscallArgs(t *testing.T) {
	ev := ObservabilityEvent{
		Kind:        EventSyscallEntered,
		SyscallArgs: [6]uint64{0x2000, 5, 0x7fff00000000, 0, 0, 0},
	}
	redact(&ev)
	require.Equal(t, uint64(redactedSentinel), ev.SyscallArgs[0])
	require.Equal(t, uint64(5), ev.SyscallArgs[1])
	require.Equal(t, uint64(redactedSentinel), ev.SyscallArgs[2])
}

func TestRedactionClearsTracepointDataAndNames(t *testing.T) {
	ev := ObservabilityEvent{Kind: EventTracepointHit, TracepointData: []byte("secret")}
	redact(&ev)
	require.Equal(t, "[REDACTED]", string(ev.TracepointData))

	pc := ObservabilityEvent{Kind: EventProcessCreated, ProcessName: "launcher"}
	redact(&pc)
	require.Equal(t, "[REDACTED]", pc.ProcessName)

	cr := ObservabilityEvent{Kind: EventCrash, CrashMessage: "segv at 0xdead"}
	redact(&cr)
	require.Equal(t, "[REDACTED]", cr.CrashMessage)
}

func TestFlightRecorderFIFOEvictionAndDropCounter(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 4, MaxEventSize: 64, RedactionEnabled: false})
	for i := 0; i < 6; i++ {
		fr.Record(ObservabilityEvent{Kind: EventContextSwitch})
	}
	require.Equal(t, 4, fr.Len())
	require.Equal(t, uint64(2), fr.Dropped())

	snap := fr.Snapshot()
	require.Len(t, snap, 4)
	require.Equal(t, uint64(3), snap[0].SequenceID) // oldest surviving event
	require.Equal(t, uint64(6), snap[3].SequenceID) // most recent
}

func TestFlightRecorderSequenceIDsFormContiguousIncreasingSuffix(t *testing.T) {
	// P8: even after eviction, the live entries' sequence ids form a
	// contiguous increasing run.
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 3, RedactionEnabled: false})
	for i := 0; i < 10; i++ {
		fr.Record(ObservabilityEvent{Kind: EventContextSwitch})
	}
	snap := fr.Snapshot()
	require.Len(t, snap, 3)
	for i := 1; i < len(snap); i++ {
		require.Equal(t, snap[i-1].SequenceID+1, snap[i].SequenceID)
	}
}

func TestFlightRecorderAppliesRedactionByDefault(t *testing.T) {
	fr := NewFlightRecorder(DefaultFlightRecorderConfig())
	fr.Record(ObservabilityEvent{Kind: EventProcessCreated, ProcessName: "shell"})
	snap := fr.Snapshot()
	require.Equal(t, "[REDACTED]", snap[0].ProcessName)
}

func TestFlightRecorderRecent(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	for i := 0; i < 5; i++ {
		fr.Record(ObservabilityEvent{Kind: EventContextSwitch})
	}
	recent := fr.Recent(2)
	require.Len(t, recent, 2)
	all := fr.Snapshot()
	require.Equal(t, all[len(all)-2:], recent)

	require.Len(t, fr.Recent(100), 5)
	require.Nil(t, fr.Recent(0))
}

func TestFlightRecorderBySubsystem(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	fr.Record(ObservabilityEvent{Kind: EventPageFault})
	fr.Record(ObservabilityEvent{Kind: EventContextSwitch})
	fr.Record(ObservabilityEvent{Kind: EventTLBShootdown})

	mem := fr.BySubsystem(SubsystemMemory)
	require.Len(t, mem, 2)
	for _, ev := range mem {
		require.Equal(t, SubsystemMemory, ev.Subsystem)
	}
}

func TestFlightRecorderByTraceID(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	var gen TraceIDGenerator
	trace := gen.Next(1000)

	fr.Record(ObservabilityEvent{Kind: EventContextSwitch})
	fr.RecordWithTrace(ObservabilityEvent{Kind: EventSyscallEntered}, trace, nil)
	fr.RecordWithTrace(ObservabilityEvent{Kind: EventSyscallExited}, trace, nil)

	matched := fr.ByTraceID(trace)
	require.Len(t, matched, 2)
	for _, ev := range matched {
		require.True(t, ev.HasTraceID)
		require.Equal(t, trace, ev.TraceID)
	}
}

func TestFlightRecorderRecordWithTraceStampsParentSpan(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	var gen TraceIDGenerator
	trace := gen.Next(1000)
	parent := uint64(7)

	fr.RecordWithTrace(ObservabilityEvent{Kind: EventSyscallEntered}, trace, &parent)
	snap := fr.Snapshot()
	require.Len(t, snap, 1)
	require.True(t, snap[0].HasParentSpanID)
	require.Equal(t, uint64(7), snap[0].ParentSpanID)
}

func TestTracepointRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewTracepointRegistry(nil)
	_, err := r.Register("sched.context_switch", SubsystemScheduler)
	require.NoError(t, err)

	_, err = r.Register("sched.context_switch", SubsystemScheduler)
	require.ErrorIs(t, err, ErrDuplicateTracepoint)
}

func TestTracepointEnableDisableTracksCount(t *testing.T) {
	r := NewTracepointRegistry(nil)
	tp, err := r.Register("mem.page_fault", SubsystemMemory)
	require.NoError(t, err)
	require.False(t, tp.IsEnabled())

	require.NoError(t, r.Enable("mem.page_fault"))
	require.True(t, tp.IsEnabled())
	require.Equal(t, int64(1), r.EnabledCount())

	require.NoError(t, r.Disable("mem.page_fault"))
	require.False(t, tp.IsEnabled())
	require.Equal(t, int64(0), r.EnabledCount())
}

func TestTracepointEnableUnknownFails(t *testing.T) {
	r := NewTracepointRegistry(nil)
	require.ErrorIs(t, r.Enable("nope"), ErrUnknownTracepoint)
}

func TestTracepointFireDisabledPerformsNoWrites(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	r := NewTracepointRegistry(fr)
	tp, err := r.Register("sched.context_switch", SubsystemScheduler)
	require.NoError(t, err)

	hits := 0
	tp.AddProbe(func(TracepointEvent) { hits++ })

	for i := 0; i < 1000; i++ {
		tp.Fire(fr, uint64(i), []uint64{1}, []byte("x"))
	}
	require.Equal(t, uint64(0), tp.HitCount())
	require.Equal(t, uint64(0), tp.LastHitNs())
	require.Equal(t, 0, hits)
	require.Equal(t, 0, fr.Len())
}

func TestTracepointFireEnabledCountsExactly(t *testing.T) {
	const n = 1000
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: n + 1, RedactionEnabled: false})
	r := NewTracepointRegistry(fr)
	tp, err := r.Register("sched.context_switch", SubsystemScheduler)
	require.NoError(t, err)
	require.NoError(t, r.Enable("sched.context_switch"))

	hits := 0
	tp.AddProbe(func(TracepointEvent) { hits++ })

	for i := 0; i < n; i++ {
		tp.Fire(fr, uint64(i+1), []uint64{1}, []byte("x"))
	}
	require.Equal(t, uint64(n), tp.HitCount())
	require.Equal(t, uint64(n), tp.LastHitNs())
	require.Equal(t, n, hits)
	require.Equal(t, n, fr.Len())
}

func TestTracepointFireTruncatesPayloadAndClampsArgs(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	r := NewTracepointRegistry(fr)
	tp, err := r.Register("io.read", SubsystemStorage)
	require.NoError(t, err)
	require.NoError(t, r.Enable("io.read"))

	var got TracepointEvent
	tp.AddProbe(func(ev TracepointEvent) { got = ev })

	bigPayload := make([]byte, MaxTracepointPayload+100)
	args := make([]uint64, MaxTracepointArgs+4)
	for i := range args {
		args[i] = uint64(i + 1)
	}

	tp.Fire(fr, 42, args, bigPayload)
	require.Len(t, got.Data, MaxTracepointPayload)
	require.Equal(t, MaxTracepointArgs, got.ArgCount)
	require.Equal(t, uint64(1), got.Args[0])
}

func TestRegistryFireIgnoresUnknownName(t *testing.T) {
	r := NewTracepointRegistry(nil)
	r.Fire("does.not.exist", 1, nil, nil) // must not panic
}

func TestTraceIDGeneratorMonotonicAndAge(t *testing.T) {
	var gen TraceIDGenerator
	a := gen.Next(1000)
	b := gen.Next(2000)
	require.Less(t, a.High, b.High)
	require.Equal(t, uint64(1000), a.Age(2000))
	require.Equal(t, uint64(0), a.Age(500)) // clock never appears to go backwards
}

func TestWatchdogFiresActionExactlyOncePerMissedWindow(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	reg := NewWatchdogRegistry(fr, nil)

	now := fixedNow()
	reg.Arm(SubsystemScheduler, 10, WatchdogWarn, now)

	reg.CheckAll(now.Add(20))
	reg.CheckAll(now.Add(30)) // still missed, but already fired: no second event

	matched := fr.BySubsystem(SubsystemScheduler)
	require.Len(t, matched, 1)
	require.Equal(t, EventWatchdogMissed, matched[0].Kind)

	require.NoError(t, reg.Kick(SubsystemScheduler, now.Add(31)))
	reg.CheckAll(now.Add(35)) // kicked recently, no miss
	require.Len(t, fr.BySubsystem(SubsystemScheduler), 1)

	reg.CheckAll(now.Add(50)) // missed again after the kick
	require.Len(t, fr.BySubsystem(SubsystemScheduler), 2)
}

func TestWatchdogRestartQueuesRequest(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	reg := NewWatchdogRegistry(fr, nil)
	now := fixedNow()
	reg.Arm(SubsystemIPC, 10, WatchdogRestart, now)

	reg.CheckAll(now.Add(20))
	reqs := reg.DrainRestartRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, SubsystemIPC, reqs[0].Subsystem)

	require.Empty(t, reg.DrainRestartRequests())
}

func TestWatchdogPanicInvokesCrashHandler(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	crash := NewCrashHandler(fr)
	reg := NewWatchdogRegistry(nil, crash)
	now := fixedNow()
	reg.Arm(SubsystemMemory, 10, WatchdogPanic, now)

	reg.CheckAll(now.Add(20))
	snap := fr.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, EventCrash, snap[0].Kind)
	require.Contains(t, snap[0].CrashMessage, "watchdog deadline missed")
}

func TestWatchdogIgnoreStillLatchesFired(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	reg := NewWatchdogRegistry(fr, nil)
	now := fixedNow()
	reg.Arm(SubsystemAudio, 10, WatchdogIgnore, now)

	reg.CheckAll(now.Add(20))
	reg.CheckAll(now.Add(30))
	require.Empty(t, fr.BySubsystem(SubsystemAudio))
}

func TestWatchdogDisarmStopsFiring(t *testing.T) {
	fr := NewFlightRecorder(FlightRecorderConfig{MaxEvents: 8, RedactionEnabled: false})
	reg := NewWatchdogRegistry(fr, nil)
	now := fixedNow()
	reg.Arm(SubsystemNetwork, 10, WatchdogWarn, now)
	reg.Disarm(SubsystemNetwork)

	reg.CheckAll(now.Add(100))
	require.Empty(t, fr.BySubsystem(SubsystemNetwork))
	require.ErrorIs(t, reg.Kick(SubsystemNetwork, now), ErrNoSuchWatchdog)
}
