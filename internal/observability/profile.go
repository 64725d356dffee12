package observability

import (
	"io"

	"github.com/google/pprof/profile"
)

// ExportProfile renders a snapshot of the flight recorder's current
// contents as a pprof profile, one sample per recorded event, so a
// captured window can be opened in `go tool pprof` for postmortem
// analysis the way a user-space profiler's capture would be. Each sample
// counts one event (value 1, sample type events/count); events with the
// same subsystem and severity share one location.
func (fr *FlightRecorder) ExportProfile() *profile.Profile {
	events := fr.Snapshot()

	valueType := &profile.ValueType{Type: "events", Unit: "count"}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{valueType},
		PeriodType: valueType,
		Period:     1,
	}

	bySubsystem := make(map[Subsystem]*profile.Function)
	type locKey struct {
		sub Subsystem
		sev Severity
	}
	byKey := make(map[locKey]*profile.Location)

	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	for _, ev := range events {
		sub := DetermineSubsystem(ev)
		sev := DetermineSeverity(ev)

		fn, ok := bySubsystem[sub]
		if !ok {
			fn = &profile.Function{ID: nextFuncID, Name: subsystemName(sub)}
			nextFuncID++
			bySubsystem[sub] = fn
			p.Function = append(p.Function, fn)
		}

		key := locKey{sub: sub, sev: sev}
		loc, ok := byKey[key]
		if !ok {
			loc = &profile.Location{
				ID:   nextLocID,
				Line: []profile.Line{{Function: fn, Line: int64(sev)}},
			}
			nextLocID++
			byKey[key] = loc
			p.Location = append(p.Location, loc)
		}

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label:    map[string][]string{"kind": {sev.String()}},
		})
	}

	return p
}

// WriteProfile exports and serializes the profile to w (gzip-compressed
// pprof wire format, per profile.Write's contract).
func (fr *FlightRecorder) WriteProfile(w io.Writer) error {
	return fr.ExportProfile().Write(w)
}

func subsystemName(s Subsystem) string {
	names := [...]string{
		"memory", "capability", "interrupt", "timer", "scheduler", "process",
		"syscall", "pci", "msi", "percpu", "observability", "slo",
		"secureboot", "storage", "network", "filesystem", "ipc", "power",
		"thermal", "numa", "audio", "compositor", "input", "unknown",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}
