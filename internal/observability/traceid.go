package observability

import "sync/atomic"

// TraceID is a 128-bit correlation identifier, represented as two 64-bit
// halves since Go has no native 128-bit integer: High carries the
// monotonic counter, Low the generation timestamp in nanoseconds — the
// same (counter << 64) | timestamp layout original_source uses, just
// split across two fields instead of one u128.
type TraceID struct {
	High uint64 // monotonic counter
	Low  uint64 // timestamp, nanoseconds
}

// TraceIDGenerator issues monotonically increasing TraceIDs.
type TraceIDGenerator struct {
	counter atomic.Uint64
}

// Next returns a fresh TraceID stamped with nowNs.
func (g *TraceIDGenerator) Next(nowNs uint64) TraceID {
	return TraceID{High: g.counter.Add(1), Low: nowNs}
}

// Age returns how many nanoseconds have elapsed between id's timestamp and
// nowNs, used to expire correlated trace state.
func (id TraceID) Age(nowNs uint64) uint64 {
	if nowNs <= id.Low {
		return 0
	}
	return nowNs - id.Low
}
