// Package timekeep implements timer and timekeeping (L3), spec.md §4.1:
// PIT programming, RTC-seeded wall-clock time, and TSC-calibrated precise
// time. Grounded on original_source/kernel/src/time.rs for the RTC
// BCD-detection and PIT-divisor arithmetic, adapted to use arch's
// go:linkname'd port-I/O primitives instead of the original's inline
// asm/Port type, and on the teacher's stats package (stats/stats.go) for
// the convention of gating TSC use behind a "do we trust this counter yet"
// flag rather than assuming it is always calibrated.
package timekeep

import (
	"sync/atomic"

	"github.com/nyxkernel/nyxcore/internal/arch"
)

const (
	cmosAddress = 0x70
	cmosData    = 0x71

	rtcSeconds = 0x00
	rtcMinutes = 0x02
	rtcHours   = 0x04
	rtcDay     = 0x07
	rtcMonth   = 0x08
	rtcYear    = 0x09
	rtcStatusA = 0x0A
	rtcStatusB = 0x0B

	pitFrequencyHz    = 1193182
	defaultTimerHz    = 1000
	pitCommandPort    = 0x43
	pitChannel0Port   = 0x40
	pitMode2LoHi      = 0x36
)

// DateTime is a wall-clock reading with second resolution.
type DateTime struct {
	Year   uint16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

var daysInMonth = [12]uint64{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func isLeapYear(year uint16) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

// ToUnix converts dt to seconds since the Unix epoch, assuming UTC.
func (dt DateTime) ToUnix() uint64 {
	var days uint64
	for y := uint16(1970); y < dt.Year; y++ {
		if isLeapYear(y) {
			days += 366
		} else {
			days += 365
		}
	}
	for m := uint8(1); m < dt.Month; m++ {
		days += daysInMonth[m-1]
		if m == 2 && isLeapYear(dt.Year) {
			days++
		}
	}
	days += uint64(dt.Day - 1)

	secondsToday := uint64(dt.Hour)*3600 + uint64(dt.Minute)*60 + uint64(dt.Second)
	return days*86400 + secondsToday
}

func bcdToBinary(b uint8) uint8 {
	return (b & 0x0F) + (b>>4)*10
}

func readRTCRegister(reg uint8) uint8 {
	arch.Outb(cmosAddress, reg)
	return arch.Inb(cmosData)
}

func rtcUpdating() bool {
	return readRTCRegister(rtcStatusA)&0x80 != 0
}

// ReadRTC blocks until the RTC is not mid-update, then reads a consistent
// DateTime, applying BCD-to-binary conversion when status register B
// indicates the RTC is in BCD mode (bit 2 clear).
func ReadRTC() DateTime {
	for rtcUpdating() {
	}

	second := readRTCRegister(rtcSeconds)
	minute := readRTCRegister(rtcMinutes)
	hour := readRTCRegister(rtcHours)
	day := readRTCRegister(rtcDay)
	month := readRTCRegister(rtcMonth)
	year := readRTCRegister(rtcYear)
	statusB := readRTCRegister(rtcStatusB)
	isBCD := statusB&0x04 == 0

	conv := func(v uint8) uint8 {
		if isBCD {
			return bcdToBinary(v)
		}
		return v
	}

	return DateTime{
		Year:   uint16(conv(year)) + 2000,
		Month:  conv(month),
		Day:    conv(day),
		Hour:   conv(hour),
		Minute: conv(minute),
		Second: conv(second),
	}
}

// Clock is the kernel's timekeeping singleton: PIT tick counter, wall-clock
// seed, and TSC calibration state. UptimeTicks and SystemTimeUnix use
// sequentially-consistent atomics (spec.md §5: observed cross-CPU), while
// the TSC frequency is written once at calibration and read thereafter.
type Clock struct {
	uptimeTicks   atomic.Uint64
	timerHz       atomic.Uint64
	systemTimeUnix atomic.Uint64
	tscFreqHz     atomic.Uint64
}

// NewClock seeds wall-clock time from the RTC and programs the PIT to tick
// at defaultTimerHz. TSC calibration is a separate step (Calibrate) since
// it requires the PIT/uptime ticks to already be advancing.
func NewClock() *Clock {
	c := &Clock{}
	c.timerHz.Store(defaultTimerHz)
	c.systemTimeUnix.Store(ReadRTC().ToUnix())
	c.programPIT(defaultTimerHz)
	return c
}

func (c *Clock) programPIT(hz uint32) {
	divisor := uint16(pitFrequencyHz / hz)
	arch.Outb(pitCommandPort, pitMode2LoHi)
	arch.Outb(pitChannel0Port, uint8(divisor&0xFF))
	arch.Outb(pitChannel0Port, uint8(divisor>>8))
	c.timerHz.Store(uint64(hz))
}

// Tick is invoked from the timer interrupt handler once per PIT period. It
// advances UptimeTicks monotonically (P14) and rolls SystemTimeUnix
// forward by one second every timerHz ticks.
func (c *Clock) Tick() {
	ticks := c.uptimeTicks.Add(1)
	hz := c.timerHz.Load()
	if hz != 0 && ticks%hz == 0 {
		c.systemTimeUnix.Add(1)
	}
}

// UptimeTicks returns the number of PIT ticks since boot.
func (c *Clock) UptimeTicks() uint64 { return c.uptimeTicks.Load() }

// UptimeMillis returns milliseconds since boot, derived from the tick
// count and the programmed timer frequency.
func (c *Clock) UptimeMillis() uint64 {
	hz := c.timerHz.Load()
	if hz == 0 {
		return 0
	}
	return (c.uptimeTicks.Load() * 1000) / hz
}

// SystemTimeUnix returns the current wall-clock time in Unix seconds.
func (c *Clock) SystemTimeUnix() uint64 { return c.systemTimeUnix.Load() }

// Calibrate measures the TSC frequency against durationMs worth of PIT
// ticks. The caller supplies a busy-wait function (sleepMs) so this can be
// exercised in a hosted test without a real timer interrupt driving Tick.
func (c *Clock) Calibrate(durationMs uint64, sleepMs func(uint64)) {
	startTSC := arch.Rdtsc()
	startMs := c.UptimeMillis()

	sleepMs(durationMs)

	endTSC := arch.Rdtsc()
	endMs := c.UptimeMillis()

	elapsed := endMs - startMs
	if elapsed == 0 {
		return
	}
	freq := ((endTSC - startTSC) * 1000) / elapsed
	c.tscFreqHz.Store(freq)
}

// TSCFreqHz returns the calibrated TSC frequency, or 0 if Calibrate has
// not yet produced a nonzero measurement.
func (c *Clock) TSCFreqHz() uint64 { return c.tscFreqHz.Load() }

// PreciseTimeNs returns a nanosecond-resolution timestamp derived from the
// TSC when calibrated, falling back to millisecond-derived uptime
// otherwise.
func (c *Clock) PreciseTimeNs() uint64 {
	freq := c.tscFreqHz.Load()
	if freq == 0 {
		return c.UptimeMillis() * 1_000_000
	}
	return (arch.Rdtsc() * 1_000_000_000) / freq
}
