package timekeep

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDateTimeToUnixEpoch(t *testing.T) {
	dt := DateTime{Year: 1970, Month: 1, Day: 1, Hour: 0, Minute: 0, Second: 0}
	require.Equal(t, uint64(0), dt.ToUnix())
}

func TestDateTimeToUnixKnownDate(t *testing.T) {
	// 2024-01-01 00:00:00 UTC is 1704067200.
	dt := DateTime{Year: 2024, Month: 1, Day: 1, Hour: 0, Minute: 0, Second: 0}
	require.Equal(t, uint64(1704067200), dt.ToUnix())
}

func TestDateTimeToUnixAccountsForLeapDay(t *testing.T) {
	before := DateTime{Year: 2024, Month: 2, Day: 28}
	after := DateTime{Year: 2024, Month: 3, Day: 1}
	// 2024 is a leap year, so March 1 is two days after Feb 28 (28th,
	// 29th, then March 1st), not one.
	require.Equal(t, uint64(2*86400), after.ToUnix()-before.ToUnix())
}

func TestBcdToBinary(t *testing.T) {
	require.Equal(t, uint8(59), bcdToBinary(0x59))
	require.Equal(t, uint8(0), bcdToBinary(0x00))
	require.Equal(t, uint8(23), bcdToBinary(0x23))
}

func TestClockTickAdvancesUptimeMonotonically(t *testing.T) {
	// P14: uptime never goes backwards.
	c := &Clock{}
	c.timerHz.Store(1000)

	var last uint64
	for i := 0; i < 2500; i++ {
		c.Tick()
		now := c.UptimeTicks()
		require.GreaterOrEqual(t, now, last)
		last = now
	}
	require.Equal(t, uint64(2500), c.UptimeTicks())
}

func TestClockTickRollsSystemTimeForwardEverySecond(t *testing.T) {
	c := &Clock{}
	c.timerHz.Store(100)
	c.systemTimeUnix.Store(1000)

	for i := 0; i < 250; i++ {
		c.Tick()
	}
	// 250 ticks at 100Hz = 2.5s elapsed -> system time advances by 2.
	require.Equal(t, uint64(1002), c.SystemTimeUnix())
}

func TestClockUptimeMillisDerivesFromTicksAndFrequency(t *testing.T) {
	c := &Clock{}
	c.timerHz.Store(1000)
	for i := 0; i < 500; i++ {
		c.Tick()
	}
	require.Equal(t, uint64(500), c.UptimeMillis())
}

func TestClockTSCFreqZeroUntilCalibrated(t *testing.T) {
	c := &Clock{}
	require.Equal(t, uint64(0), c.TSCFreqHz())
}
