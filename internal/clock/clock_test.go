package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/intraday-trader/internal/clock"
)

const ist = "Asia/Kolkata"

func mustGate(t *testing.T, at time.Time, holidays ...string) *clock.MarketHoursGate {
	t.Helper()
	g, err := clock.New(clock.FixedClock{At: at}, ist, "09:15", "15:00", "15:30", holidays)
	require.NoError(t, err)
	return g
}

func TestClassifyWindows(t *testing.T) {
	loc, err := time.LoadLocation(ist)
	require.NoError(t, err)

	cases := []struct {
		name string
		at   time.Time
		want clock.Window
	}{
		{"before open", time.Date(2026, 8, 3, 9, 0, 0, 0, loc), clock.WindowClosed},
		{"at entry open", time.Date(2026, 8, 3, 9, 15, 0, 0, loc), clock.WindowEntry},
		{"mid entry window", time.Date(2026, 8, 3, 12, 0, 0, 0, loc), clock.WindowEntry},
		{"at entry close", time.Date(2026, 8, 3, 15, 0, 0, 0, loc), clock.WindowExitOnly},
		{"mid exit only", time.Date(2026, 8, 3, 15, 15, 0, 0, loc), clock.WindowExitOnly},
		{"after exit only close", time.Date(2026, 8, 3, 15, 30, 0, 0, loc), clock.WindowClosed},
		{"weekend", time.Date(2026, 8, 1, 12, 0, 0, 0, loc), clock.WindowClosed}, // Saturday
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := mustGate(t, tc.at)
			require.Equal(t, tc.want, g.Classify())
		})
	}
}

func TestClassifyHoliday(t *testing.T) {
	loc, err := time.LoadLocation(ist)
	require.NoError(t, err)
	at := time.Date(2026, 8, 3, 12, 0, 0, 0, loc)

	g := mustGate(t, at, "2026-08-03")
	require.Equal(t, clock.WindowClosed, g.Classify())
}

func TestNewRejectsBadTimezone(t *testing.T) {
	_, err := clock.New(clock.SystemClock{}, "Not/ARealZone", "09:15", "15:00", "15:30", nil)
	require.Error(t, err)
}

func TestNewRejectsBadHHMM(t *testing.T) {
	_, err := clock.New(clock.SystemClock{}, ist, "nope", "15:00", "15:30", nil)
	require.Error(t, err)
}

func TestWindowString(t *testing.T) {
	require.Equal(t, "entry", clock.WindowEntry.String())
	require.Equal(t, "exit_only", clock.WindowExitOnly.String())
	require.Equal(t, "closed", clock.WindowClosed.String())
}
