// Package clock provides wall time in the trading timezone and
// classifies it into entry / exit-only / closed windows.
package clock

import (
	"fmt"
	"time"
)

// Clock returns the current time. A real implementation wraps
// time.Now(); tests substitute a fixed or stepped clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now().
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a test double that always returns the same instant.
type FixedClock struct{ At time.Time }

func (f FixedClock) Now() time.Time { return f.At }

// Window classifies a point in time relative to the trading session.
type Window int

const (
	WindowClosed Window = iota
	WindowEntry
	WindowExitOnly
)

func (w Window) String() string {
	switch w {
	case WindowEntry:
		return "entry"
	case WindowExitOnly:
		return "exit_only"
	default:
		return "closed"
	}
}

// MarketHoursGate classifies wall-clock time into entry / exit-only /
// closed windows, evaluated in the configured trading timezone. System
// timezone is never consulted.
type MarketHoursGate struct {
	clock    Clock
	loc      *time.Location
	entryFrom  time.Duration
	entryTo    time.Duration
	exitOnlyTo time.Duration
	holidays map[string]bool
}

// New builds a MarketHoursGate. entryFrom/entryTo/exitOnlyTo are
// "HH:MM" strings in the given IANA timezone name. holidays is a set
// of "YYYY-MM-DD" dates (in the same timezone) treated as closed.
func New(clock Clock, tzName, entryFrom, entryTo, exitOnlyTo string, holidays []string) (*MarketHoursGate, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("load location %s: %w", tzName, err)
	}
	from, err := parseHHMM(entryFrom)
	if err != nil {
		return nil, fmt.Errorf("parse entryFrom: %w", err)
	}
	to, err := parseHHMM(entryTo)
	if err != nil {
		return nil, fmt.Errorf("parse entryTo: %w", err)
	}
	exitTo, err := parseHHMM(exitOnlyTo)
	if err != nil {
		return nil, fmt.Errorf("parse exitOnlyTo: %w", err)
	}
	hset := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		hset[h] = true
	}
	return &MarketHoursGate{
		clock:      clock,
		loc:        loc,
		entryFrom:  from,
		entryTo:    to,
		exitOnlyTo: exitTo,
		holidays:   hset,
	}, nil
}

func parseHHMM(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q: %w", s, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Classify returns the current window.
func (g *MarketHoursGate) Classify() Window {
	now := g.clock.Now().In(g.loc)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return WindowClosed
	}
	if g.holidays[now.Format("2006-01-02")] {
		return WindowClosed
	}
	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second
	switch {
	case sinceMidnight >= g.entryFrom && sinceMidnight < g.entryTo:
		return WindowEntry
	case sinceMidnight >= g.entryTo && sinceMidnight < g.exitOnlyTo:
		return WindowExitOnly
	default:
		return WindowClosed
	}
}

// Now returns the current time in the trading timezone.
func (g *MarketHoursGate) Now() time.Time {
	return g.clock.Now().In(g.loc)
}
