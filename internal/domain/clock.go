package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// SiteZone is the fixed UTC-3 offset used for every site-local timestamp.
// The monitored region has no daylight saving.
var SiteZone = time.FixedZone("UTC-3", -3*60*60)

// clock is a package-level time source so tests can freeze time via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// Clock returns the active time source.
func Clock() clockwork.Clock {
	return clock
}

// Now returns the current site-local time.
func Now() time.Time {
	return clock.Now().In(SiteZone)
}
