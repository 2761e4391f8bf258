package sync

import (
	"os"
	"strconv"
	"time"

	"github.com/chirp-discovery/chirp/lib/logger"
)

// defaultThreshold is how long a lock may be held before the loggedMutex
// family complains, absent CHIRP_LOCKTHRESHOLD. CHIRP's hottest locks guard
// in-memory set mutation, not disk or network I/O, so a tight bound is more
// useful here than a generic service-wide default would be: it catches a
// send stuck under registered_mu during REQUEST replay quickly instead of
// waiting for it to become a visible stall.
const defaultThreshold = 20 * time.Millisecond

var (
	threshold = defaultThreshold
	l         = logger.DefaultLogger.NewFacility("sync", "Mutexes")

	// debug is read once here rather than per Lock/Unlock: this package
	// sits on the hot path of every registered/discovered set mutation,
	// and a lookup on every call would defeat the point of only paying
	// for the logging wrappers when someone asked for them.
	debug = logger.DefaultLogger.ShouldDebug("sync")
)

func init() {
	if d, ok := thresholdFromEnv("CHIRP_LOCKTHRESHOLD"); ok {
		threshold = d
	}
	if debug {
		l.Debugf("lock logging enabled, threshold %v", threshold)
	}
}

// thresholdFromEnv parses name as a positive count of milliseconds. A
// missing, empty, zero, negative, or unparseable value is reported as "not
// set" rather than an error: a malformed override should fall back to
// defaultThreshold quietly, not take down the package it instruments.
func thresholdFromEnv(name string) (time.Duration, bool) {
	ms, err := strconv.Atoi(os.Getenv(name))
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
