package chirp

import (
	"github.com/chirp-discovery/chirp/lib/logger"
)

var (
	l     = logger.DefaultLogger.NewFacility("chirp", "Manager and wire codec")
	debug = logger.DefaultLogger.ShouldDebug("chirp")
)
