package beacon

import (
	"github.com/chirp-discovery/chirp/lib/logger"
)

var (
	l     = logger.DefaultLogger.NewFacility("beacon", "Local broadcast/multicast transport")
	debug = logger.DefaultLogger.ShouldDebug("beacon")
)
