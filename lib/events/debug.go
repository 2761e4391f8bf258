package events

import (
	"os"
	"strings"

	"github.com/chirp-discovery/chirp/lib/logger"
)

var (
	dl = logger.DefaultLogger.NewFacility("events", "Protocol event generation and logging")
)

func init() {
	dl.SetDebug("events", strings.Contains(os.Getenv("CHIRPTRACE"), "events") || os.Getenv("CHIRPTRACE") == "all")
}
