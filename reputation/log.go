package reputation

import "github.com/btcsuite/btclog"

// log is the package-level logger used by the reputation manager. It is
// disabled by default; callers that want output must call UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package-wide logger used by this package. It should be
// called before the reputation manager is used if log output is desired.
func UseLogger(logger btclog.Logger) {
	log = logger
}
