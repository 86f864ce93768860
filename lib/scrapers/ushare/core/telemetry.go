package core

import (
	"quotashare-backend/lib/restyutil"
	"quotashare-backend/lib/telemetry"
)

var tracer = telemetry.Tracer("scrapers/ushare/core")
var restyInstrumentOutput restyutil.InstrumentOutput

// SetRestyInstrumentOutput enables dumping of raw portal exchanges for
// debugging. Must be called before clients are constructed.
func SetRestyInstrumentOutput(out restyutil.InstrumentOutput) {
	restyInstrumentOutput = out
}
