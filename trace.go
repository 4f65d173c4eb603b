package flowmux

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Trace is the per-connection diagnostic context: a serial for log
// correlation, a logger and a clock. It is passed explicitly through the
// call chain so two connections never share diagnostic state.
type Trace struct {
	Serial string
	Logger zerolog.Logger
	Clock  clock.Clock
}

// NewTrace returns a Trace with a fresh serial attached to every event
// logged through it.
func NewTrace(logger zerolog.Logger) *Trace {
	serial := uuid.NewString()
	return &Trace{
		Serial: serial,
		Logger: logger.With().Str("conn", serial).Logger(),
		Clock:  clock.New(),
	}
}

// nopTrace serves callers that did not supply a Trace.
var nopTrace = &Trace{Logger: zerolog.Nop(), Clock: clock.New()}

func traceOrNop(tr *Trace) *Trace {
	if tr == nil {
		return nopTrace
	}
	return tr
}

// broken reports an internal consistency failure. Release builds log it and
// leave the caller to degrade; builds with the flowmuxdebug tag panic so
// tests fail at the violation site.
func (tr *Trace) broken(component, detail string) {
	if strictMode {
		panic("flowmux: " + component + ": " + detail)
	}
	tr.Logger.Error().Str("component", component).Msg("broken invariant: " + detail)
}
