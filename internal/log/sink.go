package log

import (
	"github.com/Klingon-tech/klingnet-driver/internal/fault"
	"github.com/rs/zerolog"
)

// Sink receives classified error reports. Every failure the driver swallows
// in order to keep running ends up here.
type Sink interface {
	Report(r fault.Report)
}

// NewSink returns a sink writing one structured event per report.
func NewSink(l zerolog.Logger) Sink {
	return &logSink{log: l}
}

type logSink struct {
	log zerolog.Logger
}

func (s *logSink) Report(r fault.Report) {
	var ev *zerolog.Event
	switch r.Kind {
	case fault.RaceLoss:
		ev = s.log.Debug()
	case fault.Resource:
		ev = s.log.Warn()
	case fault.Fatal:
		ev = s.log.Error().Bool("fatal", true)
	default:
		ev = s.log.Error()
	}
	ctx := zerolog.Dict()
	for k, v := range r.Context {
		ctx = ctx.Str(k, v)
	}
	ev.Str("kind", r.Kind.String()).
		Time("ts", r.Time).
		Err(r.Err).
		Dict("context", ctx).
		Msg("fault")
}

// NopSink discards reports.
var NopSink Sink = nopSink{}

type nopSink struct{}

func (nopSink) Report(fault.Report) {}
