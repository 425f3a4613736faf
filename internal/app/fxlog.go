package app

import (
	"github.com/rs/zerolog"
	"go.uber.org/fx/fxevent"
)

// fxLogger reports fx lifecycle events through zerolog.
type fxLogger struct {
	log zerolog.Logger
}

func (l *fxLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Str("callee", e.FunctionName).Msg("start hook failed")
			return
		}
		l.log.Debug().Str("callee", e.FunctionName).Dur("runtime", e.Runtime).Msg("start hook executed")
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Str("callee", e.FunctionName).Msg("stop hook failed")
		}
	case *fxevent.Provided:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Str("constructor", e.ConstructorName).Msg("provide failed")
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Str("function", e.FunctionName).Msg("invoke failed")
		}
	case *fxevent.Stopping:
		l.log.Info().Str("signal", e.Signal.String()).Msg("stopping")
	case *fxevent.Started:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Msg("start failed")
			return
		}
		l.log.Info().Msg("started")
	case *fxevent.RollingBack:
		l.log.Error().Err(e.StartErr).Msg("start failed, rolling back")
	}
}
