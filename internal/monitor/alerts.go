package monitor

import "github.com/rs/zerolog"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log at warn level.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Send(message string) error {
	s.Logger.Warn().Str("alert", message).Msg("engine alert")
	return nil
}
