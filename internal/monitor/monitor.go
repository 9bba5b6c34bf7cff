package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"strategy-engine/internal/events"
)

// Monitor feeds lifecycle events into metrics and raises alerts for task
// failures and promotions.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
	Logger  zerolog.Logger
}

// Start subscribes to the bus and returns once the subscription exists.
// Processing stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		m.Logger.Warn().Msg("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.All, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.Metrics.Observe(msg)
				if alert, ok := formatAlert(msg); ok && m.Sink != nil {
					if err := m.Sink.Send(alert); err != nil {
						m.Logger.Error().Err(err).Msg("alert delivery failed")
					}
				}
			}
		}
	}()
}

func formatAlert(msg events.Message) (string, bool) {
	switch msg.Event {
	case events.EventTaskFailed:
		return fmt.Sprintf("[%s] %s %s stopped in %s: %s", msg.Time.Format("2006-01-02T15:04:05Z07:00"), msg.Strategy, msg.Symbol, msg.Mode, msg.Error), true
	case events.EventPromoted:
		return fmt.Sprintf("[%s] %s %s promoted to Live", msg.Time.Format("2006-01-02T15:04:05Z07:00"), msg.Strategy, msg.Symbol), true
	}
	return "", false
}
