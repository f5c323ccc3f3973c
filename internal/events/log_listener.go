package events

import (
	"context"
	"log/slog"
)

// LogListener writes every event it receives to logger.
func LogListener(logger *slog.Logger) *Listener {
	return NewListener("log", func(_ context.Context, e Event) error {
		attrs := []any{"event", string(e.Type)}
		if e.TaskID != "" {
			attrs = append(attrs, "task_id", e.TaskID)
		}
		if e.ExecutionID != "" {
			attrs = append(attrs, "execution_id", e.ExecutionID)
		}
		for k, v := range e.Data {
			attrs = append(attrs, k, v)
		}
		logger.Info("patrol event", attrs...)
		return nil
	})
}

// Subscribe registers l for each of the given types.
func (b *Bus) Subscribe(l *Listener, types ...Type) {
	for _, t := range types {
		b.On(t, l)
	}
}
