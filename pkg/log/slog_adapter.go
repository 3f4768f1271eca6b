package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes server events to an slog.Logger.
// Useful during development to see events on the console.
type SlogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogAdapter creates a SlogAdapter that logs at Debug level.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger, level: slog.LevelDebug}
}

// WithLevel returns a copy of the adapter that logs at the given level.
func (a *SlogAdapter) WithLevel(level slog.Level) *SlogAdapter {
	return &SlogAdapter{logger: a.logger, level: level}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("event_id", event.ID),
		slog.String("category", event.Category.String()),
	}

	if event.RegistrationID != "" {
		attrs = append(attrs, slog.String("reg_id", event.RegistrationID))
	}
	if event.Endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", event.Endpoint))
	}
	if event.Peer != "" {
		attrs = append(attrs, slog.String("peer", event.Peer))
	}

	switch {
	case event.Registration != nil:
		attrs = append(attrs, slog.String("action", event.Registration.Action.String()))
		if event.Registration.Lifetime > 0 {
			attrs = append(attrs, slog.Duration("lifetime", event.Registration.Lifetime))
		}
		if event.Registration.Binding != "" {
			attrs = append(attrs, slog.String("binding", event.Registration.Binding))
		}
		if event.Registration.PreviousID != "" {
			attrs = append(attrs, slog.String("previous_id", event.Registration.PreviousID))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Request != nil:
		attrs = append(attrs,
			slog.String("operation", event.Request.Operation),
			slog.String("path", event.Request.Path),
			slog.String("outcome", event.Request.Outcome),
		)
		if event.Request.Code != "" {
			attrs = append(attrs, slog.String("code", event.Request.Code))
		}
		if event.Request.Duration != nil {
			attrs = append(attrs, slog.Duration("duration", *event.Request.Duration))
		}
	case event.Notification != nil:
		attrs = append(attrs,
			slog.String("path", event.Notification.Path),
			slog.Int("size", event.Notification.Size),
			slog.Bool("periodic", event.Notification.Periodic),
		)
	case event.Error != nil:
		attrs = append(attrs, slog.String("error_msg", event.Error.Message))
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), a.level, "lwm2m event", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
