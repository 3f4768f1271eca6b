package log

// Logger receives server events. Log is called from timer and listener
// goroutines, so implementations must be safe for concurrent use and must
// not block for long.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards all events. The zero value is ready to use.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(event Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// MultiLogger copies every event to each of its sinks in order.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger creates a MultiLogger. Nil sinks are skipped.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	m := &MultiLogger{sinks: make([]Logger, 0, len(sinks))}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Log forwards the event to every sink.
func (m *MultiLogger) Log(event Event) {
	for _, s := range m.sinks {
		s.Log(event)
	}
}

// Select returns a Logger that forwards only events of the given
// categories to next. With no categories every event is forwarded.
func Select(next Logger, categories ...Category) Logger {
	if len(categories) == 0 {
		return next
	}
	allowed := make(map[Category]bool, len(categories))
	for _, c := range categories {
		allowed[c] = true
	}
	return LoggerFunc(func(event Event) {
		if allowed[event.Category] {
			next.Log(event)
		}
	})
}

var (
	_ Logger = NoopLogger{}
	_ Logger = LoggerFunc(nil)
	_ Logger = (*MultiLogger)(nil)
)
