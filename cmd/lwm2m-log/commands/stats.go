package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/lwm2m-go/lwm2m-server/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents      int
	EventsByCategory map[log.Category]int
	RequestOutcomes  map[string]int
	Endpoints        map[string]*EndpointStats
	Errors           int
	TimeRange        struct {
		Start time.Time
		End   time.Time
	}
}

// EndpointStats holds statistics for a single client endpoint.
type EndpointStats struct {
	FirstSeen     time.Time
	LastSeen      time.Time
	Events        int
	Registrations int
	Wakeups       int
	Requests      int
	Notifications int
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByCategory: make(map[log.Category]int),
		RequestOutcomes:  make(map[string]int),
		Endpoints:        make(map[string]*EndpointStats),
	}

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByCategory[event.Category]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Request != nil {
		s.RequestOutcomes[event.Request.Outcome]++
	}
	if event.Error != nil {
		s.Errors++
	}

	if event.Endpoint == "" {
		return
	}
	ep, ok := s.Endpoints[event.Endpoint]
	if !ok {
		ep = &EndpointStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Endpoints[event.Endpoint] = ep
	}
	ep.Events++
	if event.Timestamp.Before(ep.FirstSeen) {
		ep.FirstSeen = event.Timestamp
	}
	if event.Timestamp.After(ep.LastSeen) {
		ep.LastSeen = event.Timestamp
	}

	switch {
	case event.Registration != nil && event.Registration.Action == log.ActionRegistered:
		ep.Registrations++
	case event.StateChange != nil && event.StateChange.NewState == "AWAKE":
		ep.Wakeups++
	case event.Request != nil:
		ep.Requests++
	case event.Notification != nil:
		ep.Notifications++
	}
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== LWM2M Server Event Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{
		log.CategoryRegistration, log.CategoryPresence, log.CategoryRequest,
		log.CategoryNotification, log.CategoryError,
	} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.RequestOutcomes) > 0 {
		fmt.Fprintln(w, "Request Outcomes:")
		outcomes := make([]string, 0, len(stats.RequestOutcomes))
		for o := range stats.RequestOutcomes {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Fprintf(w, "  %-18s %d\n", o+":", stats.RequestOutcomes[o])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Endpoints: %d\n", len(stats.Endpoints))
	if len(stats.Endpoints) > 0 {
		names := make([]string, 0, len(stats.Endpoints))
		for name := range stats.Endpoints {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			a, b := stats.Endpoints[names[i]], stats.Endpoints[names[j]]
			if a.FirstSeen.Equal(b.FirstSeen) {
				return names[i] < names[j]
			}
			return a.FirstSeen.Before(b.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, name := range names {
			ep := stats.Endpoints[name]
			fmt.Fprintf(w, "  [%s] %d events, span %s\n",
				name, ep.Events, ep.LastSeen.Sub(ep.FirstSeen).Round(time.Millisecond))
			fmt.Fprintf(w, "           Registrations: %d  Wakeups: %d  Requests: %d  Notifications: %d\n",
				ep.Registrations, ep.Wakeups, ep.Requests, ep.Notifications)
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
