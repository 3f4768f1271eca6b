// Package commands implements the lwm2m-log CLI commands.
package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/lwm2m-go/lwm2m-server/pkg/log"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [endpoint] CATEGORY label
	ts := event.Timestamp.UTC().Format(timestampLayout)
	fmt.Fprintf(w, "%s [%s] %s %s\n", ts, endpointLabel(event), event.Category.String(), typeLabel(event))

	switch {
	case event.Registration != nil:
		formatRegistrationDetails(w, event)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Request != nil:
		formatRequestDetails(w, event.Request)
	case event.Notification != nil:
		formatNotificationDetails(w, event.Notification)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

func endpointLabel(event log.Event) string {
	switch {
	case event.Endpoint != "":
		return event.Endpoint
	case event.RegistrationID != "":
		return "reg:" + shortenID(event.RegistrationID)
	default:
		return "-"
	}
}

func typeLabel(event log.Event) string {
	switch {
	case event.Registration != nil:
		return event.Registration.Action.String()
	case event.StateChange != nil:
		return event.StateChange.NewState
	case event.Request != nil:
		return event.Request.Operation
	case event.Notification != nil:
		if event.Notification.Periodic {
			return "Periodic"
		}
		return "Changed"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenID returns the first 8 characters of an id.
func shortenID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatRegistrationDetails(w io.Writer, event log.Event) {
	reg := event.Registration
	fmt.Fprintf(w, "  ID: %s\n", event.RegistrationID)
	if event.Peer != "" {
		fmt.Fprintf(w, "  Peer: %s\n", event.Peer)
	}
	if reg.Lifetime > 0 {
		fmt.Fprintf(w, "  Lifetime: %s\n", reg.Lifetime)
	}
	if reg.Binding != "" {
		fmt.Fprintf(w, "  Binding: %s\n", reg.Binding)
	}
	if reg.PreviousID != "" {
		if reg.Action == log.ActionReplaced {
			fmt.Fprintf(w, "  Replaced by: %s\n", reg.PreviousID)
		} else {
			fmt.Fprintf(w, "  Replaces: %s\n", reg.PreviousID)
		}
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatRequestDetails(w io.Writer, req *log.RequestEvent) {
	if req.Path != "" {
		fmt.Fprintf(w, "  Path: %s\n", req.Path)
	}
	fmt.Fprintf(w, "  Outcome: %s\n", req.Outcome)
	if req.Code != "" {
		fmt.Fprintf(w, "  Code: %s\n", req.Code)
	}
	if req.Duration != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*req.Duration))
	}
}

func formatNotificationDetails(w io.Writer, n *log.NotificationEvent) {
	fmt.Fprintf(w, "  Path: %s\n", n.Path)
	fmt.Fprintf(w, "  Size: %d bytes\n", n.Size)
	if len(n.Value) > 0 {
		fmt.Fprintf(w, "  Value: %s", formatValue(n.Value))
		if n.Truncated {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatValue prints printable UTF-8 values as quoted text, anything else
// as hex.
func formatValue(v []byte) string {
	if utf8.Valid(v) {
		printable := true
		for _, r := range string(v) {
			if r < 0x20 || r == 0x7f {
				printable = false
				break
			}
		}
		if printable {
			return fmt.Sprintf("%q", v)
		}
	}
	return hex.EncodeToString(v)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// RunView prints every event of the log file matching filter.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}
