// Package commands implements the gobgpdctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/wolfguard/gobgpd/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatNeighbors renders a slice of BGP neighbors in the requested format.
func formatNeighbors(neighbors []server.Neighbor, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(neighbors)
	case formatTable:
		return formatNeighborsTable(neighbors)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatNeighbor renders a single BGP neighbor in the requested format.
func formatNeighbor(n server.Neighbor, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(n)
	case formatTable:
		return formatNeighborDetail(n)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a session event in the requested format.
func formatEvent(event server.Event, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(event)
	case formatTable:
		return formatEventTable(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatNeighborsTable(neighbors []server.Neighbor) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tAS\tROUTER-ID\tSTATE\tHOLD\tFLAPS\tADMIN")

	for _, n := range neighbors {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			n.Addr,
			n.RemoteAS,
			orNA(n.RemoteID),
			n.State,
			n.HoldTime,
			n.Flaps,
			adminLabel(n.AdminDown),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatNeighborDetail(n server.Neighbor) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Peer Address:\t%s\n", n.Addr)
	fmt.Fprintf(w, "Remote AS:\t%d\n", n.RemoteAS)
	fmt.Fprintf(w, "Remote Router ID:\t%s\n", orNA(n.RemoteID))
	fmt.Fprintf(w, "State:\t%s\n", n.State)
	fmt.Fprintf(w, "Last State:\t%s\n", n.LastState)
	fmt.Fprintf(w, "Admin Status:\t%s\n", adminLabel(n.AdminDown))
	fmt.Fprintf(w, "Passive:\t%t\n", n.Passive)
	fmt.Fprintf(w, "Hold Time:\t%s\n", n.HoldTime)
	fmt.Fprintf(w, "Idle Hold Time:\t%s\n", n.IdleHoldTime)
	fmt.Fprintf(w, "Connect Attempts:\t%d\n", n.ConnectAttempts)
	fmt.Fprintf(w, "Flaps:\t%d\n", n.Flaps)
	fmt.Fprintf(w, "Queue Dropped:\t%d\n", n.QueueDropped)

	if n.LastEvent != "" {
		fmt.Fprintf(w, "Last Event:\t%s\n", n.LastEvent)
	}
	if ts := n.LastEventAt; ts != nil {
		fmt.Fprintf(w, "Last Event At:\t%s\n", ts.Format(time.RFC3339))
	}
	if ts := n.LastStateChangeAt; ts != nil {
		fmt.Fprintf(w, "Last State Change:\t%s\n", ts.Format(time.RFC3339))
	}

	if nt := n.NotificationIn; nt != nil {
		fmt.Fprintf(w, "Notification In:\t%s\n", notificationLabel(nt))
	}
	if nt := n.NotificationOut; nt != nil {
		fmt.Fprintf(w, "Notification Out:\t%s\n", notificationLabel(nt))
	}

	fmt.Fprintf(w, "Messages Sent:\t%d\n", n.MessagesSent)
	fmt.Fprintf(w, "Messages Received:\t%d\n", n.MessagesReceived)
	fmt.Fprintf(w, "Updates Received:\t%d\n", n.UpdatesReceived)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatEventTable(event server.Event) string {
	line := fmt.Sprintf("[%s] %s  %s -> %s",
		event.Timestamp.Format(time.RFC3339),
		event.Peer,
		event.OldState,
		event.NewState,
	)
	if event.Reason != "" {
		line += "  reason=" + event.Reason
	}

	return line
}

// --- JSON formatter ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data), nil
}

// --- Label helpers ---

func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}

func adminLabel(down bool) string {
	if down {
		return "down"
	}
	return "up"
}

func notificationLabel(nt *server.NotificationInfo) string {
	label := fmt.Sprintf("code %d subcode %d at %s", nt.Code, nt.Subcode, nt.At.Format(time.RFC3339))
	if nt.Reason != "" {
		label += " (" + nt.Reason + ")"
	}

	return label
}
