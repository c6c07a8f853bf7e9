package guardian

import (
	"log/slog"
	"time"

	"promptrelay/internal/bus"
)

// Status is the transient indicator shown while a launch runs.
type Status string

const (
	StatusWorking   Status = "working"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// StatusReporter shows launch progress to the user.
type StatusReporter interface {
	Report(status Status, site, method string)
}

// ReporterFunc adapts a function to StatusReporter.
type ReporterFunc func(status Status, site, method string)

func (f ReporterFunc) Report(status Status, site, method string) { f(status, site, method) }

// EventReporter publishes status changes on the event bus.
type EventReporter struct {
	Events *bus.EventBus
}

func (r EventReporter) Report(status Status, site, method string) {
	typ := bus.EventStatusInfo
	switch status {
	case StatusWorking:
		typ = bus.EventStatusWorking
	case StatusSucceeded:
		typ = bus.EventStatusSuccess
	case StatusFailed:
		typ = bus.EventStatusFailed
	}
	r.Events.Emit(bus.Event{
		Type:      typ,
		Source:    "guardian",
		Payload:   map[string]any{"status": string(status), "site": site, "method": method},
		Timestamp: time.Now(),
	})
}

// LogReporter writes status changes to a logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(status Status, site, method string) {
	args := []any{"status", status, "site", site}
	if method != "" {
		args = append(args, "method", method)
	}
	r.Logger.Info("launch status", args...)
}

type nopReporter struct{}

func (nopReporter) Report(Status, string, string) {}
