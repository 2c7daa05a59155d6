// Package collectors holds the agent's telemetry producers: resource metrics,
// process snapshots, shell command history, and the platform log source. Each
// collector is a long-lived task that writes into the sink provided by the
// agent; on sink failure the record is logged and dropped, never blocking the
// producing loop.
package collectors

import (
	"context"
	"errors"

	"github.com/aegis-siem/aegis/internal/models"
)

// ErrUnsupported is returned by platform-specific collectors on hosts that
// lack the underlying source.
var ErrUnsupported = errors.New("log source not supported on this platform")

// Sink receives collected telemetry. The agent's implementation writes to the
// spool and feeds the rule engine synchronously.
type Sink interface {
	Log(rec models.LogRecord) error
	Metric(sample models.MetricSample) error
	Processes(snaps []models.ProcessSnapshot) error
	Command(evt models.CommandEvent) error
}

// Collector is a long-lived telemetry producer. Run blocks until ctx is
// cancelled and returns nil on a clean stop.
type Collector interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// Meta identifies the host on every record a collector emits.
type Meta struct {
	AgentID  string
	Hostname string
}
