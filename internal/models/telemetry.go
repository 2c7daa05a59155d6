package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Telemetry stream names shared by the spool, the forwarder, and the server
// ingest endpoints.
const (
	StreamLogs      = "logs"
	StreamMetrics   = "metrics"
	StreamProcesses = "processes"
	StreamCommands  = "commands"
	StreamAlerts    = "alerts"
)

// Streams lists every telemetry stream in forwarding order.
var Streams = []string{StreamLogs, StreamMetrics, StreamProcesses, StreamCommands, StreamAlerts}

// LogRecord is one collected log line. Fields is open-ended key/value data
// from the source; Fields["MESSAGE"] is the canonical textual payload.
type LogRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Host      string            `json:"host"`
	AgentID   string            `json:"agent_id"`
	Fields    map[string]string `json:"fields"`
}

// Message returns the canonical textual payload.
func (r LogRecord) Message() string {
	return r.Fields["MESSAGE"]
}

// MetricSample is one host resource sample. Each sub-group is an open mapping
// of well-known keys (cpu_percent, memory_percent, disk_percent, bytes_sent,
// bytes_recv, process_count, ...) so new gauges never require a schema change.
type MetricSample struct {
	Timestamp time.Time          `json:"timestamp"`
	AgentID   string             `json:"agent_id"`
	CPU       map[string]float64 `json:"cpu"`
	Memory    map[string]float64 `json:"memory"`
	Disk      map[string]float64 `json:"disk"`
	Network   map[string]float64 `json:"network"`
	Process   map[string]float64 `json:"process"`
}

// CPUPercent returns the headline CPU gauge, or -1 when absent.
func (m MetricSample) CPUPercent() float64 {
	if v, ok := m.CPU["cpu_percent"]; ok {
		return v
	}
	return -1
}

// ProcessSnapshot is one process observed at collection time. The central
// store keeps the latest snapshot per agent plus an append-only history.
type ProcessSnapshot struct {
	CollectedAt       time.Time `json:"collected_at"`
	AgentID           string    `json:"agent_id"`
	PID               int32     `json:"pid"`
	Name              string    `json:"name"`
	PPID              int32     `json:"ppid"`
	Username          string    `json:"username"`
	Status            string    `json:"status"`
	Cmdline           string    `json:"cmdline"`
	Exe               string    `json:"exe"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	MemoryRSS         uint64    `json:"memory_rss"`
	MemoryVMS         uint64    `json:"memory_vms"`
	NumThreads        int32     `json:"num_threads"`
	NumFDs            int32     `json:"num_fds"`
	NumConnections    int       `json:"num_connections"`
	ConnectionDetails []string  `json:"connection_details,omitempty"`
}

// CommandEvent is one shell command parsed from a user's history file.
// Bash entries carry the ingestion time; zsh extended-history entries carry
// the recorded execution time.
type CommandEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	AgentID          string    `json:"agent_id"`
	User             string    `json:"user"`
	Command          string    `json:"command"`
	Shell            string    `json:"shell"`
	Source           string    `json:"source"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	ExitCode         *int      `json:"exit_code,omitempty"`
}

// DedupHash returns the stable identity used for duplicate suppression on
// both sides of the upload path.
func (c CommandEvent) DedupHash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", c.User, c.Timestamp.Unix(), c.Command)))
	return hex.EncodeToString(sum[:])
}

// AgentAlert is an alert produced by the agent-side rule engine, spooled
// locally and uploaded through the alerts stream. The server re-keys it on
// ingest; ID is the agent-local ULID used for spool bookkeeping.
type AgentAlert struct {
	ID        string         `json:"id"`
	RuleName  string         `json:"rule_name"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
}
