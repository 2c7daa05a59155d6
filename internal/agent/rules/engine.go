// Package rules implements the agent's streaming detectors: SSH brute force,
// sustained CPU spike, and suspicious shell commands. Detectors keep per-key
// sliding windows and fire at most one alert per (rule, key) per cooldown;
// window state keeps accumulating during cooldown so the next firing still
// reflects a correct window.
package rules

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/models"
)

const (
	RuleSSHBruteForce     = "ssh_brute_force"
	RuleCPUSpike          = "cpu_spike"
	RuleSuspiciousCommand = "suspicious_command"

	defaultWindowCapacity = 10
)

// AlertWriter receives fired alerts; the agent wires it to the spool.
type AlertWriter interface {
	WriteAlert(alert models.AgentAlert) error
}

// Config holds detector thresholds. Zero values take the defaults below.
type Config struct {
	SSHFailureThreshold int           // failures per source IP before firing
	SSHWindow           time.Duration // sliding window for SSH failures
	CPUThreshold        float64       // percent; every sample must reach it
	CPUWindow           time.Duration // sliding window for CPU samples
	CPUMinSamples       int           // samples required inside the window
	Cooldown            time.Duration // per (rule, key) emission floor
	WindowCapacity      int           // bounded length of each window
	Hostname            string
	AgentID             string
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		SSHFailureThreshold: 3,
		SSHWindow:           300 * time.Second,
		CPUThreshold:        90,
		CPUWindow:           120 * time.Second,
		CPUMinSamples:       3,
		Cooldown:            300 * time.Second,
		WindowCapacity:      defaultWindowCapacity,
	}
}

type cooldownKey struct {
	rule string
	key  string
}

// Engine is the shared detector state. One mutex guards the windows and the
// cooldown table; collectors call the Handle methods from their own
// goroutines.
type Engine struct {
	mu        sync.Mutex
	config    Config
	writer    AlertWriter
	windows   map[cooldownKey]*window
	lastFired map[cooldownKey]time.Time
}

// NewEngine builds an engine with the given thresholds and alert sink.
func NewEngine(config Config, writer AlertWriter) *Engine {
	def := DefaultConfig()
	if config.SSHFailureThreshold <= 0 {
		config.SSHFailureThreshold = def.SSHFailureThreshold
	}
	if config.SSHWindow <= 0 {
		config.SSHWindow = def.SSHWindow
	}
	if config.CPUThreshold <= 0 {
		config.CPUThreshold = def.CPUThreshold
	}
	if config.CPUWindow <= 0 {
		config.CPUWindow = def.CPUWindow
	}
	if config.CPUMinSamples <= 0 {
		config.CPUMinSamples = def.CPUMinSamples
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.WindowCapacity <= 0 {
		config.WindowCapacity = def.WindowCapacity
	}

	return &Engine{
		config:    config,
		writer:    writer,
		windows:   make(map[cooldownKey]*window),
		lastFired: make(map[cooldownKey]time.Time),
	}
}

// sshFailure matches failed SSH authentication log lines.
var sshFailure = regexp.MustCompile(`(?i)(failed password|authentication failure)`)

// sshSourceIP pulls the peer address out of sshd's "from <ip> port" clause.
var sshSourceIP = regexp.MustCompile(`from ([0-9a-fA-F.:]+) port`)

// HandleLog feeds one log record through the SSH brute-force detector.
func (e *Engine) HandleLog(rec models.LogRecord) {
	msg := rec.Message()
	if msg == "" || !sshFailure.MatchString(msg) {
		return
	}
	m := sshSourceIP.FindStringSubmatch(msg)
	if m == nil {
		return
	}
	sourceIP := m[1]

	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.window(RuleSSHBruteForce, sourceIP)
	w.push(entry{ts: rec.Timestamp, note: msg})
	w.prune(rec.Timestamp.Add(-e.config.SSHWindow))

	if w.len() < e.config.SSHFailureThreshold {
		return
	}

	e.fireLocked(RuleSSHBruteForce, sourceIP, rec.Timestamp, models.SeverityHigh, map[string]any{
		"source_ip":      sourceIP,
		"attempt_count":  w.len(),
		"window_seconds": int(e.config.SSHWindow.Seconds()),
		"sample_message": w.newest().note,
		"hostname":       e.config.Hostname,
	})
}

// HandleMetric feeds one metric sample through the sustained-CPU detector.
// Samples without a CPU gauge are ignored.
func (e *Engine) HandleMetric(sample models.MetricSample) {
	cpu := sample.CPUPercent()
	if cpu < 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	const key = "system"
	w := e.window(RuleCPUSpike, key)
	w.push(entry{ts: sample.Timestamp, value: cpu})
	w.prune(sample.Timestamp.Add(-e.config.CPUWindow))

	if w.len() < e.config.CPUMinSamples || !w.allAtLeast(e.config.CPUThreshold) {
		return
	}

	e.fireLocked(RuleCPUSpike, key, sample.Timestamp, models.SeverityMedium, map[string]any{
		"average_cpu":    w.average(),
		"sample_count":   w.len(),
		"window_seconds": int(e.config.CPUWindow.Seconds()),
		"threshold":      e.config.CPUThreshold,
		"hostname":       e.config.Hostname,
	})
}

// HandleCommand feeds one shell command through the suspicious-command
// catalogue. The first matching category wins and fixes the severity.
func (e *Engine) HandleCommand(cmd models.CommandEvent) {
	match := classifyCommand(cmd.Command)
	if match == nil {
		return
	}

	key := cmd.Command
	if len(key) > 50 {
		key = key[:50]
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.fireLocked(RuleSuspiciousCommand, key, cmd.Timestamp, match.severity, map[string]any{
		"command":           cmd.Command,
		"category":          match.category,
		"matched_pattern":   match.pattern,
		"user":              cmd.User,
		"shell":             cmd.Shell,
		"working_directory": cmd.WorkingDirectory,
		"hostname":          e.config.Hostname,
	})
}

// window returns (creating if needed) the ring for a (rule, key) pair.
func (e *Engine) window(rule, key string) *window {
	ck := cooldownKey{rule: rule, key: key}
	w, ok := e.windows[ck]
	if !ok {
		w = newWindow(e.config.WindowCapacity)
		e.windows[ck] = w
	}
	return w
}

// fireLocked emits an alert unless the (rule, key) pair is still cooling
// down. Caller holds e.mu. Event time drives the cooldown so replayed
// history behaves the same as live traffic.
func (e *Engine) fireLocked(rule, key string, at time.Time, severity models.Severity, details map[string]any) {
	ck := cooldownKey{rule: rule, key: key}
	if last, ok := e.lastFired[ck]; ok && at.Sub(last) < e.config.Cooldown {
		return
	}
	e.lastFired[ck] = at

	alert := models.AgentAlert{
		ID:        ulid.Make().String(),
		RuleName:  rule,
		Severity:  severity,
		Details:   details,
		AgentID:   e.config.AgentID,
		Timestamp: at,
	}

	if err := e.writer.WriteAlert(alert); err != nil {
		log.Error().Err(err).
			Str("rule", rule).
			Str("key", key).
			Msg("Failed to persist alert")
		return
	}

	log.Warn().
		Str("rule", rule).
		Str("severity", string(severity)).
		Str("key", key).
		Msg(fmt.Sprintf("Detector fired: %s", rule))
}
