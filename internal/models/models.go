// Package models holds the domain and wire types shared by the agent and the
// server. All timestamps are UTC and serialise as RFC-3339; identifiers are
// canonical UUID strings unless noted otherwise.
package models

import (
	"strings"
	"time"
)

// Severity ranks alerts and incidents.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for sorting and max() comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric priority of the severity; unknown values rank
// below low so malformed rows sort last instead of first.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity normalises a severity string, defaulting to low.
func ParseSeverity(raw string) Severity {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Valid() {
		return s
	}
	return SeverityLow
}

// MaxSeverity returns the higher-ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Role is the access level of a user account.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleDeviceUser Role = "device_user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleDeviceUser:
		return true
	}
	return false
}

// AssignmentStatus tracks an alert through the triage workflow.
type AssignmentStatus string

const (
	StatusUnassigned    AssignmentStatus = "unassigned"
	StatusAssigned      AssignmentStatus = "assigned"
	StatusInvestigating AssignmentStatus = "investigating"
	StatusResolved      AssignmentStatus = "resolved"
	StatusEscalated     AssignmentStatus = "escalated"
)

// Valid reports whether s is a known assignment status.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case StatusUnassigned, StatusAssigned, StatusInvestigating, StatusResolved, StatusEscalated:
		return true
	}
	return false
}

// Resolution classifies how a resolved alert was judged.
type Resolution string

const (
	ResolutionTruePositive   Resolution = "true_positive"
	ResolutionFalsePositive  Resolution = "false_positive"
	ResolutionBenignPositive Resolution = "benign_positive"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionTruePositive, ResolutionFalsePositive, ResolutionBenignPositive:
		return true
	}
	return false
}

// IncidentStatus tracks an incident's lifecycle.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
)

// Device status values derived from last_seen freshness.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// StalenessThreshold is how long a device may stay silent before it is
// considered offline.
const StalenessThreshold = 90 * time.Second

// Device is a registered agent host.
type Device struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Hostname     string    `json:"hostname"`
	Name         string    `json:"name"`
	UserID       string    `json:"user_id"`
	RegisteredAt time.Time `json:"registered_at"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
}

// User is an operator account. PassHash never serialises.
type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	PassHash  string     `json:"-"`
	Role      Role       `json:"role"`
	IsActive  bool       `json:"is_active"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// Invitation is a single-use device enrolment secret. Only the bcrypt hash of
// the raw token is stored; the raw token is shown once at creation.
type Invitation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceAssignment grants an admin read access to a device they do not own.
type DeviceAssignment struct {
	DeviceID   string    `json:"device_id"`
	UserID     string    `json:"user_id"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Alert is an immutable detection result; only AssignmentStatus and
// IncidentID mutate after creation.
type Alert struct {
	ID               string           `json:"id"`
	RuleName         string           `json:"rule_name"`
	Severity         Severity         `json:"severity"`
	Details          map[string]any   `json:"details"`
	AgentID          string           `json:"agent_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	AssignmentStatus AssignmentStatus `json:"assignment_status"`
	IncidentID       *int64           `json:"incident_id,omitempty"`
}

// DetailString fetches a string field from the alert details, tolerating
// missing keys and non-string values.
func (a Alert) DetailString(key string) string {
	if a.Details == nil {
		return ""
	}
	if v, ok := a.Details[key].(string); ok {
		return v
	}
	return ""
}

// AlertAssignment records who is working an alert. At most one non-resolved
// assignment exists per alert.
type AlertAssignment struct {
	ID          int64            `json:"id"`
	AlertID     string           `json:"alert_id"`
	AssignedTo  string           `json:"assigned_to"`
	AssignedAt  time.Time        `json:"assigned_at"`
	Status      AssignmentStatus `json:"status"`
	Notes       string           `json:"notes,omitempty"`
	Resolution  *Resolution      `json:"resolution,omitempty"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	EscalatedAt *time.Time       `json:"escalated_at,omitempty"`
	EscalatedTo string           `json:"escalated_to,omitempty"`
}

// Incident groups related alerts.
type Incident struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Severity        Severity       `json:"severity"`
	Status          IncidentStatus `json:"status"`
	AlertCount      int            `json:"alert_count"`
	AffectedDevices []string       `json:"affected_devices"`
	AttackVector    string         `json:"attack_vector"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}
