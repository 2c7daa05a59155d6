package models

import "time"

// Request/response bodies for the HTTP API.

// DeviceRegister is the body of POST /api/device/register.
type DeviceRegister struct {
	Token    string `json:"token"`
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	Name     string `json:"name"`
}

// SignupRequest is the body of POST /auth/signup; it always creates a
// device_user account.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateUserRequest is the owner-only body of POST /api/users.
type CreateUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// TokenResponse is returned by POST /auth/login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// InvitationResponse carries the raw invitation token exactly once.
type InvitationResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LastSyncResponse is returned by GET /api/commands/last-sync/{agent_id}.
// Timestamp is null when the server has no commands for the agent yet.
type LastSyncResponse struct {
	Timestamp *time.Time `json:"timestamp"`
}

// AlertAssignmentUpdate is the body of PUT /api/alerts/{id}/status.
type AlertAssignmentUpdate struct {
	Status     AssignmentStatus `json:"status"`
	Notes      string           `json:"notes,omitempty"`
	Resolution *Resolution      `json:"resolution,omitempty"`
}

// EscalateRequest is the body of POST /api/alerts/{id}/escalate.
type EscalateRequest struct {
	Notes string `json:"notes"`
}

// CommentRequest is the body of POST /api/alerts/{id}/comments.
type CommentRequest struct {
	Note string `json:"note"`
}

// BulkAssignRequest is the body of POST /api/alerts/bulk-assign.
type BulkAssignRequest struct {
	AlertIDs   []string `json:"alert_ids"`
	AssignedTo string   `json:"assigned_to"`
}

// BulkAssignResponse reports how many alerts a bulk assignment claimed;
// already-assigned and unknown ids are skipped, not errors.
type BulkAssignResponse struct {
	Assigned int `json:"assigned"`
}

// IncidentStatusUpdate is the body of PUT /api/incidents/{id}/status.
type IncidentStatusUpdate struct {
	Status IncidentStatus `json:"status"`
}

// AlertDetail pairs an alert with its active assignment, if any.
type AlertDetail struct {
	Alert      *Alert           `json:"alert"`
	Assignment *AlertAssignment `json:"assignment,omitempty"`
}

// AssignDeviceRequest is the body of POST /api/devices/{id}/assignments.
type AssignDeviceRequest struct {
	UserID string `json:"user_id"`
}

// IngestResponse reports how many rows an ingest call persisted.
type IngestResponse struct {
	Inserted int `json:"inserted"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
