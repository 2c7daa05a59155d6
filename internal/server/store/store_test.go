package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-siem/aegis/internal/models"
)

func TestTimeframeCutoff(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := map[string]time.Duration{
		"1h":     time.Hour,
		"6h":     6 * time.Hour,
		"24h":    24 * time.Hour,
		"7d":     7 * 24 * time.Hour,
		"":       24 * time.Hour,
		"bogus":  24 * time.Hour,
		"30days": 24 * time.Hour,
	}
	for tf, want := range cases {
		got := timeframeCutoff(tf, now)
		assert.Equal(t, now.Add(-want), got, "timeframe %q", tf)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultQueryLimit, clampLimit(0))
	assert.Equal(t, defaultQueryLimit, clampLimit(-5))
	assert.Equal(t, 42, clampLimit(42))
	assert.Equal(t, maxQueryLimit, clampLimit(maxQueryLimit+1))
	assert.Equal(t, maxQueryLimit, clampLimit(maxQueryLimit))
}

func TestDeviceScopeSQL(t *testing.T) {
	pred, args := deviceScopeSQL(Scope{Role: models.RoleOwner}, "d", nil)
	assert.Equal(t, "TRUE", pred)
	assert.Empty(t, args)

	pred, args = deviceScopeSQL(Scope{UserID: "u1", Role: models.RoleAdmin}, "d", []any{"x"})
	require.Len(t, args, 2)
	assert.Equal(t, "u1", args[1])
	assert.Contains(t, pred, "d.user_id = $2")
	assert.Contains(t, pred, "da.user_id = $2")

	pred, args = deviceScopeSQL(Scope{UserID: "u2", Role: models.RoleDeviceUser}, "d", nil)
	require.Len(t, args, 1)
	assert.Equal(t, "d.user_id = $1", pred)
}

func TestAgentScopeSQL(t *testing.T) {
	pred, args := agentScopeSQL(Scope{Role: models.RoleOwner}, "logs.agent_id", []any{"cutoff"})
	assert.Equal(t, "TRUE", pred)
	assert.Len(t, args, 1)

	pred, args = agentScopeSQL(Scope{UserID: "u1", Role: models.RoleDeviceUser}, "logs.agent_id", []any{"cutoff"})
	require.Len(t, args, 2)
	assert.Contains(t, pred, "logs.agent_id IN (SELECT d.agent_id FROM devices d WHERE d.user_id = $2)")
}

func TestAlertVisibilitySQL(t *testing.T) {
	pred, args := alertVisibilitySQL(Scope{Role: models.RoleOwner}, nil)
	assert.Equal(t, "TRUE", pred)
	assert.Empty(t, args)

	pred, args = alertVisibilitySQL(Scope{UserID: "u9", Role: models.RoleAdmin}, []any{1, 2})
	require.Len(t, args, 3)
	assert.Equal(t, "u9", args[2])
	assert.Contains(t, pred, "aa.assigned_to = $3")
	assert.Contains(t, pred, "aa.escalated_to = $3")
	assert.Contains(t, pred, "a.assignment_status = 'unassigned'")
}

func TestAppendNote(t *testing.T) {
	assert.Equal(t, "first", appendNote("", "first"))
	assert.Equal(t, "first\nsecond", appendNote("first", "second"))
}

func TestCommentLine(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	actor := &models.User{Email: "analyst@example.com"}

	line := commentLine(actor, "checked auth logs", at)
	assert.Equal(t, "[2025-06-01T09:30:00Z] analyst@example.com: checked auth logs", line)
}

func TestProcessRowMatchesColumns(t *testing.T) {
	row := processRow("agent-1", models.ProcessSnapshot{PID: 42, Name: "sshd"})
	require.Len(t, row, len(processColumns))
	assert.Equal(t, "agent-1", row[0])
	assert.Equal(t, int32(42), row[2])
	// nil slices must become empty arrays, not SQL NULLs
	assert.Equal(t, []string{}, row[len(row)-1])
}

func TestSeverityOrderRanksCriticalFirst(t *testing.T) {
	// The CASE expression must cover every severity the models define.
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium} {
		assert.True(t, strings.Contains(severityOrderSQL, string(sev)), "severity %s missing from ordering", sev)
	}
}
