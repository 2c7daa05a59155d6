package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

// The guard clauses below reject bad transitions before any SQL runs, so
// they are exercised against an unconnected store.

func TestUpdateAssignmentStatusRejectsUnknownTargets(t *testing.T) {
	s := &Store{}
	actor := &models.User{ID: "u1", Role: models.RoleAdmin}

	for _, target := range []models.AssignmentStatus{models.StatusUnassigned, models.StatusEscalated, "nonsense"} {
		_, err := s.UpdateAssignmentStatus(context.Background(), "a1", actor, StatusUpdate{Status: target})
		assert.Equal(t, errors.KindValidation, errors.KindOf(err), "status %q", target)
	}
}

func TestUpdateAssignmentStatusRequiresResolution(t *testing.T) {
	s := &Store{}
	actor := &models.User{ID: "u1", Role: models.RoleOwner}

	_, err := s.UpdateAssignmentStatus(context.Background(), "a1", actor, StatusUpdate{
		Status: models.StatusResolved,
	})
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	bad := models.Resolution("maybe")
	_, err = s.UpdateAssignmentStatus(context.Background(), "a1", actor, StatusUpdate{
		Status:     models.StatusResolved,
		Resolution: &bad,
	})
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestClaimAlertRequiresAnalystRole(t *testing.T) {
	s := &Store{}

	_, err := s.ClaimAlert(context.Background(), "a1", &models.User{ID: "u1", Role: models.RoleDeviceUser})
	assert.Equal(t, errors.KindNotPermitted, errors.KindOf(err))
}

func TestBulkAssignActorRules(t *testing.T) {
	s := &Store{}
	ctx := context.Background()
	admin := &models.User{ID: "adm1", Role: models.RoleAdmin}
	otherAdmin := &models.User{ID: "adm2", Role: models.RoleAdmin}
	owner := &models.User{ID: "own1", Role: models.RoleOwner}
	deviceUser := &models.User{ID: "dev1", Role: models.RoleDeviceUser}

	_, err := s.BulkAssignAlerts(ctx, []string{"a1"}, otherAdmin, admin)
	assert.Equal(t, errors.KindNotPermitted, errors.KindOf(err), "admin assigning to someone else")

	_, err = s.BulkAssignAlerts(ctx, []string{"a1"}, deviceUser, owner)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err), "owner assigning to a device user")

	_, err = s.BulkAssignAlerts(ctx, []string{"a1"}, deviceUser, deviceUser)
	assert.Equal(t, errors.KindNotPermitted, errors.KindOf(err), "device user acting")
}

func TestCommentRequiresText(t *testing.T) {
	s := &Store{}

	_, err := s.CommentOnAlert(context.Background(), "a1", &models.User{ID: "u1"}, "")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestListingsRejectDeviceUsers(t *testing.T) {
	s := &Store{}
	ctx := context.Background()
	scope := Scope{UserID: "dev1", Role: models.RoleDeviceUser}

	_, err := s.ListAlerts(ctx, scope, AlertFilter{})
	assert.Equal(t, errors.KindNotPermitted, errors.KindOf(err))

	_, err = s.MyAssignedAlerts(ctx, scope, 10)
	assert.Equal(t, errors.KindNotPermitted, errors.KindOf(err))

	_, err = s.ListIncidents(ctx, scope, IncidentFilter{})
	assert.Equal(t, errors.KindNotPermitted, errors.KindOf(err))

	_, err = s.AlertByID(ctx, scope, "a1")
	assert.Equal(t, errors.KindNotPermitted, errors.KindOf(err))
}
