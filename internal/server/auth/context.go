package auth

import (
	"context"

	"github.com/aegis-siem/aegis/internal/models"
)

type contextKey string

const (
	contextKeyUser   contextKey = "user"
	contextKeyDevice contextKey = "device"
)

// WithUser attaches the authenticated user to the request context.
func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, contextKeyUser, u)
}

// UserFrom extracts the authenticated user, if any.
func UserFrom(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(contextKeyUser).(*models.User)
	return u, ok && u != nil
}

// WithDevice attaches the authenticated agent's device record.
func WithDevice(ctx context.Context, d *models.Device) context.Context {
	return context.WithValue(ctx, contextKeyDevice, d)
}

// DeviceFrom extracts the authenticated device, if any.
func DeviceFrom(ctx context.Context) (*models.Device, bool) {
	d, ok := ctx.Value(contextKeyDevice).(*models.Device)
	return d, ok && d != nil
}
