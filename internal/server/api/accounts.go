package api

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/config"
	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/auth"
)

// accountHandlers covers login, signup, account management, and device
// enrolment.
type accountHandlers struct {
	store  Store
	tokens *auth.TokenService
	config *config.Config
}

func newAccountHandlers(st Store, tokens *auth.TokenService, cfg *config.Config) *accountHandlers {
	return &accountHandlers{store: st, tokens: tokens, config: cfg}
}

// normalizeEmail lowercases and validates an address.
func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errors.Validation("api.email", "invalid email address %q", raw)
	}
	return email, nil
}

// HandleLogin exchanges form credentials for an access token. Unknown
// accounts and wrong passwords produce the same answer so the endpoint
// cannot be used to enumerate users.
func (h *accountHandlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	const op = "api.login"

	if err := r.ParseForm(); err != nil {
		writeError(w, r, errors.Validation(op, "malformed form body: %v", err))
		return
	}
	username := strings.ToLower(strings.TrimSpace(r.PostFormValue("username")))
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, r, errors.Validation(op, "username and password are required"))
		return
	}

	user, err := h.store.UserByEmail(r.Context(), username)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			writeError(w, r, errors.NotPermitted(op, "invalid credentials"))
			return
		}
		writeError(w, r, err)
		return
	}
	if !user.IsActive || !auth.CheckPasswordHash(password, user.PassHash) {
		writeError(w, r, errors.NotPermitted(op, "invalid credentials"))
		return
	}

	token, _, err := h.tokens.Issue(user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.TouchLastLogin(r.Context(), user.ID); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to update last_login")
	}
	log.Info().Str("user_id", user.ID).Str("role", string(user.Role)).Msg("User logged in")
	writeJSON(w, http.StatusOK, models.TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// HandleSignup self-registers a device_user account. Operator accounts are
// only created by the owner or the CLI.
func (h *accountHandlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req models.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.createAccount(r, req.Email, req.Password, models.RoleDeviceUser, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// HandleCreateUser lets the owner provision admin and device_user accounts.
func (h *accountHandlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_user"

	actor, _ := auth.UserFrom(r.Context())
	var req models.CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Role != models.RoleAdmin && req.Role != models.RoleDeviceUser {
		writeError(w, r, errors.Validation(op, "role must be admin or device_user"))
		return
	}
	user, err := h.createAccount(r, req.Email, req.Password, req.Role, actor.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("user_id", user.ID).Str("role", string(user.Role)).Str("created_by", actor.ID).Msg("User created")
	writeJSON(w, http.StatusCreated, user)
}

func (h *accountHandlers) createAccount(r *http.Request, rawEmail, password string, role models.Role, createdBy string) (*models.User, error) {
	email, err := normalizeEmail(rawEmail)
	if err != nil {
		return nil, err
	}
	if err := auth.ValidatePasswordComplexity(password); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		PassHash:  hash,
		Role:      role,
		IsActive:  true,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		return nil, err
	}
	return user, nil
}

// HandleMe returns the authenticated account.
func (h *accountHandlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		writeError(w, r, errors.NotPermitted("api.me", "no authenticated user"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleCreateInvitation mints a single-use device enrolment token. Only
// the bcrypt hash is stored; the raw token in the response is the one
// chance to copy it.
func (h *accountHandlers) HandleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		writeError(w, r, errors.NotPermitted("api.create_invitation", "no authenticated user"))
		return
	}
	raw, hash, err := auth.NewInviteToken()
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	inv := &models.Invitation{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: now.Add(h.config.InvitationTTL()),
		CreatedAt: now,
	}
	if err := h.store.CreateInvitation(r.Context(), inv); err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("user_id", user.ID).Time("expires_at", inv.ExpiresAt).Msg("Device invitation created")
	writeJSON(w, http.StatusCreated, models.InvitationResponse{Token: raw, ExpiresAt: inv.ExpiresAt})
}

// HandleRegisterDevice enrols an agent. The body token is verified against
// the unexpired invitations; a match binds the device to the inviter and
// burns the invitation.
func (h *accountHandlers) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	const op = "api.register_device"

	var req models.DeviceRegister
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Token == "" {
		writeError(w, r, errors.Validation(op, "token is required"))
		return
	}
	if _, err := uuid.Parse(req.AgentID); err != nil {
		writeError(w, r, errors.Validation(op, "agent_id must be a UUID"))
		return
	}
	hostname := strings.TrimSpace(req.Hostname)
	if hostname == "" {
		writeError(w, r, errors.Validation(op, "hostname is required"))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = hostname
	}

	candidates, err := h.store.UnexpiredInvitations(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	inv, err := auth.MatchInvitation(req.Token, candidates)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	device := &models.Device{
		ID:           uuid.NewString(),
		AgentID:      req.AgentID,
		Hostname:     hostname,
		Name:         name,
		UserID:       inv.UserID,
		RegisteredAt: now,
		Status:       models.DeviceOnline,
		LastSeen:     now,
	}
	if err := h.store.CreateDevice(r.Context(), device); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.DeleteInvitation(r.Context(), inv.ID); err != nil {
		log.Error().Err(err).Str("invitation_id", inv.ID).Msg("Failed to burn invitation after registration")
	}
	log.Info().
		Str("agent_id", device.AgentID).
		Str("hostname", device.Hostname).
		Str("user_id", device.UserID).
		Msg("Device registered")
	writeJSON(w, http.StatusCreated, device)
}
