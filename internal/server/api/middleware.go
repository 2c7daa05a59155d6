package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/auth"
)

// agentIDHeader carries the agent's UUID on every telemetry upload.
const agentIDHeader = "X-Aegis-Agent-ID"

// withAgent authenticates agent calls by the agent id header, loads the
// device into the request context, and stamps its liveness so the status
// refresher sees active hosts.
func (rt *Router) withAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "api.agent_auth"

		agentID := strings.TrimSpace(r.Header.Get(agentIDHeader))
		if agentID == "" {
			writeError(w, r, errors.NotPermitted(op, "missing %s header", agentIDHeader))
			return
		}
		device, err := rt.store.DeviceByAgentID(r.Context(), agentID)
		if err != nil {
			if errors.KindOf(err) == errors.KindNotFound {
				writeError(w, r, errors.NotPermitted(op, "agent %s is not registered", agentID))
				return
			}
			writeError(w, r, err)
			return
		}
		if err := rt.store.TouchLastSeen(r.Context(), device.AgentID); err != nil {
			log.Warn().Err(err).Str("agent_id", device.AgentID).Msg("Failed to update device last_seen")
		}
		next(w, r.WithContext(auth.WithDevice(r.Context(), device)))
	}
}

// withUser authenticates by bearer token and re-resolves the account so
// handlers act on the current role and active flag rather than stale
// claims. An empty roles list admits every role.
func (rt *Router) withUser(next http.HandlerFunc, roles ...models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "api.user_auth"

		token := bearerToken(r)
		if token == "" {
			writeError(w, r, errors.NotPermitted(op, "missing bearer token"))
			return
		}
		claims, err := rt.tokens.Verify(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		user, err := rt.store.UserByID(r.Context(), claims.UserID)
		if err != nil {
			if errors.KindOf(err) == errors.KindNotFound {
				writeError(w, r, errors.NotPermitted(op, "account no longer exists"))
				return
			}
			writeError(w, r, err)
			return
		}
		if !user.IsActive {
			writeError(w, r, errors.NotPermitted(op, "account is disabled"))
			return
		}
		if len(roles) > 0 && !roleAllowed(user.Role, roles) {
			writeError(w, r, errors.NotPermitted(op, "role %s may not access this resource", user.Role))
			return
		}
		next(w, r.WithContext(auth.WithUser(r.Context(), user)))
	}
}

// bearerToken extracts the access token from the Authorization header,
// falling back to the token query parameter for websocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func roleAllowed(role models.Role, allowed []models.Role) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}
