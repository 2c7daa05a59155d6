package auth

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

const inviteTokenBytes = 32

// NewInviteToken mints a single-use registration token. The raw value is
// shown to the operator exactly once; only the bcrypt hash is stored.
func NewInviteToken() (raw, hash string, err error) {
	const op = "auth.new_invite_token"

	buf := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", errors.Fatal(op, err)
	}
	raw = hex.EncodeToString(buf)
	hash, err = HashPassword(raw)
	if err != nil {
		return "", "", errors.Fatal(op, err)
	}
	return raw, hash, nil
}

// MatchInvitation finds the invitation whose stored hash matches the
// presented token. Hash comparison is the whole check, so a leaked
// database never yields a usable token.
func MatchInvitation(token string, candidates []models.Invitation) (*models.Invitation, error) {
	for i := range candidates {
		if CheckPasswordHash(token, candidates[i].TokenHash) {
			return &candidates[i], nil
		}
	}
	return nil, errors.NotPermitted("auth.match_invitation", "invitation token is invalid or expired")
}
