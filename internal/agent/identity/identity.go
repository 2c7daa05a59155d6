// Package identity persists the agent's durable identity: the agent-id UUID
// file and the encrypted registration blob. The blob layout is
// salt || nonce || ciphertext with the AES-256-GCM key derived from the agent
// id via PBKDF2-HMAC-SHA256.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	aegiserrors "github.com/aegis-siem/aegis/internal/errors"
)

const (
	agentIDFile     = "agent_id"
	credentialsFile = "credentials.enc"

	pbkdf2Iterations = 480000
	saltSize         = 16
	keySize          = 32
)

// Credentials is the registration record the agent keeps between runs.
type Credentials struct {
	ServerURL    string    `json:"server_url"`
	Hostname     string    `json:"hostname"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Store reads and writes identity files under the agent data directory.
type Store struct {
	dataDir string
}

// NewStore builds a store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// LoadOrCreateAgentID returns the persisted agent id, generating and saving a
// new UUID on first run.
func (s *Store) LoadOrCreateAgentID() (string, error) {
	const op = "identity.LoadOrCreateAgentID"

	path := filepath.Join(s.dataDir, agentIDFile)
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(id); err == nil {
			return id, nil
		}
		return "", aegiserrors.Fatal(op, fmt.Errorf("corrupt agent id file %s", path))
	}

	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return "", aegiserrors.Fatal(op, fmt.Errorf("create data directory: %w", err))
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", aegiserrors.Fatal(op, fmt.Errorf("persist agent id: %w", err))
	}
	return id, nil
}

// AgentID returns the persisted agent id without creating one.
func (s *Store) AgentID() (string, error) {
	const op = "identity.AgentID"

	data, err := os.ReadFile(filepath.Join(s.dataDir, agentIDFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", aegiserrors.NotFound(op, "agent not registered")
		}
		return "", aegiserrors.Fatal(op, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// HasCredentials reports whether a registration blob exists.
func (s *Store) HasCredentials() bool {
	_, err := os.Stat(filepath.Join(s.dataDir, credentialsFile))
	return err == nil
}

// SaveCredentials encrypts and persists the registration record.
func (s *Store) SaveCredentials(agentID string, creds Credentials) error {
	const op = "identity.SaveCredentials"

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return aegiserrors.Fatal(op, fmt.Errorf("encode credentials: %w", err))
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return aegiserrors.Fatal(op, fmt.Errorf("generate salt: %w", err))
	}

	gcm, err := keyedGCM(agentID, salt)
	if err != nil {
		return aegiserrors.Fatal(op, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return aegiserrors.Fatal(op, fmt.Errorf("generate nonce: %w", err))
	}

	blob := make([]byte, 0, saltSize+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, gcm.Seal(nonce, nonce, plaintext, nil)...)

	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return aegiserrors.Fatal(op, fmt.Errorf("create data directory: %w", err))
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, credentialsFile), blob, 0o600); err != nil {
		return aegiserrors.Fatal(op, fmt.Errorf("persist credentials: %w", err))
	}
	return nil
}

// LoadCredentials decrypts the registration record.
func (s *Store) LoadCredentials(agentID string) (Credentials, error) {
	const op = "identity.LoadCredentials"

	blob, err := os.ReadFile(filepath.Join(s.dataDir, credentialsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, aegiserrors.NotFound(op, "agent not registered")
		}
		return Credentials{}, aegiserrors.Fatal(op, err)
	}
	if len(blob) < saltSize {
		return Credentials{}, aegiserrors.Fatal(op, fmt.Errorf("credential blob too short"))
	}

	salt, sealed := blob[:saltSize], blob[saltSize:]
	gcm, err := keyedGCM(agentID, salt)
	if err != nil {
		return Credentials{}, aegiserrors.Fatal(op, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return Credentials{}, aegiserrors.Fatal(op, fmt.Errorf("credential blob too short"))
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Credentials{}, aegiserrors.Fatal(op, fmt.Errorf("decrypt credentials: %w", err))
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, aegiserrors.Fatal(op, fmt.Errorf("decode credentials: %w", err))
	}
	return creds, nil
}

func keyedGCM(agentID string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(agentID), salt, pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
