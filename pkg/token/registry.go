package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/storage"
)

// ErrAgentExists is returned by Generate when the agent already holds a token.
var ErrAgentExists = errors.New("agent already has a token")

// Registry manages per-agent bearer credentials, persisted in the tokens
// table. Tokens do not expire; revocation is explicit.
type Registry struct {
	mu    sync.RWMutex
	table *storage.Table
	// byAgent mirrors the table for verification without disk reads.
	byAgent map[string]*Credential
}

// Credential is one issued agent credential.
type Credential struct {
	AgentID   string    `json:"agent_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRegistry loads existing credentials from the store.
func NewRegistry(store *storage.Store) (*Registry, error) {
	r := &Registry{
		table:   store.Table(storage.TableTokens),
		byAgent: make(map[string]*Credential),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	creds := make([]*Credential, 0)
	err := r.table.Scan(func(k, v []byte) error {
		var c Credential
		if jsonErr := json.Unmarshal(v, &c); jsonErr != nil {
			// Skip unreadable records; the table default is "no credential".
			return nil
		}
		creds = append(creds, &c)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	for _, c := range creds {
		r.byAgent[c.AgentID] = c
	}
	return nil
}

// Generate issues a fresh 256-bit token for an agent. Fails if the agent
// already has one; revoke first to rotate.
func (r *Registry) Generate(agentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAgent[agentID]; exists {
		return "", ErrAgentExists
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}

	cred := &Credential{
		AgentID:   agentID,
		Token:     hex.EncodeToString(raw),
		CreatedAt: time.Now(),
	}
	if err := r.table.Put(agentID, cred); err != nil {
		return "", err
	}
	r.byAgent[agentID] = cred
	return cred.Token, nil
}

// Verify returns the agent id owning the token, or "" and false. The
// comparison is constant-time over every stored credential so timing
// reveals nothing about which part matched.
func (r *Registry) Verify(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tok := []byte(token)
	var matched string
	for agentID, cred := range r.byAgent {
		if subtle.ConstantTimeCompare(tok, []byte(cred.Token)) == 1 {
			matched = agentID
		}
	}
	return matched, matched != ""
}

// Revoke removes an agent's credential. Revoking an absent agent is a no-op.
func (r *Registry) Revoke(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.table.Delete(agentID); err != nil {
		return err
	}
	delete(r.byAgent, agentID)
	return nil
}

// List returns all credentials with token values redacted to a prefix.
func (r *Registry) List() []*Credential {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Credential, 0, len(r.byAgent))
	for _, c := range r.byAgent {
		out = append(out, &Credential{
			AgentID:   c.AgentID,
			Token:     redact(c.Token),
			CreatedAt: c.CreatedAt,
		})
	}
	return out
}

func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "..."
}
