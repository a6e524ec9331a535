// Package auth implements agent token issuance and authentication. A
// token authenticates by its HMAC-SHA256 lookup hash alone: the lookup is
// constant-work by construction (an equality comparison on a fixed-size
// hash), so there is no separate slow-hash verification step on the hot
// authentication path. The bcrypt hash generated at Register time is
// stored for future credential audits but is never read back during
// Authenticate. A configured server secret, presented verbatim as the
// token, always authenticates as the built-in admin principal without
// touching the database — this lets a freshly initialized daemon be
// administered before any agent has been registered.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/thrr87/hoard/internal/coordinator"
	"github.com/thrr87/hoard/internal/types"
)

// Authenticator validates bearer tokens against agent_tokens and resolves
// the authorization envelope the rest of the daemon consults.
type Authenticator struct {
	coord       *coordinator.Coordinator
	reader      *sql.DB
	adminSecret string // HOARD_SERVER_SECRET; empty disables the shortcut
	hmacKey     []byte
}

// New constructs an Authenticator. adminSecret, when non-empty, is the
// literal token value that authenticates as the admin principal.
// hmacKey derives each token's lookup hash and must stay stable across
// restarts or every existing token becomes unauthenticatable.
func New(coord *coordinator.Coordinator, reader *sql.DB, adminSecret string, hmacKey []byte) *Authenticator {
	return &Authenticator{coord: coord, reader: reader, adminSecret: adminSecret, hmacKey: hmacKey}
}

func (a *Authenticator) lookupHash(token string) string {
	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate resolves a bearer token to its AgentInfo. Returns
// *types.AuthError when the token is absent, malformed, revoked, or does
// not match any registered agent.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*types.AgentInfo, error) {
	if token == "" {
		return nil, &types.AuthError{Reason: "missing token"}
	}
	if a.adminSecret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminSecret)) == 1 {
		return &types.AgentInfo{
			AgentID:          "admin",
			Scopes:           []string{"*"},
			Capabilities:     []string{"*"},
			TrustLevel:       "admin",
			Flags:            map[string]bool{"restricted": true},
			RateLimitPerHour: 0,
			ProposalTTLDays:  30,
			IsAdmin:          true,
		}, nil
	}

	lookup := a.lookupHash(token)
	row := a.reader.QueryRowContext(ctx, `
		SELECT agent_id, scopes, capabilities, trust_level, flags,
		       rate_limit_per_hour, proposal_ttl_days, revoked_at
		FROM agent_tokens WHERE lookup_hash = ?`, lookup)

	var agentID, scopesJSON, capsJSON, trustLevel, flagsJSON string
	var rateLimit, proposalTTL int
	var revokedAt sql.NullString
	if err := row.Scan(&agentID, &scopesJSON, &capsJSON, &trustLevel, &flagsJSON,
		&rateLimit, &proposalTTL, &revokedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.AuthError{Reason: "unknown token"}
		}
		return nil, fmt.Errorf("lookup agent token: %w", err)
	}
	if revokedAt.Valid {
		return nil, &types.AuthError{Reason: "token revoked"}
	}

	info := &types.AgentInfo{
		AgentID:          agentID,
		TrustLevel:       trustLevel,
		RateLimitPerHour: rateLimit,
		ProposalTTLDays:  proposalTTL,
	}
	_ = json.Unmarshal([]byte(scopesJSON), &info.Scopes)
	_ = json.Unmarshal([]byte(capsJSON), &info.Capabilities)
	_ = json.Unmarshal([]byte(flagsJSON), &info.Flags)
	return info, nil
}

// RegisterInput is the caller-supplied payload for Register.
type RegisterInput struct {
	Scopes           []string
	Capabilities     []string
	TrustLevel       string
	Flags            map[string]bool
	RateLimitPerHour int
	ProposalTTLDays  int
}

// Register mints a new agent token, returning the plaintext token
// (returned exactly once — only its hashes are persisted) alongside the
// created agent's id.
func (a *Authenticator) Register(ctx context.Context, in RegisterInput) (agentID, token string, err error) {
	agentID = uuid.NewString()
	token = uuid.NewString() + uuid.NewString() // 64 hex chars of entropy

	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	lookup := a.lookupHash(token)

	if in.TrustLevel == "" {
		in.TrustLevel = "standard"
	}
	if in.ProposalTTLDays == 0 {
		in.ProposalTTLDays = 7
	}
	scopesJSON, _ := json.Marshal(in.Scopes)
	capsJSON, _ := json.Marshal(in.Capabilities)
	if in.Flags == nil {
		in.Flags = map[string]bool{}
	}
	flagsJSON, _ := json.Marshal(in.Flags)

	err = a.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tokens (
				agent_id, lookup_hash, token_hash, scopes, capabilities, trust_level,
				flags, rate_limit_per_hour, proposal_ttl_days, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agentID, lookup, string(hashed), string(scopesJSON), string(capsJSON), in.TrustLevel,
			string(flagsJSON), in.RateLimitPerHour, in.ProposalTTLDays,
			time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("insert agent token: %w", err)
	}
	return agentID, token, nil
}

// Revoke disables an agent's token. Existing AgentInfo values already
// handed out for prior requests are unaffected — revocation only blocks
// future Authenticate calls.
func (a *Authenticator) Revoke(ctx context.Context, agentID string) error {
	return a.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agent_tokens SET revoked_at = ? WHERE agent_id = ? AND revoked_at IS NULL`,
			time.Now().UTC().Format(time.RFC3339Nano), agentID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &types.ValidationError{Field: "agent_id", Reason: "not found or already revoked"}
		}
		return nil
	})
}

// List returns every registered agent token's metadata (never the
// token itself or its hashes).
func (a *Authenticator) List(ctx context.Context) ([]types.AgentToken, error) {
	rows, err := a.reader.QueryContext(ctx, `
		SELECT agent_id, scopes, capabilities, trust_level, flags, rate_limit_per_hour,
		       proposal_ttl_days, created_at, revoked_at
		FROM agent_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agent tokens: %w", err)
	}
	defer rows.Close()

	var out []types.AgentToken
	for rows.Next() {
		var t types.AgentToken
		var scopesJSON, capsJSON, flagsJSON, createdAt string
		var revokedAt sql.NullString
		if err := rows.Scan(&t.AgentID, &scopesJSON, &capsJSON, &t.TrustLevel, &flagsJSON,
			&t.RateLimitPerHour, &t.ProposalTTLDays, &createdAt, &revokedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(scopesJSON), &t.Scopes)
		_ = json.Unmarshal([]byte(capsJSON), &t.Capabilities)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if revokedAt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, revokedAt.String); err == nil {
				t.RevokedAt = &ts
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EnsureStatic upserts a config-declared agent token by name, so the same
// security.tokens entry in config.yaml authenticates across restarts
// instead of minting a new agent_id (and a new plaintext secret) every
// time the daemon boots. The agent_id is deterministic in name, not random.
func (a *Authenticator) EnsureStatic(ctx context.Context, name, token string, in RegisterInput) error {
	agentID := "static:" + name
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash static token %s: %w", name, err)
	}
	lookup := a.lookupHash(token)

	if in.TrustLevel == "" {
		in.TrustLevel = "standard"
	}
	if in.ProposalTTLDays == 0 {
		in.ProposalTTLDays = 7
	}
	scopesJSON, _ := json.Marshal(in.Scopes)
	capsJSON, _ := json.Marshal(in.Capabilities)
	if in.Flags == nil {
		in.Flags = map[string]bool{}
	}
	flagsJSON, _ := json.Marshal(in.Flags)

	return a.coord.Submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tokens (
				agent_id, lookup_hash, token_hash, scopes, capabilities, trust_level,
				flags, rate_limit_per_hour, proposal_ttl_days, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				lookup_hash = excluded.lookup_hash,
				token_hash = excluded.token_hash,
				scopes = excluded.scopes,
				capabilities = excluded.capabilities,
				trust_level = excluded.trust_level,
				flags = excluded.flags,
				rate_limit_per_hour = excluded.rate_limit_per_hour,
				proposal_ttl_days = excluded.proposal_ttl_days,
				revoked_at = NULL`,
			agentID, lookup, string(hashed), string(scopesJSON), string(capsJSON), in.TrustLevel,
			string(flagsJSON), in.RateLimitPerHour, in.ProposalTTLDays,
			time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// Audit records one tool invocation's outcome for the audit trail.
func Audit(ctx context.Context, tx *sql.Tx, tokenName, tool, scope string, success bool, chunksReturned, bytesReturned int, metadata map[string]any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	successInt := 0
	if success {
		successInt = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (token_name, tool, scope, success, chunks_returned, bytes_returned, metadata, request_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tokenName, tool, scope, successInt, chunksReturned, bytesReturned, string(metaJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
