package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/noetl/noetl/internal/ident"
)

const (
	// bcryptCost trades hash time against brute-force resistance; cost 10 is
	// around 60ms per comparison, which is acceptable for registration-time
	// token checks.
	bcryptCost  = 10
	bcryptLimit = 72
)

// CredentialStore persists named secrets (worker tokens, step credentials).
// Tokens are never stored in plaintext; only the bcrypt hash is persisted.
type CredentialStore struct {
	conn *Connection
}

// NewCredentialStore creates a credential store over the given connection.
func NewCredentialStore(conn *Connection) (*CredentialStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &CredentialStore{conn: conn}, nil
}

// Put registers a credential, hashing the plaintext token. Re-registering a
// name rotates the stored hash.
func (s *CredentialStore) Put(ctx context.Context, name, token string, scopes []string) (*Credential, error) {
	if name == "" || token == "" {
		return nil, errors.New("credential name and token are required")
	}

	hash, err := hashToken(token)
	if err != nil {
		return nil, err
	}

	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scopes: %w", err)
	}

	id, err := ident.NewID()
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO credential (id, name, token_hash, scopes, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (name) DO UPDATE SET
			token_hash = EXCLUDED.token_hash,
			scopes = EXCLUDED.scopes,
			active = TRUE
		RETURNING id
	`

	var storedID int64
	if err := s.conn.QueryRowContext(ctx, query, id, name, hash, scopesJSON).Scan(&storedID); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	return &Credential{ID: storedID, Name: name, Scopes: scopes, Active: true}, nil
}

// Validate checks a plaintext token against the stored hash for a name.
// Returns the credential on success, ErrCredentialNotFound for unknown or
// inactive names, and a nil credential with no error for a wrong token.
func (s *CredentialStore) Validate(ctx context.Context, name, token string) (*Credential, error) {
	query := `
		SELECT id, name, token_hash, scopes, active, created_at, expires_at
		FROM credential
		WHERE name = $1 AND active = TRUE
	`

	var (
		cred       Credential
		scopesJSON []byte
		expiresAt  sql.NullTime
	)

	err := s.conn.QueryRowContext(ctx, query, name).Scan(
		&cred.ID, &cred.Name, &cred.TokenHash, &scopesJSON, &cred.Active,
		&cred.CreatedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}

	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &cred.Scopes); err != nil {
			return nil, fmt.Errorf("malformed credential scopes: %w", err)
		}
	}

	if !compareToken(cred.TokenHash, token) {
		return nil, nil
	}

	return &cred, nil
}

// Deactivate disables a credential without deleting its row.
func (s *CredentialStore) Deactivate(ctx context.Context, name string) error {
	result, err := s.conn.ExecContext(ctx, `UPDATE credential SET active = FALSE WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}

	if affected == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

// hashToken bcrypt-hashes a token. Bcrypt caps input at 72 bytes, so longer
// tokens are pre-hashed with SHA-256 first.
func hashToken(token string) (string, error) {
	input := []byte(token)

	if len(input) > bcryptLimit {
		sum := sha256.Sum256(input)
		input = sum[:]
	}

	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	return string(hash), nil
}

// compareToken performs a constant-time comparison of a token against a hash,
// using the same input preparation as hashToken.
func compareToken(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}

	input := []byte(token)

	if len(input) > bcryptLimit {
		sum := sha256.Sum256(input)
		input = sum[:]
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), input) == nil
}
