package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ACLStore authorizes joins against a local document-permission table. The
// token must be an HMAC claims token naming the joining user; the granted
// role comes from the ACL row for (document, user).
type ACLStore struct {
	db     *sql.DB
	secret []byte
}

// OpenACLStore prepares a SQLite database at the given path and ensures the
// schema exists.
func OpenACLStore(path string, secret []byte) (*ACLStore, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if len(secret) == 0 {
		return nil, errors.New("token secret is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &ACLStore{db: db, secret: secret}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS document_permissions (
			document_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			granted_by TEXT,
			granted_at TIMESTAMP NOT NULL,
			PRIMARY KEY (document_id, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_document_permissions_user ON document_permissions(user_id);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

// Grant upserts a role for a user on a document.
func (s *ACLStore) Grant(ctx context.Context, documentID, userID, role, grantedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_permissions (document_id, user_id, role, granted_by, granted_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document_id, user_id) DO UPDATE SET role = excluded.role, granted_by = excluded.granted_by, granted_at = excluded.granted_at`,
		documentID, userID, role, grantedBy)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// Revoke removes a user's role on a document.
func (s *ACLStore) Revoke(ctx context.Context, documentID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_permissions WHERE document_id = ? AND user_id = ?`, documentID, userID); err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// Authorize implements Authorizer. The token must verify and name userID;
// a user without an ACL row has no access.
func (s *ACLStore) Authorize(ctx context.Context, documentID, userID, token string) (Permissions, error) {
	claims, err := ParseToken(s.secret, token)
	if err != nil {
		return Permissions{}, err
	}
	if claims.Sub != userID {
		return Permissions{}, ErrUnauthorized
	}

	var role string
	err = s.db.QueryRowContext(ctx, `SELECT role FROM document_permissions WHERE document_id = ? AND user_id = ?`, documentID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return Permissions{}, ErrUnauthorized
	}
	if err != nil {
		return Permissions{}, fmt.Errorf("lookup permission: %w", err)
	}

	return RolePermissions(role), nil
}

// Close releases database resources.
func (s *ACLStore) Close() error {
	return s.db.Close()
}
