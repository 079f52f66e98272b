package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// NewStoreWithSQLite opens (or creates) a sqlite-backed token store so
// minted tokens survive server restarts.
func NewStoreWithSQLite(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	store := NewStore()
	store.db = db
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.loadFromSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(`PRAGMA journal_mode = WAL;`)
	_, _ = db.Exec(`PRAGMA synchronous = NORMAL;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS tokens (
  token_id TEXT PRIMARY KEY,
  token_hash TEXT NOT NULL UNIQUE,
  role TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL,
  revoked INTEGER NOT NULL,
  name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(token_hash);
`)
	return err
}

func (s *Store) loadFromSQLite(db *sql.DB) error {
	rows, err := db.Query(`
SELECT token_id, token_hash, role, created_at_ms, revoked, name
FROM tokens
`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var rec TokenRecord
		var role string
		var revokedInt int
		if err := rows.Scan(&rec.TokenID, &rec.TokenHash, &role, &rec.CreatedAtMS, &revokedInt, &rec.Name); err != nil {
			return err
		}
		rec.Role = Role(role)
		rec.Revoked = revokedInt != 0
		if rec.TokenHash == "" || rec.TokenID == "" {
			return errors.New("invalid token record in db")
		}
		if _, ok := s.byHash[rec.TokenHash]; ok {
			return fmt.Errorf("duplicate token hash in db: %s", rec.TokenHash)
		}
		copyRec := rec
		s.byHash[rec.TokenHash] = &copyRec
		s.byID[rec.TokenID] = &copyRec
	}
	return rows.Err()
}

func (s *Store) persistInsertLocked(rec *TokenRecord) error {
	if s.db == nil || rec == nil {
		return nil
	}
	revoked := 0
	if rec.Revoked {
		revoked = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO tokens (token_id, token_hash, role, created_at_ms, revoked, name)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TokenID,
		rec.TokenHash,
		string(rec.Role),
		rec.CreatedAtMS,
		revoked,
		rec.Name,
	)
	return err
}

func (s *Store) persistRevokeLocked(tokenID string) error {
	if s.db == nil || tokenID == "" {
		return nil
	}
	_, err := s.db.Exec(`UPDATE tokens SET revoked = 1 WHERE token_id = ?`, tokenID)
	return err
}
