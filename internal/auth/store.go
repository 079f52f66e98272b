// Package auth is the bearer-credential boundary. The rest of the server
// only ever sees the boolean outcome of Authenticate plus the token's role.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleObserver   Role = "observer"
	RoleController Role = "controller"
	RoleAdmin      Role = "admin"
)

func ParseRole(v string) (Role, bool) {
	switch Role(v) {
	case RoleObserver, RoleController, RoleAdmin:
		return Role(v), true
	default:
		return "", false
	}
}

func RoleAtLeast(got, need Role) bool {
	return roleRank(got) >= roleRank(need)
}

func roleRank(r Role) int {
	switch r {
	case RoleObserver:
		return 1
	case RoleController:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

type TokenRecord struct {
	TokenID     string `json:"token_id"`
	TokenHash   string `json:"-"`
	Role        Role   `json:"role"`
	CreatedAtMS int64  `json:"created_at_ms"`
	Revoked     bool   `json:"revoked"`
	Name        string `json:"name,omitempty"`
}

type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	byHash map[string]*TokenRecord
	byID   map[string]*TokenRecord
}

func NewStore() *Store {
	return &Store{
		byHash: make(map[string]*TokenRecord),
		byID:   make(map[string]*TokenRecord),
	}
}

// CreateToken mints a fresh random token and returns the plaintext exactly
// once.
func (s *Store) CreateToken(role Role, name string) (string, TokenRecord, error) {
	if _, ok := ParseRole(string(role)); !ok {
		return "", TokenRecord{}, errors.New("invalid token role")
	}
	plain, err := randomToken()
	if err != nil {
		return "", TokenRecord{}, err
	}
	rec := TokenRecord{
		TokenID:     uuid.NewString(),
		TokenHash:   HashToken(plain),
		Role:        role,
		CreatedAtMS: time.Now().UnixMilli(),
		Name:        name,
	}
	if err := s.insert(&rec); err != nil {
		return "", TokenRecord{}, err
	}
	return plain, rec, nil
}

// SeedToken registers a known plaintext token (dev/bootstrap path).
func (s *Store) SeedToken(token string, role Role, name string) (TokenRecord, error) {
	if token == "" {
		return TokenRecord{}, errors.New("token required")
	}
	if _, ok := ParseRole(string(role)); !ok {
		return TokenRecord{}, errors.New("invalid token role")
	}
	rec := TokenRecord{
		TokenID:     uuid.NewString(),
		TokenHash:   HashToken(token),
		Role:        role,
		CreatedAtMS: time.Now().UnixMilli(),
		Name:        name,
	}
	if err := s.insert(&rec); err != nil {
		return TokenRecord{}, err
	}
	return rec, nil
}

func (s *Store) insert(rec *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.TokenHash == "" || rec.TokenID == "" {
		return errors.New("missing token hash or id")
	}
	if _, ok := s.byHash[rec.TokenHash]; ok {
		return errors.New("token already exists")
	}
	if _, ok := s.byID[rec.TokenID]; ok {
		return errors.New("token id already exists")
	}
	if err := s.persistInsertLocked(rec); err != nil {
		return err
	}
	copyRec := *rec
	s.byHash[rec.TokenHash] = &copyRec
	s.byID[rec.TokenID] = &copyRec
	return nil
}

// Authenticate validates a presented credential. The hash comparison is
// constant-time; lookup success, revocation, and role all collapse into the
// returned boolean plus record.
func (s *Store) Authenticate(token string) (TokenRecord, bool) {
	if token == "" {
		return TokenRecord{}, false
	}
	hash := HashToken(token)
	s.mu.RLock()
	rec := s.byHash[hash]
	s.mu.RUnlock()
	if rec == nil {
		return TokenRecord{}, false
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(rec.TokenHash)) != 1 {
		return TokenRecord{}, false
	}
	if rec.Revoked {
		return TokenRecord{}, false
	}
	return *rec, true
}

func (s *Store) RevokeToken(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.byID[tokenID]
	if rec == nil {
		return false
	}
	rec.Revoked = true
	_ = s.persistRevokeLocked(tokenID)
	return true
}

func (s *Store) ListTokens() []TokenRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TokenRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, *rec)
	}
	return out
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
