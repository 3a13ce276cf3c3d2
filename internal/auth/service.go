package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrDuplicateName     = errors.New("principal name already exists")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidRole       = errors.New("invalid role")
)

// Roles recognized by the gateway.
const (
	RoleVerifier  = "verifier"  // submits already-verified readings
	RoleValidator = "validator" // casts verification and consensus votes
	RoleAdmin     = "admin"     // manages the validator roster
)

// Service issues and verifies credentials for verifiers, validators, and
// operators.
type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

// Principal is an authenticated caller.
type Principal struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a long-lived credential; only its hash is stored.
type APIKey struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Key         string    `json:"key,omitempty"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Claims are the JWT claims carried by short-lived tokens.
type Claims struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// NewService creates the auth service.
func NewService(db *sql.DB, jwtSecret string) *Service {
	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  24 * time.Hour,
	}
}

func validRole(role string) bool {
	return role == RoleVerifier || role == RoleValidator || role == RoleAdmin
}

// RegisterPrincipal creates a new principal with the given role.
func (s *Service) RegisterPrincipal(ctx context.Context, name, role string) (*Principal, error) {
	if !validRole(role) {
		return nil, ErrInvalidRole
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM principals WHERE name = $1)", name).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateName
	}

	p := &Principal{
		ID:        uuid.New().String(),
		Name:      name,
		Role:      role,
		CreatedAt: time.Now(),
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO principals (id, name, role, created_at) VALUES ($1, $2, $3, $4)",
		p.ID, p.Name, p.Role, p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// IssueToken mints a signed JWT for a principal.
func (s *Service) IssueToken(ctx context.Context, principalID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		"SELECT role FROM principals WHERE id = $1", principalID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrPrincipalNotFound
	}
	if err != nil {
		return "", err
	}

	claims := &Claims{
		PrincipalID: principalID,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken parses and validates a JWT, returning its claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// CreateAPIKey mints a long-lived key for a principal. The plain key is
// returned exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, principalID, name string) (*APIKey, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key := hex.EncodeToString(keyBytes)

	apiKey := &APIKey{
		ID:          uuid.New().String(),
		PrincipalID: principalID,
		Key:         key,
		Name:        name,
		CreatedAt:   time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, principal_id, key_hash, name, created_at) VALUES ($1, $2, $3, $4, $5)",
		apiKey.ID, apiKey.PrincipalID, hashKey(key), apiKey.Name, apiKey.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return apiKey, nil
}

// VerifyAPIKey resolves a plain key to its principal.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) (*Principal, error) {
	var p Principal
	err := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.name, p.role, p.created_at
		 FROM api_keys k JOIN principals p ON p.id = k.principal_id
		 WHERE k.key_hash = $1`,
		hashKey(key),
	).Scan(&p.ID, &p.Name, &p.Role, &p.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
