package middleware

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type Permission string

const (
	PermissionDeposit  Permission = "deposit"
	PermissionTransfer Permission = "transfer"
	PermissionRead     Permission = "read"
)

var allPermissions = []Permission{PermissionDeposit, PermissionTransfer, PermissionRead}

type AuthType string

const (
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeAPIKey AuthType = "apikey"
)

const (
	APIKeyHeader    = "x-api-key"
	apiKeyPrefixLen = 12
)

// Principal is the authenticated caller of a request.
type Principal struct {
	OwnerID     string
	Email       string
	AuthType    AuthType
	Permissions []Permission
}

func (p *Principal) Can(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

type APIKeyRecord struct {
	ID          string
	OwnerID     string
	OwnerEmail  string
	KeyHash     string
	Permissions []Permission
	ExpiresAt   time.Time
	Revoked     bool
}

type APIKeyStore interface {
	FindByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
}

type PostgresAPIKeyStore struct {
	db *sql.DB
}

func NewPostgresAPIKeyStore(db *sql.DB) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{db: db}
}

func (s *PostgresAPIKeyStore) FindByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, owner_email, key_hash, permissions, expires_at, is_revoked
		FROM api_keys
		WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to look up api keys: %w", err)
	}
	defer rows.Close()

	var records []APIKeyRecord
	for rows.Next() {
		var (
			rec   APIKeyRecord
			perms []string
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.OwnerEmail, &rec.KeyHash,
			pq.Array(&perms), &rec.ExpiresAt, &rec.Revoked); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		for _, p := range perms {
			rec.Permissions = append(rec.Permissions, Permission(p))
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

var (
	errNoCredentials = errors.New("no authentication credentials provided")
	errInvalidToken  = errors.New("invalid or expired token")
	errInvalidAPIKey = errors.New("invalid API key")
	errAPIKeyExpired = errors.New("API key has expired")
	errAPIKeyRevoked = errors.New("API key has been revoked")
)

// Authenticator resolves a Principal from either a bearer JWT or an API key.
type Authenticator struct {
	secret []byte
	keys   APIKeyStore
	logger *zap.Logger
	now    func() time.Time
}

func NewAuthenticator(jwtSecret string, keys APIKeyStore, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(jwtSecret),
		keys:   keys,
		logger: logger,
		now:    time.Now,
	}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			a.logger.Debug("authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, errors.New("invalid authorization header format")
		}
		return a.validateToken(parts[1])
	}

	if key := r.Header.Get(APIKeyHeader); key != "" {
		return a.validateAPIKey(r.Context(), key)
	}

	return nil, errNoCredentials
}

// validateToken accepts HS256 tokens whose subject (or legacy user_id claim)
// names the owner. Sessions carry every permission.
func (a *Authenticator) validateToken(tokenString string) (*Principal, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}

	ownerID, _ := claims.GetSubject()
	if ownerID == "" {
		if legacy, ok := claims["user_id"]; ok {
			ownerID = fmt.Sprintf("%v", legacy)
		}
	}
	if ownerID == "" {
		return nil, errInvalidToken
	}
	email, _ := claims["email"].(string)

	return &Principal{
		OwnerID:     ownerID,
		Email:       email,
		AuthType:    AuthTypeJWT,
		Permissions: append([]Permission(nil), allPermissions...),
	}, nil
}

func (a *Authenticator) validateAPIKey(ctx context.Context, key string) (*Principal, error) {
	if len(key) < apiKeyPrefixLen || a.keys == nil {
		return nil, errInvalidAPIKey
	}

	candidates, err := a.keys.FindByPrefix(ctx, key[:apiKeyPrefixLen])
	if err != nil {
		a.logger.Error("api key lookup failed", zap.Error(err))
		return nil, errInvalidAPIKey
	}

	for _, rec := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(rec.KeyHash), []byte(key)) != nil {
			continue
		}
		if a.now().After(rec.ExpiresAt) {
			return nil, errAPIKeyExpired
		}
		if rec.Revoked {
			return nil, errAPIKeyRevoked
		}
		return &Principal{
			OwnerID:     rec.OwnerID,
			Email:       rec.OwnerEmail,
			AuthType:    AuthTypeAPIKey,
			Permissions: rec.Permissions,
		}, nil
	}
	return nil, errInvalidAPIKey
}

// RequirePermission rejects requests whose principal lacks perm.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				http.Error(w, errNoCredentials.Error(), http.StatusUnauthorized)
				return
			}
			if !principal.Can(perm) {
				http.Error(w, fmt.Sprintf("API key lacks %s permission", perm), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
