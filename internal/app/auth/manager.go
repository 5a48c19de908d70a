// Package auth issues and validates the bearer tokens used on every
// authenticated HTTP and WebSocket request.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal identifies the caller a validated token resolved to.
type Principal struct {
	Subject  string
	TenantID string
	Role     string
}

// Claims is the JWT claim set issued and validated by Manager.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Validator resolves a bearer token to a Principal. Manager implements it
// for signed JWTs; a static token set is checked first so operators can
// hand out long-lived service tokens without round-tripping through JWT
// issuance.
type Validator interface {
	Validate(token string) (Principal, error)
}

// Credential is one statically configured login: the email/username used
// on POST /api/auth/login, its password, and the Principal it resolves
// to. Operators provision these out of band (config or environment); the
// control plane has no self-service signup.
type Credential struct {
	Username string
	Password string
	Principal
}

// Manager issues and validates HS256 JWTs, maintains a static set of
// long-lived API tokens for service-to-service calls, and authenticates
// a small statically configured set of login credentials.
type Manager struct {
	secret     []byte
	staticAuth map[string]Principal
	users      map[string]Credential
}

// NewManager builds a Manager. signingKey must be non-empty to issue or
// validate JWTs; staticTokens maps a bearer token value to the principal
// it authenticates as; users is the statically configured login set for
// Authenticate.
func NewManager(signingKey string, staticTokens map[string]Principal, users []Credential) *Manager {
	tokens := make(map[string]Principal, len(staticTokens))
	for token, principal := range staticTokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		tokens[token] = principal
	}
	userMap := make(map[string]Credential, len(users))
	for _, u := range users {
		username := strings.ToLower(strings.TrimSpace(u.Username))
		if username == "" {
			continue
		}
		userMap[username] = u
	}
	return &Manager{secret: []byte(strings.TrimSpace(signingKey)), staticAuth: tokens, users: userMap}
}

// HasUsers reports whether any login credential is configured.
func (m *Manager) HasUsers() bool {
	return len(m.users) > 0
}

// Authenticate resolves username/password to the Principal it
// authenticates as.
func (m *Manager) Authenticate(username, password string) (Principal, error) {
	u, ok := m.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok || password == "" || u.Password != password {
		return Principal{}, errors.New("invalid credentials")
	}
	return u.Principal, nil
}

// Issue returns a signed JWT for principal.
func (m *Manager) Issue(principal Principal, ttl time.Duration) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.New("jwt signing key not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	exp := time.Now().Add(ttl)
	claims := Claims{
		TenantID: principal.TenantID,
		Role:     principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.Subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Validate resolves token to the Principal it authenticates as, checking
// the static token set before attempting JWT parsing.
func (m *Manager) Validate(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, errors.New("empty bearer token")
	}
	if principal, ok := m.staticAuth[token]; ok {
		return principal, nil
	}
	if len(m.secret) == 0 {
		return Principal{}, errors.New("jwt signing key not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return Principal{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{Subject: claims.Subject, TenantID: claims.TenantID, Role: claims.Role}, nil
}

// CompositeValidator tries each Validator in order and returns the first
// success, for composing the static/JWT Manager with an external
// validator (e.g. an identity provider) without the HTTP layer knowing
// which one resolved a given token.
type CompositeValidator struct {
	validators []Validator
}

// NewCompositeValidator builds a CompositeValidator over validators,
// tried in order.
func NewCompositeValidator(validators ...Validator) *CompositeValidator {
	return &CompositeValidator{validators: validators}
}

func (c *CompositeValidator) Validate(token string) (Principal, error) {
	var lastErr error
	for _, v := range c.validators {
		principal, err := v.Validate(token)
		if err == nil {
			return principal, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no validators configured")
	}
	return Principal{}, lastErr
}
