package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/olymprep/authserver/types"
)

// Config holds the immutable signing material for an Issuer. It is built
// once at startup; a missing secret is a configuration error, never a
// per-request failure.
type Config struct {
	// AdminSecret signs and verifies admin-class tokens (SECURITY_KEY).
	AdminSecret string

	// UserSecret signs and verifies user-class tokens (SECURITY_KEY_USER).
	UserSecret string

	// BootstrapSecret is the static admin bootstrap secret (ADMIN_TOKEN).
	// It is not a token secret; it only guards the promotion path.
	BootstrapSecret string

	// Algorithm names the HMAC signing method: HS256, HS384 or HS512.
	Algorithm string

	// TTL is the lifetime of issued tokens.
	TTL time.Duration
}

// Claims is the payload embedded in every issued token. The role claim is
// cryptographically bound to the secret class: validation selects the
// verification secret from the claimed role, so a token claiming "admin"
// verifies only under the admin secret.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer issues and validates bearer tokens for the two role tiers.
// Every method is a pure computation over immutable state and is safe for
// concurrent use.
type Issuer struct {
	secrets   map[string][]byte
	bootstrap []byte
	method    jwt.SigningMethod
	ttl       time.Duration
	now       func() time.Time
}

// New validates the configuration and constructs an Issuer. Both role-class
// secrets must be set and the algorithm must be a known HMAC variant.
func New(cfg Config) (*Issuer, error) {
	if strings.TrimSpace(cfg.AdminSecret) == "" {
		return nil, errors.New("admin signing secret is required")
	}
	if strings.TrimSpace(cfg.UserSecret) == "" {
		return nil, errors.New("user signing secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}

	method, err := signingMethod(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	return &Issuer{
		secrets: map[string][]byte{
			types.RoleAdmin: []byte(cfg.AdminSecret),
			types.RoleUser:  []byte(cfg.UserSecret),
		},
		bootstrap: []byte(cfg.BootstrapSecret),
		method:    method,
		ttl:       cfg.TTL,
		now:       time.Now,
	}, nil
}

// WithClock overrides the issuer's time source. Intended for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue creates a signed token for the given subject and role with the
// configured TTL.
func (i *Issuer) Issue(subject, role string) (string, error) {
	return i.IssueWithTTL(subject, role, i.ttl)
}

// IssueWithTTL creates a signed token with an explicit lifetime.
func (i *Issuer) IssueWithTTL(subject, role string, ttl time.Duration) (string, error) {
	secret, ok := i.secrets[role]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	id, err := newTokenID()
	if err != nil {
		return "", err
	}

	now := i.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(i.method, claims).SignedString(secret)
}

// Validate parses the token, verifies its signature against the secret for
// the claimed role, and checks expiry. Expiry and signature failures are
// reported as distinct sentinels.
func (i *Issuer) Validate(raw string) (Claims, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != i.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		inner, ok := t.Claims.(*Claims)
		if !ok {
			return nil, ErrMalformedToken
		}
		secret, ok := i.secrets[inner.Role]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, inner.Role)
		}
		return secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return Claims{}, mapValidationError(err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMalformedToken
	}
	return claims, nil
}

// Authorize validates the token and checks that its role satisfies the
// required tier; admin satisfies every requirement.
func (i *Issuer) Authorize(raw, required string) (Claims, error) {
	claims, err := i.Validate(raw)
	if err != nil {
		return Claims{}, err
	}
	if !types.RoleSatisfies(claims.Role, required) {
		return Claims{}, ErrForbidden
	}
	return claims, nil
}

// CheckAdminBootstrap compares the candidate against the configured
// bootstrap secret in constant time. An unset secret never matches.
func (i *Issuer) CheckAdminBootstrap(candidate string) bool {
	if len(i.bootstrap) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), i.bootstrap) == 1
}

func signingMethod(name string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", name)
	}
}

func mapValidationError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, ErrUnknownRole):
		return ErrUnknownRole
	default:
		return ErrInvalidSignature
	}
}

func newTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
