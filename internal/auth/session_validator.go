package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRole is assigned to sessions that carry no role claim.
const DefaultRole = "member"

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the JWT payload of a pulse session token.
type SessionClaims struct {
	UserID    string   `json:"user_id"`
	UserRoles []string `json:"user_roles,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated principal of a connection or request.
type Identity struct {
	UserID string
	Role   string
}

// Identity derives the principal from the claims. The first role wins.
func (c SessionClaims) Identity() Identity {
	role := DefaultRole
	for _, candidate := range c.UserRoles {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			role = trimmed
			break
		}
	}
	return Identity{UserID: strings.TrimSpace(c.UserID), Role: role}
}

// SessionValidatorConfig describes how session tokens are checked.
// Leeway tolerates clock drift between the issuer and this process.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Leeway        time.Duration
	Clock         func() time.Time
}

// SessionValidator turns HS256 session tokens into identities.
type SessionValidator struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(clock),
	}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	return &SessionValidator{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		cookieName: cookieName,
		parser:     jwt.NewParser(options...),
	}, nil
}

// CookieName returns the cookie consulted when no bearer token is sent.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken parses the token and returns its claims. Expired tokens
// wrap both ErrExpiredSessionToken and jwt.ErrTokenExpired.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, fmt.Errorf("%w: %w", ErrExpiredSessionToken, err)
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// Authenticate validates the token and returns the identity it carries.
func (v *SessionValidator) Authenticate(tokenString string) (Identity, error) {
	claims, err := v.ValidateToken(tokenString)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity(), nil
}

func (v *SessionValidator) signingKey(*jwt.Token) (any, error) {
	return v.secret, nil
}
