package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionTTL = 7 * 24 * time.Hour
	defaultIssuer     = "runnote"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingCookieName    = errors.New("auth: cookie name required")
	ErrMissingSessionToken  = errors.New("auth: session token required")
	ErrInvalidSession       = errors.New("auth: invalid session token")
	ErrExpiredSession       = errors.New("auth: session token expired")
)

// SessionManagerConfig configures HS256 app-session tokens issued after a
// successful Strava authorization.
type SessionManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	TTL           time.Duration
	Clock         func() time.Time
}

// SessionManager issues and validates the session cookie carrying the
// athlete id between the callback and the protected API routes.
type SessionManager struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	ttl           time.Duration
	clock         func() time.Time
}

// NewSessionManager constructs a manager with validated configuration.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (m *SessionManager) CookieName() string {
	return m.cookieName
}

// Issue produces a signed session token for the athlete and its expiry.
func (m *SessionManager) Issue(athleteID int64) (string, time.Time, error) {
	if athleteID <= 0 {
		return "", time.Time{}, ErrInvalidSession
	}
	now := m.clock().UTC()
	expiresAt := now.Add(m.ttl)

	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(athleteID, 10),
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks the token and returns the athlete id it names.
func (m *SessionManager) Validate(tokenString string) (int64, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return 0, ErrMissingSessionToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSession, t.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredSession
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if parsed == nil || !parsed.Valid {
		return 0, ErrInvalidSession
	}

	athleteID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || athleteID <= 0 {
		return 0, ErrInvalidSession
	}
	return athleteID, nil
}

// ValidateRequest extracts the configured cookie from the request and
// validates it.
func (m *SessionManager) ValidateRequest(r *http.Request) (int64, error) {
	if r == nil {
		return 0, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie == nil {
		return 0, ErrMissingSessionToken
	}
	return m.Validate(cookie.Value)
}
