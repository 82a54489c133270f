package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds carried in the token_type claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
	KindReset   = "password_reset"
)

// MinKeyBytes is the minimum HS256 signing key length (256 bits). A
// shorter key is a fatal configuration error at startup, never a
// per-request condition.
const MinKeyBytes = 32

var (
	// ErrKeyTooShort indicates a signing key below MinKeyBytes.
	ErrKeyTooShort = errors.New("token: signing key must be at least 256 bits")

	// ErrMalformed indicates the token failed parsing or signature
	// verification.
	ErrMalformed = errors.New("token: malformed")

	// ErrExpired indicates a structurally valid token past its expiry.
	ErrExpired = errors.New("token: expired")

	// ErrWrongType indicates a valid token presented where a different
	// token_type was required.
	ErrWrongType = errors.New("token: wrong type")
)

// Claims is the signed payload shared by all three token kinds.
// Type-specific claims are populated only for their kind: access tokens
// carry username/email/authorities/session/ip, refresh tokens the
// session id, reset tokens the email.
type Claims struct {
	TokenType   string   `json:"token_type"`
	SessionID   string   `json:"session_id,omitempty"`
	Username    string   `json:"username,omitempty"`
	Email       string   `json:"email,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	IP          string   `json:"ip,omitempty"`
	jwt.RegisteredClaims
}

// Subject is the identity snapshot embedded into access tokens.
type Subject struct {
	ID       string
	Username string
	Email    string
}

// Service issues and validates HS256-signed bearer tokens. Tokens are
// self-contained; Validate checks signature and expiry only. Callers
// needing revocation guarantees must separately confirm the session_id
// claim still names a live session.
type Service struct {
	key      []byte
	issuer   string
	audience []string
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer sets the iss claim and enforces it on validation.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = strings.TrimSpace(issuer) }
}

// WithAudience sets the aud claim.
func WithAudience(audience ...string) Option {
	return func(s *Service) { s.audience = audience }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service. Fails fast on a short signing key.
func NewService(key []byte, opts ...Option) (*Service, error) {
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	s := &Service{key: key, issuer: "krepost", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueAccess signs an access token binding the subject, its
// effective-authority snapshot, the session and the originating IP.
func (s *Service) IssueAccess(subject Subject, authorities []string, sessionID, ip string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject.ID) == "" || strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, errors.New("token: subject id and session id are required")
	}
	claims := Claims{
		TokenType:   KindAccess,
		SessionID:   sessionID,
		Username:    subject.Username,
		Email:       subject.Email,
		Authorities: authorities,
		IP:          strings.TrimSpace(ip),
	}
	return s.sign(subject.ID, claims, ttl)
}

// IssueRefresh signs a refresh token carrying only the session linkage.
func (s *Service) IssueRefresh(subjectID, sessionID string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subjectID) == "" || strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, errors.New("token: subject id and session id are required")
	}
	claims := Claims{TokenType: KindRefresh, SessionID: sessionID}
	return s.sign(subjectID, claims, ttl)
}

// IssueReset signs a password-reset token carrying the target email.
func (s *Service) IssueReset(subjectID, email string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subjectID) == "" || strings.TrimSpace(email) == "" {
		return "", time.Time{}, errors.New("token: subject id and email are required")
	}
	claims := Claims{TokenType: KindReset, Email: strings.TrimSpace(strings.ToLower(email))}
	return s.sign(subjectID, claims, ttl)
}

// Validate verifies signature and expiry and returns the claims. It does
// not check session linkage.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrMalformed
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrMalformed
		}
		return s.key, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithIssuedAt(), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	switch claims.TokenType {
	case KindAccess, KindRefresh, KindReset:
	default:
		return nil, ErrMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// ValidateKind validates the token and additionally requires its
// token_type tag.
func (s *Service) ValidateKind(tokenString, kind string) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != kind {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongType, kind, claims.TokenType)
	}
	return claims, nil
}

// IsRefreshable reports whether the token is a live refresh token.
func (s *Service) IsRefreshable(tokenString string) bool {
	_, err := s.ValidateKind(tokenString, KindRefresh)
	return err == nil
}

func (s *Service) sign(subjectID string, claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token: ttl must be greater than zero")
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subjectID,
		Audience:  s.audience,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, exp, nil
}
