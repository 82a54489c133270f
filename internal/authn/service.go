package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"krepost.org/internal/authz"
	"krepost.org/internal/ids"
	"krepost.org/internal/obs"
	"krepost.org/internal/session"
	"krepost.org/internal/token"
)

const (
	// DefaultLockoutThreshold is the number of consecutive failed
	// logins after which an account transitions to Locked.
	DefaultLockoutThreshold = 5

	defaultAccessTTL = 15 * time.Minute
	defaultResetTTL  = 30 * time.Minute
)

// Service orchestrates credential verification, the lockout state
// machine and session/token issuance. Per subject the states are
// Active -> (threshold consecutive failures) -> Locked -> (admin
// unlock) -> Active.
type Service struct {
	users    UserStore
	sessions *session.Service
	tokens   *token.Service
	perms    *authz.Service
	now      func() time.Time

	lockoutThreshold int
	accessTTL        time.Duration
	refreshTTL       time.Duration
	resetTTL         time.Duration

	// event receives security lifecycle notifications; nil means no
	// live event fan-out is wired.
	event func(kind, subjectID, sessionID string, detail map[string]any)
}

// Option configures Service behavior.
type Option func(*Service)

// WithLockoutThreshold overrides the failed-login threshold.
func WithLockoutThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.lockoutThreshold = n
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithResetTTL configures reset token lifetime.
func WithResetTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// WithEventHook wires a receiver for security lifecycle events.
func WithEventHook(fn func(kind, subjectID, sessionID string, detail map[string]any)) Option {
	return func(s *Service) {
		s.event = fn
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(users UserStore, sessions *session.Service, tokens *token.Service, perms *authz.Service, opts ...Option) (*Service, error) {
	if users == nil || sessions == nil || tokens == nil || perms == nil {
		return nil, errors.New("authn: users, sessions, tokens and perms are all required")
	}
	s := &Service{
		users:            users,
		sessions:         sessions,
		tokens:           tokens,
		perms:            perms,
		now:              time.Now,
		lockoutThreshold: DefaultLockoutThreshold,
		accessTTL:        defaultAccessTTL,
		refreshTTL:       14 * 24 * time.Hour,
		resetTTL:         defaultResetTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoginResult is returned on successful login or refresh. Authorities
// are a snapshot taken at issuance; role changes mid-session become
// visible only after the next refresh or re-authentication.
type LoginResult struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user"`
	Authorities  []string  `json:"authorities"`
	SessionID    string    `json:"session_id"`
}

// Login verifies credentials and issues a session with bound tokens.
func (s *Service) Login(ctx context.Context, identifier, password, ip, userAgent string) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		obs.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.Available() {
		obs.LoginAttempts.WithLabelValues("account_unavailable").Inc()
		return nil, ErrAccountUnavailable
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		failed, _, err := s.users.RecordLoginFailure(ctx, user.ID, s.lockoutThreshold)
		if err != nil {
			return nil, err
		}
		obs.LoginAttempts.WithLabelValues("invalid_credentials").Inc()
		s.emit("login_failed", user.ID, "", map[string]any{"failed_logins": failed, "ip": ip})
		// Exactly one of any set of racing failures observes the
		// threshold value, so the lock event fires once.
		if failed == s.lockoutThreshold {
			s.emit("account_locked", user.ID, "", map[string]any{"ip": ip})
		}
		return nil, ErrInvalidCredentials
	}
	if err := s.users.RecordLoginSuccess(ctx, user.ID, s.now().UTC()); err != nil {
		return nil, err
	}
	user.FailedLogins = 0

	authorities, err := s.perms.Authorities(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Create(ctx, user.ID, ip, userAgent)
	if err != nil {
		return nil, err
	}
	result, err := s.issueFor(ctx, user, authorities, sess.ID, ip)
	if err != nil {
		return nil, err
	}
	obs.LoginAttempts.WithLabelValues("success").Inc()
	s.emit("login_success", user.ID, sess.ID, map[string]any{"ip": ip})
	return result, nil
}

// Refresh rotates the refresh token and reissues an access token. The
// presented token must validate cryptographically and still be the one
// bound to a live session; a replayed predecessor revokes the session.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip string) (*LoginResult, error) {
	claims, err := s.tokens.ValidateKind(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Live(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, session.ErrRevoked
		}
		return nil, err
	}
	if !s.sessions.MatchesRefreshToken(sess, refreshToken) {
		// A superseded refresh token was replayed. Kill the session so
		// neither party keeps access.
		_ = s.sessions.Revoke(ctx, sess.ID)
		return nil, session.ErrRevoked
	}
	user, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, session.ErrRevoked
		}
		return nil, err
	}
	if !user.Available() {
		return nil, ErrAccountUnavailable
	}
	// Authorities are re-resolved here so a refresh picks up role
	// changes made since issuance.
	authorities, err := s.perms.Authorities(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Touch(ctx, sess.ID); err != nil {
		return nil, err
	}
	return s.issueFor(ctx, user, authorities, sess.ID, ip)
}

// Logout revokes the session named by a validated access token.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return err
	}
	s.emit("session_revoked", "", sessionID, nil)
	return nil
}

// LogoutAll revokes every session of the subject.
func (s *Service) LogoutAll(ctx context.Context, subjectID string) (int, error) {
	revoked, err := s.sessions.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.emit("session_revoked", subjectID, "", map[string]any{"count": revoked})
	}
	return revoked, nil
}

// RequestPasswordReset issues a reset token for the account, if one
// exists. Callers must respond identically whether or not the email is
// known.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, time.Time, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", time.Time{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	user, err := s.users.FindByIdentifier(ctx, email)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.tokens.IssueReset(user.ID, user.Email, s.resetTTL)
}

// ResetPassword sets a new password from a reset token and revokes all
// of the subject's sessions.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	claims, err := s.tokens.ValidateKind(resetToken, token.KindReset)
	if err != nil {
		return err
	}
	user, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return err
	}
	if !strings.EqualFold(user.Email, claims.Email) {
		return token.ErrMalformed
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.users.SetPassword(ctx, user.ID, hash); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAllForSubject(ctx, user.ID); err != nil {
		return err
	}
	s.emit("password_reset", user.ID, "", nil)
	return nil
}

// ChangePassword verifies the current password, sets the new one and
// revokes every other session of the subject.
func (s *Service) ChangePassword(ctx context.Context, subjectID, current, newPassword, keepSessionID string) error {
	user, err := s.users.GetUser(ctx, strings.TrimSpace(subjectID))
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.users.SetPassword(ctx, user.ID, hash); err != nil {
		return err
	}
	if keepSessionID == "" {
		_, err = s.sessions.RevokeAllForSubject(ctx, user.ID)
		return err
	}
	_, err = s.sessions.RevokeAllExcept(ctx, user.ID, keepSessionID)
	return err
}

// Register creates a new credential subject. Accounts start unverified.
func (s *Service) Register(ctx context.Context, username, email, password string) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	hash, err := HashPassword(strings.TrimSpace(password))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		Verified:     false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Unlock clears the lock flag and failed counter. Administrative action
// is the only way out of the Locked state.
func (s *Service) Unlock(ctx context.Context, userID string) (*User, error) {
	unlocked := false
	return s.users.UpdateUser(ctx, strings.TrimSpace(userID), UserUpdate{Locked: &unlocked})
}

// UpdateUser applies administrative mutations.
func (s *Service) UpdateUser(ctx context.Context, userID string, upd UserUpdate) (*User, error) {
	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		upd.Email = &email
	}
	if upd.Username != nil {
		username := strings.TrimSpace(*upd.Username)
		if username == "" {
			return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
		}
		upd.Username = &username
	}
	return s.users.UpdateUser(ctx, strings.TrimSpace(userID), upd)
}

// GetUser returns the user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.users.GetUser(ctx, strings.TrimSpace(userID))
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	return s.users.ListUsers(ctx)
}

func (s *Service) issueFor(ctx context.Context, user *User, authorities []string, sessionID, ip string) (*LoginResult, error) {
	subject := token.Subject{ID: user.ID, Username: user.Username, Email: user.Email}
	access, accessExp, err := s.tokens.IssueAccess(subject, authorities, sessionID, ip, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.tokens.IssueRefresh(user.ID, sessionID, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.RotateRefreshToken(ctx, sessionID, refresh); err != nil {
		return nil, err
	}
	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		ExpiresAt:    accessExp,
		User:         user,
		Authorities:  authorities,
		SessionID:    sessionID,
	}, nil
}

func (s *Service) emit(kind, subjectID, sessionID string, detail map[string]any) {
	if s.event == nil {
		return
	}
	s.event(kind, subjectID, sessionID, detail)
}
