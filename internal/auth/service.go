package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/safeharborhq/compliance-core/internal/common"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour
	defaultResetTTL   = 2 * time.Hour

	minPasswordLength = 8
)

// Service coordinates operator accounts, password management, and
// session persistence. Access tokens carry the account's primary role
// so workflow capability checks need no database lookup.
type Service struct {
	store      Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	resetTTL   time.Duration
	now        func() time.Time
	signer     jwa.SignatureAlgorithm
	validator  TokenValidator
	issuer     string
	audience   string
	clockSkew  time.Duration
}

// Config configures the auth service.
type Config struct {
	Store           Store
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ResetTokenTTL   time.Duration
	Issuer          string
	Audience        string
	ClockSkew       time.Duration
}

// LoginResult bundles token material returned after a successful login.
type LoginResult struct {
	User          Account   `json:"user"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expires_at"`
	RefreshExpiry time.Time `json:"refresh_expires_at"`
}

// RefreshResult represents the outcome of a refresh operation.
type RefreshResult struct {
	AccessToken   string    `json:"access_token"`
	AccessExpiry  time.Time `json:"access_expires_at"`
	RefreshToken  string    `json:"refresh_token"`
	RefreshExpiry time.Time `json:"refresh_expires_at"`
}

// PasswordResetIssued carries the reset token minted for an account.
// The token is surfaced to the operator channel configured at the API
// layer.
type PasswordResetIssued struct {
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewService constructs a Service with defaults applied for any TTL or
// claim value left unset.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("auth: store is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}

	s := &Service{
		store:      cfg.Store,
		secret:     []byte(secret),
		accessTTL:  durationOr(cfg.AccessTokenTTL, defaultAccessTTL),
		refreshTTL: durationOr(cfg.RefreshTokenTTL, defaultRefreshTTL),
		resetTTL:   durationOr(cfg.ResetTokenTTL, defaultResetTTL),
		now:        time.Now,
		signer:     jwa.HS256,
		issuer:     stringOr(cfg.Issuer, "compliance-core"),
		audience:   stringOr(cfg.Audience, "compliance-core-clients"),
	}
	if cfg.ClockSkew > 0 {
		s.clockSkew = cfg.ClockSkew
	}
	s.validator = TokenValidator{
		Issuer:    s.issuer,
		Audience:  s.audience,
		ClockSkew: s.clockSkew,
		Algorithm: jwa.HS256,
	}
	return s, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func stringOr(v, fallback string) string {
	if trimmed := strings.TrimSpace(v); trimmed != "" {
		return trimmed
	}
	return fallback
}

// WithNow allows tests to override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// errUnauthorized is the uniform credential failure: login, refresh and
// token parsing all return the same shape so callers cannot distinguish
// "no such account" from "wrong password".
func errUnauthorized(message string, cause error) error {
	if message == "" {
		message = "unauthorized"
	}
	return common.NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, cause)
}

// Register creates a new operator account with the supplied credentials.
func (s *Service) Register(ctx context.Context, name, email, password string) (Account, error) {
	if strings.TrimSpace(name) == "" {
		return Account{}, common.NewAppError("VALIDATION_ERROR", "name is required", http.StatusBadRequest, nil)
	}
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" {
		return Account{}, common.NewAppError("VALIDATION_ERROR", "email is required", http.StatusBadRequest, nil)
	}
	if len(password) < minPasswordLength {
		return Account{}, common.NewAppError("VALIDATION_ERROR", "password must be at least 8 characters", http.StatusBadRequest, nil)
	}

	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.store.CreateAccount(ctx, strings.TrimSpace(name), normalizedEmail, hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, common.NewAppError("EMAIL_ALREADY_USED", "email is already registered", http.StatusConflict, err)
		}
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return created, nil
}

// Login verifies credentials and issues a new access/refresh token pair.
func (s *Service) Login(ctx context.Context, email, password, userAgent, ip string) (LoginResult, error) {
	invalid := common.NewAppError("INVALID_CREDENTIALS", "invalid email or password", http.StatusUnauthorized, nil)

	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" || password == "" {
		return LoginResult{}, invalid
	}
	account, err := s.store.GetAccountByEmail(ctx, normalizedEmail)
	if err != nil {
		return LoginResult{}, invalid
	}
	ok, err := argon2id.ComparePasswordAndHash(password, account.PasswordHash)
	if err != nil || !ok {
		return LoginResult{}, invalid
	}

	accessToken, accessExpiry, err := s.signAccessToken(account)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, refreshExpiry, err := s.createSession(ctx, account.ID, userAgent, ip)
	if err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	return LoginResult{
		User:          account,
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AccessExpiry:  accessExpiry,
		RefreshExpiry: refreshExpiry,
	}, nil
}

// Logout revokes the refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	token := strings.TrimSpace(refreshToken)
	if token == "" {
		return nil
	}
	return s.store.DeleteSessionByTokenHash(ctx, hashRefreshToken(token))
}

// Refresh rotates a refresh token and issues a fresh access token. The
// presented token is single use: a stale or reused token revokes the
// session it pointed at.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	token := strings.TrimSpace(refreshToken)
	if token == "" {
		return RefreshResult{}, errUnauthorized("invalid refresh token", nil)
	}

	hashed := hashRefreshToken(token)
	session, err := s.store.GetSessionByTokenHash(ctx, hashed)
	if err != nil {
		return RefreshResult{}, errUnauthorized("invalid refresh token", nil)
	}
	if s.now().After(session.ExpiresAt) {
		_ = s.store.DeleteSessionByTokenHash(ctx, hashed)
		return RefreshResult{}, errUnauthorized("invalid refresh token", nil)
	}
	account, err := s.store.GetAccountByID(ctx, session.AccountID)
	if err != nil {
		_ = s.store.DeleteSessionByTokenHash(ctx, hashed)
		return RefreshResult{}, errUnauthorized("invalid refresh token", nil)
	}

	accessToken, accessExpiry, err := s.signAccessToken(account)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("sign access token: %w", err)
	}
	newRefresh, hashedRefresh, refreshExpiry, err := s.newRefreshToken()
	if err != nil {
		return RefreshResult{}, fmt.Errorf("mint refresh token: %w", err)
	}
	if err := s.store.RotateSessionToken(ctx, session.ID, hashedRefresh, refreshExpiry); err != nil {
		_ = s.store.DeleteSessionByTokenHash(ctx, hashed)
		return RefreshResult{}, fmt.Errorf("rotate session token: %w", err)
	}

	return RefreshResult{
		AccessToken:   accessToken,
		AccessExpiry:  accessExpiry,
		RefreshToken:  newRefresh,
		RefreshExpiry: refreshExpiry,
	}, nil
}

// Me fetches the current authenticated account.
func (s *Service) Me(ctx context.Context, userID string) (Account, error) {
	id, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return Account{}, errUnauthorized("", nil)
	}
	account, err := s.store.GetAccountByID(ctx, id)
	if err != nil {
		return Account{}, errUnauthorized("", nil)
	}
	return account, nil
}

// InitiatePasswordReset mints a single-use reset token. It returns an
// empty result for unknown emails so callers cannot probe which
// addresses are registered.
func (s *Service) InitiatePasswordReset(ctx context.Context, email string) (PasswordResetIssued, error) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" {
		return PasswordResetIssued{}, nil
	}
	account, err := s.store.GetAccountByEmail(ctx, normalizedEmail)
	if err != nil {
		return PasswordResetIssued{}, nil
	}

	token, err := generateToken(32)
	if err != nil {
		return PasswordResetIssued{}, fmt.Errorf("generate reset token: %w", err)
	}
	expiresAt := s.now().Add(s.resetTTL)
	if _, err := s.store.CreatePasswordReset(ctx, account.ID, token, expiresAt); err != nil {
		return PasswordResetIssued{}, fmt.Errorf("create password reset: %w", err)
	}
	return PasswordResetIssued{Token: token, ExpiresAt: expiresAt}, nil
}

// ResetPassword consumes a reset token, updates the password and
// revokes every existing session for the account.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	invalidToken := common.NewAppError("INVALID_TOKEN", "invalid or expired token", http.StatusBadRequest, nil)

	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return invalidToken
	}
	if len(newPassword) < minPasswordLength {
		return common.NewAppError("WEAK_PASSWORD", "password must be at least 8 characters", http.StatusBadRequest, nil)
	}

	reset, err := s.store.GetPasswordResetByToken(ctx, trimmedToken)
	if err != nil {
		return invalidToken
	}
	if reset.UsedAt != nil || s.now().After(reset.ExpiresAt) {
		return invalidToken
	}

	hash, err := argon2id.CreateHash(newPassword, argon2id.DefaultParams)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateAccountPassword(ctx, reset.AccountID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.store.MarkPasswordResetUsed(ctx, trimmedToken); err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	if err := s.store.DeleteSessionsByAccount(ctx, reset.AccountID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	if err := s.store.DeletePasswordResetsByAccount(ctx, reset.AccountID); err != nil {
		return fmt.Errorf("delete password resets: %w", err)
	}
	return nil
}

// ParseAccessToken validates an access token and returns the subject
// (account ID).
func (s *Service) ParseAccessToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errUnauthorized("missing token", nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", errUnauthorized("invalid token", err)
	}
	if s.validator.Algorithm != "" && algorithm != s.validator.Algorithm {
		return "", errUnauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret))
	if err != nil {
		return "", errUnauthorized("invalid token", err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return "", errUnauthorized("invalid token", err)
	}
	return parsed.Subject(), nil
}

// extractTokenAlgorithm reads the signing algorithm from the protected
// headers. Tokens with no signature, the "none" algorithm, or mixed
// algorithms across signatures are rejected before any key is applied.
func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

// primaryRole picks the first recognized role from the account's role
// list; accounts with no recognized role get viewer.
func primaryRole(roles []string) Role {
	for _, raw := range roles {
		if role := ParseRole(raw); role != RoleViewer {
			return role
		}
	}
	return RoleViewer
}

func (s *Service) signAccessToken(account Account) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	token, err := jwt.NewBuilder().
		Subject(account.ID.String()).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt).
		Claim("role", string(primaryRole(account.Roles))).
		Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

func (s *Service) createSession(ctx context.Context, accountID uuid.UUID, userAgent, ip string) (string, time.Time, error) {
	token, hashed, expiresAt, err := s.newRefreshToken()
	if err != nil {
		return "", time.Time{}, err
	}
	if _, err := s.store.CreateSession(ctx, accountID, hashed, strings.TrimSpace(userAgent), strings.TrimSpace(ip), expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (s *Service) newRefreshToken() (string, string, time.Time, error) {
	token, err := generateToken(48)
	if err != nil {
		return "", "", time.Time{}, err
	}
	expiresAt := s.now().Add(s.refreshTTL)
	return token, hashRefreshToken(token), expiresAt, nil
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Refresh tokens are stored hashed so a database leak does not leak
// usable sessions.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
