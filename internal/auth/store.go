package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the store has no database connection.
var ErrStoreUnavailable = errors.New("auth: store unavailable")

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("auth: not found")

// Account is a local operator account. Roles holds role names from the
// closed set in roles.go; the first recognized role becomes the token claim.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is a refresh-token session. Only the SHA-256 hash of the refresh
// token is stored.
type Session struct {
	ID               uuid.UUID
	AccountID        uuid.UUID
	RefreshTokenHash string
	UserAgent        string
	IP               string
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// PasswordReset is a single-use password reset token.
type PasswordReset struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Token     string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Store persists accounts, sessions, and password resets.
type Store interface {
	CreateAccount(ctx context.Context, name, email, passwordHash string) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error)
	UpdateAccountPassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	CreateSession(ctx context.Context, accountID uuid.UUID, tokenHash, userAgent, ip string, expiresAt time.Time) (Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	RotateSessionToken(ctx context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) error
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error
	DeleteSessionsByAccount(ctx context.Context, accountID uuid.UUID) error

	CreatePasswordReset(ctx context.Context, accountID uuid.UUID, token string, expiresAt time.Time) (PasswordReset, error)
	GetPasswordResetByToken(ctx context.Context, token string) (PasswordReset, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
	DeletePasswordResetsByAccount(ctx context.Context, accountID uuid.UUID) error
}

// NewStore returns a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const accountColumns = `id, name, email, password_hash, roles, created_at, updated_at`

func (s *pgStore) CreateAccount(ctx context.Context, name, email, passwordHash string) (Account, error) {
	if s == nil || s.pool == nil {
		return Account{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO users (name, email, password_hash)
VALUES ($1, $2, $3)
RETURNING `+accountColumns, name, email, passwordHash)
	return scanAccount(row)
}

func (s *pgStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	if s == nil || s.pool == nil {
		return Account{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE email = $1`, email)
	return scanAccount(row)
}

func (s *pgStore) GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error) {
	if s == nil || s.pool == nil {
		return Account{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM users WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *pgStore) UpdateAccountPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id, user_id, refresh_token, COALESCE(user_agent, ''), COALESCE(ip, ''), expires_at, created_at`

func (s *pgStore) CreateSession(ctx context.Context, accountID uuid.UUID, tokenHash, userAgent, ip string, expiresAt time.Time) (Session, error) {
	if s == nil || s.pool == nil {
		return Session{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO sessions (user_id, refresh_token, user_agent, ip, expires_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
RETURNING `+sessionColumns, accountID, tokenHash, userAgent, ip, expiresAt)
	return scanSession(row)
}

func (s *pgStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error) {
	if s == nil || s.pool == nil {
		return Session{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_token = $1`, tokenHash)
	return scanSession(row)
}

func (s *pgStore) RotateSessionToken(ctx context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET refresh_token = $2, expires_at = $3 WHERE id = $1`, id, tokenHash, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE refresh_token = $1`, tokenHash)
	return err
}

func (s *pgStore) DeleteSessionsByAccount(ctx context.Context, accountID uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, accountID)
	return err
}

const resetColumns = `id, user_id, token, expires_at, used_at, created_at`

func (s *pgStore) CreatePasswordReset(ctx context.Context, accountID uuid.UUID, token string, expiresAt time.Time) (PasswordReset, error) {
	if s == nil || s.pool == nil {
		return PasswordReset{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO password_resets (user_id, token, expires_at)
VALUES ($1, $2, $3)
RETURNING `+resetColumns, accountID, token, expiresAt)
	return scanPasswordReset(row)
}

func (s *pgStore) GetPasswordResetByToken(ctx context.Context, token string) (PasswordReset, error) {
	if s == nil || s.pool == nil {
		return PasswordReset{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+resetColumns+` FROM password_resets WHERE token = $1`, token)
	return scanPasswordReset(row)
}

func (s *pgStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE password_resets SET used_at = now() WHERE token = $1 AND used_at IS NULL`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) DeletePasswordResetsByAccount(ctx context.Context, accountID uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM password_resets WHERE user_id = $1`, accountID)
	return err
}

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	err := row.Scan(&account.ID, &account.Name, &account.Email, &account.PasswordHash,
		&account.Roles, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var session Session
	err := row.Scan(&session.ID, &session.AccountID, &session.RefreshTokenHash,
		&session.UserAgent, &session.IP, &session.ExpiresAt, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func scanPasswordReset(row pgx.Row) (PasswordReset, error) {
	var reset PasswordReset
	err := row.Scan(&reset.ID, &reset.AccountID, &reset.Token, &reset.ExpiresAt, &reset.UsedAt, &reset.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PasswordReset{}, ErrNotFound
	}
	if err != nil {
		return PasswordReset{}, err
	}
	return reset, nil
}
