package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// memStore is an in-memory Store for service and handler tests.
type memStore struct {
	mu              sync.Mutex
	accountsByID    map[uuid.UUID]Account
	accountsByEmail map[string]Account
	sessionsByHash  map[string]Session
	resetsByToken   map[string]PasswordReset
}

func newMemStore() *memStore {
	return &memStore{
		accountsByID:    make(map[uuid.UUID]Account),
		accountsByEmail: make(map[string]Account),
		sessionsByHash:  make(map[string]Session),
		resetsByToken:   make(map[string]PasswordReset),
	}
}

func (m *memStore) CreateAccount(_ context.Context, name, email, passwordHash string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accountsByEmail[email]; ok {
		return Account{}, &pgconn.PgError{Code: "23505"}
	}
	now := time.Now()
	account := Account{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Roles:        []string{"viewer"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.accountsByID[account.ID] = account
	m.accountsByEmail[account.Email] = account
	return account, nil
}

func (m *memStore) GetAccountByEmail(_ context.Context, email string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accountsByEmail[email]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (m *memStore) GetAccountByID(_ context.Context, id uuid.UUID) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accountsByID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (m *memStore) UpdateAccountPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accountsByID[id]
	if !ok {
		return ErrNotFound
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = time.Now()
	m.accountsByID[id] = account
	m.accountsByEmail[account.Email] = account
	return nil
}

func (m *memStore) CreateSession(_ context.Context, accountID uuid.UUID, tokenHash, userAgent, ip string, expiresAt time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := Session{
		ID:               uuid.New(),
		AccountID:        accountID,
		RefreshTokenHash: tokenHash,
		UserAgent:        userAgent,
		IP:               ip,
		ExpiresAt:        expiresAt,
		CreatedAt:        time.Now(),
	}
	m.sessionsByHash[tokenHash] = session
	return session, nil
}

func (m *memStore) GetSessionByTokenHash(_ context.Context, tokenHash string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessionsByHash[tokenHash]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (m *memStore) RotateSessionToken(_ context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, session := range m.sessionsByHash {
		if session.ID == id {
			delete(m.sessionsByHash, hash)
			session.RefreshTokenHash = tokenHash
			session.ExpiresAt = expiresAt
			m.sessionsByHash[tokenHash] = session
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) DeleteSessionByTokenHash(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessionsByHash, tokenHash)
	return nil
}

func (m *memStore) DeleteSessionsByAccount(_ context.Context, accountID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, session := range m.sessionsByHash {
		if session.AccountID == accountID {
			delete(m.sessionsByHash, hash)
		}
	}
	return nil
}

func (m *memStore) CreatePasswordReset(_ context.Context, accountID uuid.UUID, token string, expiresAt time.Time) (PasswordReset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := PasswordReset{
		ID:        uuid.New(),
		AccountID: accountID,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	m.resetsByToken[token] = reset
	return reset, nil
}

func (m *memStore) GetPasswordResetByToken(_ context.Context, token string) (PasswordReset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset, ok := m.resetsByToken[token]
	if !ok {
		return PasswordReset{}, ErrNotFound
	}
	return reset, nil
}

func (m *memStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset, ok := m.resetsByToken[token]
	if !ok || reset.UsedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	reset.UsedAt = &now
	m.resetsByToken[token] = reset
	return nil
}

func (m *memStore) DeletePasswordResetsByAccount(_ context.Context, accountID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, reset := range m.resetsByToken {
		if reset.AccountID == accountID {
			delete(m.resetsByToken, token)
		}
	}
	return nil
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessionsByHash)
}

func (m *memStore) hasSession(tokenHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessionsByHash[tokenHash]
	return ok
}

func (m *memStore) resetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resetsByToken)
}

// seedAccount inserts an account with a hashed password and returns it.
func seedAccount(t *testing.T, store *memStore, email, password string, roles []string) Account {
	t.Helper()
	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	now := time.Now()
	account := Account{
		ID:           uuid.New(),
		Name:         "Test Account",
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	store.mu.Lock()
	store.accountsByID[account.ID] = account
	store.accountsByEmail[account.Email] = account
	store.mu.Unlock()
	return account
}
