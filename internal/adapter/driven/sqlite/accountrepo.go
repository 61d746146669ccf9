package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AccountStore = (*AccountRepo)(nil)

// AccountRepo is the SQLite implementation of the AccountStore port interface.
// The credential set lives in a single JSON column so one row write captures
// every provider slice.
type AccountRepo struct {
	db  *DB
	now func() time.Time
}

// NewAccountRepo creates a new AccountRepo backed by the given DB.
func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db, now: time.Now}
}

// Create inserts a new account, assigning an ID when none is set.
// Returns driven.ErrEmailTaken if the email is already registered.
func (r *AccountRepo) Create(ctx context.Context, acct model.Account) (model.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	acct.Email = strings.TrimSpace(acct.Email)
	now := r.now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	creds, err := encodeCredentials(acct.Credentials)
	if err != nil {
		return model.Account{}, err
	}

	const query = `INSERT INTO accounts (id, email, password_hash, credentials, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = r.db.Writer.ExecContext(ctx, query,
		acct.ID, acct.Email, acct.PasswordHash, creds, formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return model.Account{}, fmt.Errorf("create account %s: %w", acct.Email, driven.ErrEmailTaken)
		}
		return model.Account{}, fmt.Errorf("create account %s: %w", acct.Email, err)
	}

	return acct, nil
}

// GetByID loads an account by its ID.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (model.Account, error) {
	const query = `SELECT id, email, password_hash, credentials, created_at, updated_at
		FROM accounts WHERE id = ?`
	acct, err := scanAccount(r.db.Reader.QueryRowContext(ctx, query, id))
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return acct, nil
}

// GetByEmail loads an account by email, case-insensitively.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (model.Account, error) {
	const query = `SELECT id, email, password_hash, credentials, created_at, updated_at
		FROM accounts WHERE email = ?`
	acct, err := scanAccount(r.db.Reader.QueryRowContext(ctx, query, strings.TrimSpace(email)))
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %s: %w", email, err)
	}
	return acct, nil
}

// Update performs a read-modify-write of the full record inside one writer
// transaction. The writer pool holds a single connection, so concurrent
// updates for the same account run one after the other and each fn sees the
// latest committed record.
func (r *AccountRepo) Update(ctx context.Context, id string, fn func(acct *model.Account) error) (model.Account, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return model.Account{}, fmt.Errorf("begin update %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQuery = `SELECT id, email, password_hash, credentials, created_at, updated_at
		FROM accounts WHERE id = ?`
	acct, err := scanAccount(tx.QueryRowContext(ctx, selectQuery, id))
	if err != nil {
		return model.Account{}, fmt.Errorf("load account %s: %w", id, err)
	}

	if err := fn(&acct); err != nil {
		return model.Account{}, err
	}

	creds, err := encodeCredentials(acct.Credentials)
	if err != nil {
		return model.Account{}, err
	}
	acct.UpdatedAt = r.now().UTC()

	const updateQuery = `UPDATE accounts SET password_hash = ?, credentials = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, updateQuery,
		acct.PasswordHash, creds, formatTime(acct.UpdatedAt), id); err != nil {
		return model.Account{}, fmt.Errorf("update account %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return model.Account{}, fmt.Errorf("commit account %s: %w", id, err)
	}
	return acct, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (model.Account, error) {
	var (
		acct                 model.Account
		creds                string
		createdAt, updatedAt string
	)
	err := row.Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &creds, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, driven.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("scan account: %w", err)
	}

	if acct.Credentials, err = decodeCredentials(creds); err != nil {
		return model.Account{}, err
	}
	if acct.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Account{}, fmt.Errorf("parse created_at: %w", err)
	}
	if acct.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Account{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return acct, nil
}
