package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
)

// MinPasswordLength is the shortest accepted account password.
const MinPasswordLength = 8

// Errors returned by AccountService.
var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// AccountService registers and authenticates local accounts.
type AccountService struct {
	store  driven.AccountStore
	cost   int
	logger *slog.Logger
}

// NewAccountService creates an AccountService using bcrypt.DefaultCost.
func NewAccountService(store driven.AccountStore, logger *slog.Logger) *AccountService {
	return &AccountService{store: store, cost: bcrypt.DefaultCost, logger: logger}
}

// WithHashCost returns a copy using cost for new password hashes. Tests
// use bcrypt.MinCost.
func (s *AccountService) WithHashCost(cost int) *AccountService {
	cp := *s
	cp.cost = cost
	return &cp
}

// Register creates an account with an empty credential set.
func (s *AccountService) Register(ctx context.Context, email, password string) (model.Account, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" {
		return model.Account{}, ErrInvalidEmail
	}
	if len(password) < MinPasswordLength {
		return model.Account{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return model.Account{}, fmt.Errorf("hash password: %w", err)
	}

	acct, err := s.store.Create(ctx, model.Account{
		Email:        strings.ToLower(addr.Address),
		PasswordHash: string(hash),
	})
	if err != nil {
		return model.Account{}, fmt.Errorf("register %s: %w", addr.Address, err)
	}
	s.logger.Info("account registered", "account_id", acct.ID)
	return acct, nil
}

// Authenticate returns the account when the password matches. Unknown email
// and wrong password produce the same error.
func (s *AccountService) Authenticate(ctx context.Context, email, password string) (model.Account, error) {
	acct, err := s.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, driven.ErrAccountNotFound) {
		return model.Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("authenticate: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return model.Account{}, ErrInvalidCredentials
	}
	return acct, nil
}

// Get loads an account by id.
func (s *AccountService) Get(ctx context.Context, id string) (model.Account, error) {
	return s.store.GetByID(ctx, id)
}

// GetByEmail loads an account by email.
func (s *AccountService) GetByEmail(ctx context.Context, email string) (model.Account, error) {
	return s.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}
