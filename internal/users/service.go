// Package users manages account registration and credential checks.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLength = 8

var (
	// ErrInvalidEmail indicates a missing or malformed email address.
	ErrInvalidEmail = errors.New("users: invalid email")
	// ErrWeakPassword indicates a password below the minimum length.
	ErrWeakPassword = errors.New("users: password too short")
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
)

// IDProvider issues account identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
}

// Service registers accounts and verifies login credentials.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	now        func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		now:        clock,
	}, nil
}

// Register creates an account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*Account, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, minPasswordLength)
	}

	var existing Account
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		return nil, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return nil, err
	}

	account := Account{
		UserID:       id,
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(displayName),
		LastSeenAt:   s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// Authenticate verifies the password for an email and returns the account.
// Unknown emails and wrong passwords are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	email = normalizeEmail(email)

	var account Account
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// Best effort; a stale last-seen timestamp never fails a login.
	_ = s.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", account.UserID).
		Update("last_seen_at", s.now()).
		Error

	return &account, nil
}

// Get returns the account for a user id.
func (s *Service) Get(ctx context.Context, userID string) (*Account, error) {
	var account Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &account, nil
}
