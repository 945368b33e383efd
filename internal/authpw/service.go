// Package authpw signs in configured reviewers with a password.
package authpw

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength applies to passwords hashed through HashPassword.
const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// User is a reviewer account declared in configuration.
type User struct {
	ID           string `yaml:"id" validate:"required"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role" validate:"omitempty,oneof=viewer requester editor admin"`
	PasswordHash string `yaml:"password_hash" validate:"required"`
}

// Service checks passwords against the configured bcrypt hashes.
type Service struct {
	users map[string]User
	// dummy is compared when the user is unknown so both paths cost a hash.
	dummy []byte
}

func NewService(users []User) *Service {
	byID := make(map[string]User, len(users))
	for _, user := range users {
		if user.Name == "" {
			user.Name = user.ID
		}
		byID[strings.ToLower(user.ID)] = user
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("anchoredit-unknown-user"), bcrypt.MinCost)
	return &Service{users: byID, dummy: dummy}
}

// Enabled reports whether any account is configured.
func (s *Service) Enabled() bool {
	return len(s.users) > 0
}

// SignIn returns the account when password matches its hash.
func (s *Service) SignIn(username, password string) (User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	user, ok := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// HashPassword produces a hash for the password_hash setting. A zero cost
// uses bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
