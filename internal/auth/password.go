package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/store"
)

// ErrBadCredentials reports an unknown user or a wrong password.
var ErrBadCredentials = errors.New("incorrect username or password")

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", apperr.Invalid("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword reports whether password matches hash.
func ComparePassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// SetPassword stores a fresh hash for the user.
func SetPassword(ctx context.Context, s *store.Store, userID int64, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.SetPasswordHash(ctx, userID, hash)
}

// Login checks the user's password and returns their identity. Inactive
// users cannot log in.
func Login(ctx context.Context, s *store.Store, username, password string) (Identity, error) {
	user, err := s.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Identity{}, ErrBadCredentials
		}
		return Identity{}, err
	}
	hash, err := s.PasswordHash(ctx, user.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Identity{}, ErrBadCredentials
		}
		return Identity{}, err
	}
	if !ComparePassword(password, hash) {
		return Identity{}, ErrBadCredentials
	}
	if !user.IsActive {
		return Identity{}, apperr.Forbidden("user %q is inactive", username)
	}
	return Identity{UserID: user.ID, Username: user.Username}, nil
}
