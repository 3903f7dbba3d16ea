// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/store"
)

// New returns a migrated store backed by a file in the test's temp dir.
func New(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "chat.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// User creates an active user with the given username.
func User(t *testing.T, s *store.Store, username string) store.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), username, "")
	if err != nil {
		t.Fatalf("create user %q: %v", username, err)
	}
	return u
}
