package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/meetkit/zoom-token-broker/storage"
)

// testStore connects to a local Valkey instance. Tests are skipped if
// no server is reachable. Each test gets a unique key prefix for
// isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	s, err := New(Config{
		Address:   addr,
		KeyPrefix: fmt.Sprintf("brokertest:%s:", t.Name()),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, s)
		s.Close()
	})

	cleanupTestKeys(t, s)
	return s
}

func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	users, err := s.List(ctx)
	if err != nil {
		return
	}
	for _, u := range users {
		_ = s.Delete(ctx, u.UserID)
	}
}

func TestStore_CRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cred := &storage.Credential{
		UserID:       "test-user",
		Email:        "test@example.com",
		AccessToken:  "enc-access",
		RefreshToken: "enc-refresh",
		LastUpdated:  time.Now().UTC().Truncate(time.Millisecond),
	}

	if _, err := s.Get(ctx, cred.UserID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() before Create error = %v, want ErrNotFound", err)
	}

	if err := s.Create(ctx, cred); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Create(ctx, cred); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.Get(ctx, cred.UserID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Email != cred.Email || got.AccessToken != cred.AccessToken {
		t.Errorf("Get() = %+v, want %+v", got, cred)
	}
	if !got.LastUpdated.Equal(cred.LastUpdated) {
		t.Errorf("LastUpdated = %v, want %v", got.LastUpdated, cred.LastUpdated)
	}

	upd := storage.TokenUpdate{
		AccessToken:  "enc-access-2",
		RefreshToken: "enc-refresh-2",
		LastUpdated:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.Update(ctx, cred.UserID, upd); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err = s.Get(ctx, cred.UserID)
	if err != nil {
		t.Fatalf("Get() after Update error = %v", err)
	}
	if got.AccessToken != upd.AccessToken || got.RefreshToken != upd.RefreshToken {
		t.Errorf("Update() left pair (%q, %q)", got.AccessToken, got.RefreshToken)
	}
	if got.Email != cred.Email {
		t.Errorf("Update() clobbered email: %q", got.Email)
	}

	if err := s.Delete(ctx, cred.UserID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, cred.UserID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateAbsent(t *testing.T) {
	s := testStore(t)

	err := s.Update(context.Background(), "absent", storage.TokenUpdate{LastUpdated: time.Now()})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha"} {
		cred := &storage.Credential{
			UserID:       id,
			Email:        id + "@example.com",
			AccessToken:  "a",
			RefreshToken: "r",
			LastUpdated:  time.Now(),
		}
		if err := s.Create(ctx, cred); err != nil {
			t.Fatalf("Create(%q) error = %v", id, err)
		}
	}

	users, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(users) != 2 || users[0].UserID != "alpha" || users[1].UserID != "zeta" {
		t.Errorf("List() = %v, want [alpha zeta]", users)
	}
}

func TestStore_Ping(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
