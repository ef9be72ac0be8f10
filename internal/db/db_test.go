package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// openTestDB connects to TEST_DATABASE_URL, skipping the test when unset.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	database, err := New(ctx, url)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(database.Close)

	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return database
}

func TestSessions_Lifecycle(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	user := &User{ID: "user-" + uuid.NewString(), DisplayName: "Alex"}
	if err := database.Users().Upsert(ctx, user); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenExpiry:  now.Add(time.Hour),
		CreatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}
	if err := database.Sessions().Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := database.Sessions().UpdateToken(ctx, s.ID, "access2", "refresh", now.Add(2*time.Hour)); err != nil {
		t.Fatalf("UpdateToken() error = %v", err)
	}

	got, err := database.Sessions().Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessToken != "access2" || got.UserID != user.ID {
		t.Errorf("Get() = %+v", got)
	}

	if err := database.Sessions().Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := database.Sessions().Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if err := database.Sessions().UpdateToken(ctx, s.ID, "a", "r", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateToken() on missing session error = %v, want ErrNotFound", err)
	}
}

func TestUsers_RecordExport(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	user := &User{ID: "user-" + uuid.NewString(), DisplayName: "Sam"}
	if err := database.Users().Upsert(ctx, user); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := database.Users().RecordExport(ctx, &Export{ID: uuid.New(), UserID: user.ID, Collections: 2, Rows: 30, CreatedAt: at}); err != nil {
		t.Fatalf("RecordExport() error = %v", err)
	}

	got, err := database.Users().Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastExportAt == nil || !got.LastExportAt.Equal(at) {
		t.Errorf("LastExportAt = %v, want %v", got.LastExportAt, at)
	}

	err = database.Users().RecordExport(ctx, &Export{ID: uuid.New(), UserID: "nobody-" + uuid.NewString(), CreatedAt: at})
	if err == nil {
		t.Error("RecordExport() for unknown user should fail")
	}
}
