// Package testutil holds setup helpers shared by package tests. Helpers fail
// the test on error rather than returning it.
package testutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pavillion/internal/db"
	"pavillion/internal/domain"
	"pavillion/internal/migrate"
	"pavillion/internal/repo"
)

// OpenDB opens a migrated database in a fresh temp directory.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	return conn
}

// Logger discards output; tests that inspect logs build their own handler.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SeedAccount inserts an account and returns it.
func SeedAccount(t testing.TB, r repo.Repo, id, username string) domain.Account {
	t.Helper()
	a := domain.Account{ID: id, Username: username, Email: username + "@example.test"}
	require.NoError(t, r.InsertAccount(context.Background(), a))
	return a
}

// SeedCalendar inserts a calendar owned by accountID.
func SeedCalendar(t testing.TB, r repo.Repo, id, urlName, accountID string) domain.Calendar {
	t.Helper()
	c := domain.Calendar{ID: id, URLName: urlName, AccountID: accountID}
	require.NoError(t, r.InsertCalendar(context.Background(), c))
	return c
}

// TestKey returns a small RSA key for tests that do not go through the key
// store. 1024 bits keeps the suite fast.
func TestKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return key
}

// RequireReceive reads one value from ch within timeout, or fails the test.
func RequireReceive[T any](t testing.TB, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed: %s", msg)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
	panic("unreachable")
}

// RequireNoReceive fails if ch yields a value within wait.
func RequireNoReceive[T any](t testing.TB, ch <-chan T, wait time.Duration, msg string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, msg)
	case <-time.After(wait):
	}
}
