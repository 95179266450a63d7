// Package repotest provides SQLite-backed repositories and seed helpers for tests.
package repotest

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"digistore/internal/repo"
	"digistore/migrations"
)

// NewSQLite opens a migrated SQLite repository in a temporary directory.
// The database is file-backed so concurrent connections share state.
func NewSQLite(t *testing.T) *repo.SQLiteRepository {
	t.Helper()

	path := filepath.Join(t.TempDir(), "digistore.db")
	r, err := repo.NewSQLite(t.Context(), path, Logger(t))
	require.NoError(t, err)
	t.Cleanup(r.Close)

	require.NoError(t, r.RunMigrations(t.Context(), migrations.Files))
	return r
}

// Logger routes records to t.Log so they only show for failing or verbose runs.
func Logger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

// SeedProfile inserts a user profile holding balance.
func SeedProfile(t *testing.T, store repo.Store, balance int64) *repo.Profile {
	t.Helper()

	phone := "+237600000000"
	p, err := store.UpsertProfile(t.Context(), repo.Profile{
		Role:        repo.RoleUser,
		Balance:     decimal.NewFromInt(balance),
		PhoneNumber: &phone,
	})
	require.NoError(t, err)
	return p
}

// SeedAdmin inserts an admin profile.
func SeedAdmin(t *testing.T, store repo.Store) *repo.Profile {
	t.Helper()

	p, err := store.UpsertProfile(t.Context(), repo.Profile{Role: repo.RoleAdmin})
	require.NoError(t, err)
	return p
}

// SeedService inserts an active catalog entry with the given unit price.
func SeedService(t *testing.T, store repo.Store, name string, price int64, inputType string) *repo.Service {
	t.Helper()

	svc, err := store.UpsertService(t.Context(), repo.Service{
		Name:        name,
		Category:    "social",
		Price:       decimal.NewFromInt(price),
		InputType:   inputType,
		MinQuantity: 1,
		MaxQuantity: 1000,
		Active:      true,
	})
	require.NoError(t, err)
	return svc
}

// RequireBalance asserts the stored balance of userID.
func RequireBalance(t *testing.T, store repo.Store, userID string, want int64) {
	t.Helper()

	p, err := store.GetProfile(t.Context(), userID)
	require.NoError(t, err)
	require.Truef(t, p.Balance.Equal(decimal.NewFromInt(want)), "balance = %s, want %d", p.Balance, want)
}
