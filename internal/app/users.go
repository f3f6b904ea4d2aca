package app

import (
	"context"
	"fmt"

	"staypresence/internal/storage"
)

// AddUser seeds a directory entry, mainly for local development.
func AddUser(ctx context.Context, dbPath string, user storage.User) error {
	return withStore(ctx, dbPath, func(store *storage.Store) error {
		return store.CreateUser(ctx, user)
	})
}

// SetUserActive flips the account flag; inactive users fail authentication
// on their next connection.
func SetUserActive(ctx context.Context, dbPath, userID string, active bool) error {
	return withStore(ctx, dbPath, func(store *storage.Store) error {
		return store.SetActive(ctx, userID, active)
	})
}

func withStore(ctx context.Context, dbPath string, fn func(*storage.Store) error) error {
	store, err := storage.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return fn(store)
}
