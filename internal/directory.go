package internal

import (
	"context"

	"staypresence/internal/storage"
)

// StoreDirectory serves user lookups from the shared SQLite directory.
type StoreDirectory struct {
	store *storage.Store
}

func NewStoreDirectory(store *storage.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

func (d *StoreDirectory) LookupUser(ctx context.Context, userID string) (*Identity, error) {
	user, err := d.store.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		return nil, err
	}
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	return &Identity{
		UserID:    user.ID,
		Roles:     roles,
		CompanyID: user.CompanyID,
		IsActive:  user.IsActive,
	}, nil
}
