// Package asset manages the registry of named fungible units. Assets
// support soft-removal: a removed asset can no longer back new holdings
// but existing holdings of it remain valid historical records.
package asset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/novaex/futures-exchange/internal/store"
)

var ErrNameTaken = errors.New("asset: name is already in use by an active asset")

// Asset is a named fungible unit of account.
type Asset struct {
	ID           int64
	Name         sql.NullString
	PreviousName sql.NullString
	RemovedAt    sql.NullTime
}

// Removed reports whether the asset has been soft-removed.
func (a *Asset) Removed() bool {
	return a.RemovedAt.Valid
}

// normalize trims whitespace and uppercases a proposed asset name.
func normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Create registers a new asset. Names must be unique among active
// (non-removed) assets; a removed asset vacates its name, so this check
// runs inside the same transaction as the insert to avoid a race between
// the uniqueness check and the write.
func Create(ctx context.Context, tx *store.Tx, name string) (*Asset, error) {
	normalized := normalize(name)

	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assets WHERE name = $1)`, normalized)
	var taken bool
	if err := row.Scan(&taken); err != nil {
		return nil, fmt.Errorf("asset: name lookup: %w", err)
	}
	if taken {
		return nil, ErrNameTaken
	}

	a := &Asset{Name: sql.NullString{String: normalized, Valid: true}}
	insertRow := tx.QueryRow(ctx, `INSERT INTO assets (name) VALUES ($1) RETURNING id`, normalized)
	if err := insertRow.Scan(&a.ID); err != nil {
		return nil, fmt.Errorf("asset: create: %w", err)
	}
	return a, nil
}

// Remove soft-removes an asset: clears its name, records the previous
// name, and stamps removed_at. Idempotent: removing an already-removed
// asset is a no-op that returns the asset unchanged.
func Remove(ctx context.Context, tx *store.Tx, assetID int64) (*Asset, error) {
	a, err := Get(ctx, tx, assetID)
	if err != nil {
		return nil, err
	}
	if a.Removed() {
		return a, nil
	}

	previousName := a.Name

	row := tx.QueryRow(ctx, `
		UPDATE assets
		SET name = NULL, previous_name = $2, removed_at = now()
		WHERE id = $1
		RETURNING previous_name, removed_at
	`, assetID, previousName)

	var updated Asset
	updated.ID = assetID
	if err := row.Scan(&updated.PreviousName, &updated.RemovedAt); err != nil {
		return nil, fmt.Errorf("asset: remove: %w", err)
	}
	return &updated, nil
}

// Get loads an asset by id.
func Get(ctx context.Context, tx *store.Tx, assetID int64) (*Asset, error) {
	row := tx.QueryRow(ctx, `SELECT id, name, previous_name, removed_at FROM assets WHERE id = $1`, assetID)
	a := &Asset{}
	if err := row.Scan(&a.ID, &a.Name, &a.PreviousName, &a.RemovedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset: %d: %w", assetID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("asset: get: %w", err)
	}
	return a, nil
}
