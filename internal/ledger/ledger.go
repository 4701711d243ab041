// Package ledger implements the append-only holdings journal: every
// balance change is a new row, never an update, which makes the audit
// trail free and compensation trivial (append the inverse holding).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/store"
)

// Source identifies why a holding was created.
type Source string

const (
	SourceInternalTrade Source = "InternalTrade"
	SourceExternal      Source = "External"
)

var (
	ErrAssetRemoved     = errors.New("ledger: asset is removed")
	ErrZeroVolume       = errors.New("ledger: volume must not be zero")
	ErrNonPositive      = errors.New("ledger: volume must be positive for this operation")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// Holding is one append-only journal entry.
type Holding struct {
	ID          int64
	UserID      int64
	AssetID     int64
	Volume      money.Volume
	Source      Source
	Description string
}

// Holder pairs a user with their strictly positive balance in an asset.
type Holder struct {
	UserID int64
	Volume money.Volume
}

// Balance returns the sum of all holding volumes for (user, asset). A
// pair with no history has a balance of zero.
func Balance(ctx context.Context, tx *store.Tx, userID, assetID int64) (money.Volume, error) {
	row := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(volume), 0) FROM holdings WHERE user_id = $1 AND asset_id = $2
	`, userID, assetID)

	var raw string
	if err := row.Scan(&raw); err != nil {
		return money.Volume{}, fmt.Errorf("ledger: balance: %w", err)
	}
	v, err := money.NewVolumeFromString(raw)
	if err != nil {
		return money.Volume{}, fmt.Errorf("ledger: balance: %w", err)
	}
	return v, nil
}

func assetIsRemoved(ctx context.Context, tx *store.Tx, assetID int64) (bool, error) {
	row := tx.QueryRow(ctx, `SELECT removed_at IS NOT NULL FROM assets WHERE id = $1`, assetID)
	var removed bool
	if err := row.Scan(&removed); err != nil {
		return false, fmt.Errorf("ledger: asset lookup: %w", err)
	}
	return removed, nil
}

func insertHolding(ctx context.Context, tx *store.Tx, h *Holding) (*Holding, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO holdings (user_id, asset_id, volume, source, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, h.UserID, h.AssetID, h.Volume.String(), string(h.Source), h.Description)

	if err := row.Scan(&h.ID); err != nil {
		return nil, fmt.Errorf("ledger: insert holding: %w", err)
	}
	return h, nil
}

// Credit appends a positive holding. Fails if the asset is removed or
// volume is not strictly positive.
func Credit(ctx context.Context, tx *store.Tx, userID, assetID int64, volume money.Volume, source Source, description string) (*Holding, error) {
	if volume.IsZero() {
		return nil, ErrZeroVolume
	}
	if !volume.IsPositive() {
		return nil, ErrNonPositive
	}
	removed, err := assetIsRemoved(ctx, tx, assetID)
	if err != nil {
		return nil, err
	}
	if removed {
		return nil, ErrAssetRemoved
	}
	return insertHolding(ctx, tx, &Holding{UserID: userID, AssetID: assetID, Volume: volume, Source: source, Description: description})
}

// Debit appends a negative holding after verifying the resulting balance
// would not go negative. Fails if the asset is removed, volume is zero,
// or balance - volume < 0.
func Debit(ctx context.Context, tx *store.Tx, userID, assetID int64, volume money.Volume, source Source, description string) (*Holding, error) {
	if volume.IsZero() {
		return nil, ErrZeroVolume
	}
	if !volume.IsPositive() {
		return nil, ErrNonPositive
	}
	removed, err := assetIsRemoved(ctx, tx, assetID)
	if err != nil {
		return nil, err
	}
	if removed {
		return nil, ErrAssetRemoved
	}

	balance, err := Balance(ctx, tx, userID, assetID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(volume) {
		return nil, ErrInsufficientFunds
	}

	return insertHolding(ctx, tx, &Holding{UserID: userID, AssetID: assetID, Volume: volume.Neg(), Source: source, Description: description})
}

// Holders returns every user whose summed volume in asset is strictly
// positive, ordered by user id so callers that distribute pro rata
// (contract Cancel/Expire) get a deterministic, testable order.
func Holders(ctx context.Context, tx *store.Tx, assetID int64) ([]Holder, error) {
	rows, err := tx.Query(ctx, `
		SELECT user_id, SUM(volume) AS total
		FROM holdings
		WHERE asset_id = $1
		GROUP BY user_id
		HAVING SUM(volume) > 0
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("ledger: holders: %w", err)
	}
	defer rows.Close()

	var holders []Holder
	for rows.Next() {
		var userID int64
		var raw string
		if err := rows.Scan(&userID, &raw); err != nil {
			return nil, fmt.Errorf("ledger: holders scan: %w", err)
		}
		v, err := money.NewVolumeFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("ledger: holders: %w", err)
		}
		holders = append(holders, Holder{UserID: userID, Volume: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(holders, func(i, j int) bool { return holders[i].UserID < holders[j].UserID })
	return holders, nil
}
