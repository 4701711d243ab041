// Package contract implements the futures contract lifecycle: issuance
// locks collateral and mints a contract-asset that itself trades as a
// fungible claim; cancellation and expiry unwind or settle that claim.
package contract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/novaex/futures-exchange/internal/asset"
	"github.com/novaex/futures-exchange/internal/ledger"
	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/store"
)

const TypeFuture = "Future"

var (
	ErrInsufficientFunds = errors.New("contract: insufficient collateral")
	ErrInvalidLifecycle  = errors.New("contract: invalid lifecycle transition")
)

// Contract is a futures contract: an agreement to deliver Volume of
// Asset at ExpiresAt, represented by a minted ContractAssetID claim.
type Contract struct {
	ID             int64
	CreatedAt      time.Time
	ContractType   string
	IssuerID       int64
	Cancelled      bool
	Expired        bool
	ExpiresAt      time.Time
	Volume         money.Volume
	AssetID        int64
	ContractAssetID int64
}

// Issue creates a new futures contract. Preconditions: the issuer holds
// at least collateralVolume of underlyingAssetID, and expiresAt is in
// the future. Within one transaction: mint a new contract-asset named
// contractAssetName, create the contract in Active state, credit the
// issuer mintVolume of the contract-asset, and debit the issuer
// collateralVolume of the underlying asset.
func Issue(ctx context.Context, tx *store.Tx, issuerID int64, expiresAt time.Time, underlyingAssetID int64, collateralVolume money.Volume, contractAssetName string, mintVolume money.Volume) (*Contract, error) {
	if !collateralVolume.IsPositive() || !mintVolume.IsPositive() {
		return nil, fmt.Errorf("%w: collateral and mint volume must be positive", ErrInvalidLifecycle)
	}
	if !expiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidLifecycle)
	}

	balance, err := ledger.Balance(ctx, tx, issuerID, underlyingAssetID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(collateralVolume) {
		return nil, ErrInsufficientFunds
	}

	contractAsset, err := asset.Create(ctx, tx, contractAssetName)
	if err != nil {
		return nil, fmt.Errorf("contract: mint contract-asset: %w", err)
	}

	c := &Contract{
		ContractType:    TypeFuture,
		IssuerID:        issuerID,
		ExpiresAt:       expiresAt,
		Volume:          collateralVolume,
		AssetID:         underlyingAssetID,
		ContractAssetID: contractAsset.ID,
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO contracts (contract_type, issuer_id) VALUES ($1, $2) RETURNING id, created_at
	`, c.ContractType, c.IssuerID)
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("contract: insert contract: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO futures (contract_id, expires_at, volume, asset_id, contract_asset_id)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.ExpiresAt, c.Volume.String(), c.AssetID, c.ContractAssetID)
	if err != nil {
		return nil, fmt.Errorf("contract: insert futures: %w", err)
	}

	if _, err := ledger.Credit(ctx, tx, issuerID, contractAsset.ID, mintVolume, ledger.SourceInternalTrade, "futures issuance: mint"); err != nil {
		return nil, fmt.Errorf("contract: credit mint: %w", err)
	}
	if _, err := ledger.Debit(ctx, tx, issuerID, underlyingAssetID, collateralVolume, ledger.SourceInternalTrade, "futures issuance: collateral"); err != nil {
		return nil, fmt.Errorf("contract: debit collateral: %w", err)
	}

	return c, nil
}

// Get loads a contract by id.
func Get(ctx context.Context, tx *store.Tx, contractID int64) (*Contract, error) {
	row := tx.QueryRow(ctx, `
		SELECT c.id, c.created_at, c.contract_type, c.issuer_id,
		       f.cancelled, f.expired, f.expires_at, f.volume, f.asset_id, f.contract_asset_id
		FROM contracts c JOIN futures f ON f.contract_id = c.id
		WHERE c.id = $1
	`, contractID)

	c := &Contract{}
	var volumeRaw string
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.ContractType, &c.IssuerID,
		&c.Cancelled, &c.Expired, &c.ExpiresAt, &volumeRaw, &c.AssetID, &c.ContractAssetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contract: %d: %w", contractID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("contract: get: %w", err)
	}
	v, err := money.NewVolumeFromString(volumeRaw)
	if err != nil {
		return nil, err
	}
	c.Volume = v
	return c, nil
}

// CanBeUsedInOrder reports whether orders may still be created against
// this contract: not cancelled, not expired, and not past expiry.
func CanBeUsedInOrder(c *Contract) bool {
	return !c.Cancelled && !c.Expired && !time.Now().After(c.ExpiresAt)
}

func openOrderCount(ctx context.Context, tx *store.Tx, contractID int64) (int, error) {
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders WHERE contract_id = $1 AND state NOT IN ('Cancelled', 'Executed')
	`, contractID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("contract: open order count: %w", err)
	}
	return n, nil
}

func totalOrderCount(ctx context.Context, tx *store.Tx, contractID int64) (int, error) {
	row := tx.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE contract_id = $1`, contractID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("contract: total order count: %w", err)
	}
	return n, nil
}

// Cancel unwinds a contract that has not yet expired. It fails (returns
// false, nil) rather than erroring when any of the documented
// preconditions does not hold, so callers can present the refusal as a
// normal outcome rather than an exceptional one.
func Cancel(ctx context.Context, tx *store.Tx, contractID int64) (bool, error) {
	c, err := Get(ctx, tx, contractID)
	if err != nil {
		return false, err
	}
	if c.Cancelled {
		return false, nil
	}
	if c.Expired || time.Now().After(c.ExpiresAt) {
		return false, nil
	}

	holders, err := ledger.Holders(ctx, tx, c.ContractAssetID)
	if err != nil {
		return false, err
	}
	for _, h := range holders {
		if h.UserID != c.IssuerID && h.Volume.IsPositive() {
			return false, nil
		}
	}

	openOrders, err := openOrderCount(ctx, tx, contractID)
	if err != nil {
		return false, err
	}
	if openOrders > 0 {
		return false, nil
	}

	if _, err := ledger.Credit(ctx, tx, c.IssuerID, c.AssetID, c.Volume, ledger.SourceInternalTrade, "futures cancel: collateral return"); err != nil {
		return false, err
	}

	issuerClaim, err := ledger.Balance(ctx, tx, c.IssuerID, c.ContractAssetID)
	if err != nil {
		return false, err
	}
	if issuerClaim.IsPositive() {
		if _, err := ledger.Debit(ctx, tx, c.IssuerID, c.ContractAssetID, issuerClaim, ledger.SourceInternalTrade, "futures cancel: burn claim"); err != nil {
			return false, err
		}
	}

	if _, err := asset.Remove(ctx, tx, c.ContractAssetID); err != nil {
		return false, err
	}

	totalOrders, err := totalOrderCount(ctx, tx, contractID)
	if err != nil {
		return false, err
	}
	if totalOrders == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM futures WHERE contract_id = $1`, contractID); err != nil {
			return false, fmt.Errorf("contract: delete futures: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, contractID); err != nil {
			return false, fmt.Errorf("contract: delete contracts: %w", err)
		}
		return true, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE futures SET cancelled = true WHERE contract_id = $1`, contractID); err != nil {
		return false, fmt.Errorf("contract: mark cancelled: %w", err)
	}
	return true, nil
}

// Expire distributes the locked collateral pro rata to the current
// holders of the contract-asset, weighted by their share of the total
// outstanding claim volume, and marks the contract expired. Idempotent:
// a contract that is already expired is left untouched.
func Expire(ctx context.Context, tx *store.Tx, contractID int64) error {
	c, err := Get(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if c.Expired {
		return nil
	}

	holders, err := ledger.Holders(ctx, tx, c.ContractAssetID)
	if err != nil {
		return err
	}

	total := money.ZeroVolume
	for _, h := range holders {
		total = total.Add(h.Volume)
	}

	if total.IsPositive() {
		for _, h := range holders {
			ratio, err := h.Volume.Div(total)
			if err != nil {
				return err
			}
			share := c.Volume.Mul(ratio)
			if share.IsZero() {
				continue
			}
			if _, err := ledger.Credit(ctx, tx, h.UserID, c.AssetID, share, ledger.SourceInternalTrade, "futures expiry: pro-rata settlement"); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE futures SET expired = true WHERE contract_id = $1`, contractID); err != nil {
		return fmt.Errorf("contract: mark expired: %w", err)
	}
	return nil
}
