// Package order implements the order entity and its state machine:
// funds are escrowed at creation, released on cancel, and transferred
// by the matching engine on execute.
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novaex/futures-exchange/internal/asset"
	"github.com/novaex/futures-exchange/internal/contract"
	"github.com/novaex/futures-exchange/internal/ledger"
	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/store"
)

type Direction string
type Type string
type State string

const (
	DirectionBid Direction = "Bid"
	DirectionAsk Direction = "Ask"

	TypeMarket Type = "MarketOrder"
	TypeLimit  Type = "LimitOrder"

	StateCreated   State = "Created"
	StateInMarket  State = "InMarket"
	StateExecuted  State = "Executed"
	StateCancelled State = "Cancelled"
)

var (
	ErrAssetRemoved     = errors.New("order: referenced asset is removed")
	ErrInvalidLifecycle = errors.New("order: invalid lifecycle transition")
)

// Order is a standing instruction to buy (Bid) or sell (Ask) Volume of a
// contract-asset at Price (total obligation, not a per-unit price) or at
// the best available counterparty price when Price is nil.
type Order struct {
	ID          int64
	CreatedAt   time.Time
	UserID      int64
	Price       *money.Price
	PriceAssetID int64
	Volume      money.Volume
	ContractID  int64
	ExpiresIn   *time.Duration
	Direction   Direction
	OrderType   Type
	State       State
	ExecutedAt  *time.Time
}

// PriceToVolume returns the per-unit-volume ratio Price/Volume used by
// the matching engine's phase-two volume-adjusted crossing. Price is nil
// for an unconstrained market order; callers must only invoke this on
// orders with a stated price.
func (o *Order) PriceToVolume() (decimal.Decimal, error) {
	if o.Price == nil {
		return decimal.Decimal{}, fmt.Errorf("order: %d has no price", o.ID)
	}
	if o.Volume.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("order: %d has zero volume", o.ID)
	}
	return o.Price.Decimal().DivRound(o.Volume.Decimal(), int32(money.PriceScale)+4), nil
}

// Expired reports whether the order has passed its expires_in window,
// using the natural semantics: expired once now >= created_at +
// expires_in. (The source this system was modeled on compared the
// opposite way; that reading is not reproduced here.)
func (o *Order) Expired(now time.Time) bool {
	if o.ExpiresIn == nil {
		return false
	}
	return !now.Before(o.CreatedAt.Add(*o.ExpiresIn))
}

func escrowAssetAndVolume(o *Order, contractAssetID int64) (assetID int64, volume money.Volume, err error) {
	if o.Direction == DirectionAsk {
		return contractAssetID, o.Volume, nil
	}
	if o.Price == nil {
		return 0, money.Volume{}, fmt.Errorf("%w: market bid orders must be refused, not escrowed", ErrInvalidLifecycle)
	}
	// price carries 8 decimal places of precision (NUMERIC(15,8)) but a
	// holding's volume only 4 (NUMERIC(10,4)); round down rather than
	// reject, since this is an internal unit conversion, not a
	// user-supplied value that must be rejected for being imprecise.
	escrow, err := money.NewVolume(o.Price.Decimal().Truncate(money.VolumeScale))
	if err != nil {
		return 0, money.Volume{}, err
	}
	return o.PriceAssetID, escrow, nil
}

// CreateOrder admits a new order. Market bids without a stated price are
// refused outright rather than guessed at (see the design notes on the
// ambiguous escrow basis for market bids).
func CreateOrder(ctx context.Context, tx *store.Tx, userID int64, price *money.Price, priceAssetID, contractID int64, volume money.Volume, direction Direction, orderType Type, expiresIn *time.Duration) (*Order, error) {
	if orderType == TypeMarket && direction == DirectionBid && price == nil {
		return nil, fmt.Errorf("%w: market bid requires an explicit price to use as escrow", ErrInvalidLifecycle)
	}
	if !volume.IsPositive() {
		return nil, fmt.Errorf("%w: volume must be positive", ErrInvalidLifecycle)
	}

	priceAsset, err := asset.Get(ctx, tx, priceAssetID)
	if err != nil {
		return nil, err
	}
	if priceAsset.Removed() {
		return nil, ErrAssetRemoved
	}

	c, err := contract.Get(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	contractAsset, err := asset.Get(ctx, tx, c.ContractAssetID)
	if err != nil {
		return nil, err
	}
	if contractAsset.Removed() {
		return nil, ErrAssetRemoved
	}
	if !contract.CanBeUsedInOrder(c) {
		return nil, fmt.Errorf("%w: contract cannot be used in an order", ErrInvalidLifecycle)
	}

	o := &Order{
		UserID:       userID,
		Price:        price,
		PriceAssetID: priceAssetID,
		Volume:       volume,
		ContractID:   contractID,
		ExpiresIn:    expiresIn,
		Direction:    direction,
		OrderType:    orderType,
		State:        StateCreated,
	}

	escrowAsset, escrowVolume, err := escrowAssetAndVolume(o, c.ContractAssetID)
	if err != nil {
		return nil, err
	}
	if _, err := ledger.Debit(ctx, tx, userID, escrowAsset, escrowVolume, ledger.SourceInternalTrade, "order escrow"); err != nil {
		return nil, err
	}

	var priceRaw sql.NullString
	if price != nil {
		priceRaw = sql.NullString{String: price.String(), Valid: true}
	}
	var expiresInSeconds sql.NullFloat64
	if expiresIn != nil {
		expiresInSeconds = sql.NullFloat64{Float64: expiresIn.Seconds(), Valid: true}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, price, asset_id, volume, contract_id, expires_in, direction, order_type, state)
		VALUES ($1, $2, $3, $4, $5, CASE WHEN $6::double precision IS NULL THEN NULL ELSE make_interval(secs => $6) END, $7, $8, $9)
		RETURNING id, created_at
	`, userID, priceRaw, priceAssetID, volume.String(), contractID, expiresInSeconds, string(direction), string(orderType), string(StateCreated))

	if err := row.Scan(&o.ID, &o.CreatedAt); err != nil {
		return nil, fmt.Errorf("order: insert: %w", err)
	}

	return o, nil
}

// Get loads an order by id.
func Get(ctx context.Context, tx *store.Tx, orderID int64) (*Order, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, created_at, user_id, price, asset_id, volume, contract_id,
		       EXTRACT(EPOCH FROM expires_in), direction, order_type, state, executed_at
		FROM orders WHERE id = $1
	`, orderID)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (*Order, error) {
	o := &Order{}
	var priceRaw sql.NullString
	var volumeRaw string
	var expiresInSeconds sql.NullFloat64
	var direction, orderType, state string
	var executedAt sql.NullTime

	if err := row.Scan(&o.ID, &o.CreatedAt, &o.UserID, &priceRaw, &o.PriceAssetID, &volumeRaw, &o.ContractID,
		&expiresInSeconds, &direction, &orderType, &state, &executedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order: not found: %w", sql.ErrNoRows)
		}
		return nil, fmt.Errorf("order: get: %w", err)
	}

	v, err := money.NewVolumeFromString(volumeRaw)
	if err != nil {
		return nil, err
	}
	o.Volume = v

	if priceRaw.Valid {
		p, err := money.NewPriceFromString(priceRaw.String)
		if err != nil {
			return nil, err
		}
		o.Price = &p
	}

	if expiresInSeconds.Valid {
		d := time.Duration(expiresInSeconds.Float64 * float64(time.Second))
		o.ExpiresIn = &d
	}

	o.Direction = Direction(direction)
	o.OrderType = Type(orderType)
	o.State = State(state)
	if executedAt.Valid {
		t := executedAt.Time
		o.ExecutedAt = &t
	}
	return o, nil
}

// Cancel transitions an order from Created or InMarket to Cancelled and
// refunds its escrow. Idempotent: an order already in a terminal state
// returns false, nil.
func Cancel(ctx context.Context, tx *store.Tx, orderID int64) (bool, error) {
	o, err := Get(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if o.State != StateCreated && o.State != StateInMarket {
		return false, nil
	}

	c, err := contract.Get(ctx, tx, o.ContractID)
	if err != nil {
		return false, err
	}
	escrowAsset, escrowVolume, err := escrowAssetAndVolume(o, c.ContractAssetID)
	if err != nil {
		return false, err
	}
	if _, err := ledger.Credit(ctx, tx, o.UserID, escrowAsset, escrowVolume, ledger.SourceInternalTrade, "order cancel: escrow refund"); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET state = $2 WHERE id = $1`, orderID, string(StateCancelled)); err != nil {
		return false, fmt.Errorf("order: cancel: %w", err)
	}
	return true, nil
}

// MarkInMarket transitions a Created order to InMarket. Called only by
// the matching engine's Place entry point.
func MarkInMarket(ctx context.Context, tx *store.Tx, orderID int64) error {
	res, err := tx.Exec(ctx, `UPDATE orders SET state = $2 WHERE id = $1 AND state = $3`,
		orderID, string(StateInMarket), string(StateCreated))
	if err != nil {
		return fmt.Errorf("order: mark in market: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("order: mark in market: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: order %d is not in Created state", ErrInvalidLifecycle, orderID)
	}
	return nil
}
