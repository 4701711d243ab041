package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/novaex/futures-exchange/internal/ledger"
	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/order"
	"github.com/novaex/futures-exchange/internal/store"
)

// Transaction is the settled record of one matched pair of orders.
type Transaction struct {
	ID          int64
	ExecutedAt  *time.Time
	ContractID  int64
	AskOrderID  int64
	BidOrderID  int64
	Price       money.Price
	PriceAssetID int64
	Volume      money.Volume
}

// lockOrdersAscending issues SELECT ... FOR UPDATE on both orders in
// ascending id order, then loads them. When called from Place both rows
// are already locked by this point (the incoming order by MarkInMarket's
// UPDATE, the candidate by the candidate search's FOR UPDATE), so the
// effective lock order there is incoming order first, then candidate; a
// deadlock between concurrent Place calls surfaces as SQLSTATE 40P01 and
// is retried by WithSerializableTx.
func lockOrdersAscending(ctx context.Context, tx *store.Tx, aID, bID int64) (first, second *order.Order, err error) {
	lo, hi := aID, bID
	if lo > hi {
		lo, hi = hi, lo
	}
	if _, err := lockOrderRow(ctx, tx, lo); err != nil {
		return nil, nil, err
	}
	if _, err := lockOrderRow(ctx, tx, hi); err != nil {
		return nil, nil, err
	}

	a, err := order.Get(ctx, tx, aID)
	if err != nil {
		return nil, nil, err
	}
	b, err := order.Get(ctx, tx, bID)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func lockOrderRow(ctx context.Context, tx *store.Tx, id int64) (int64, error) {
	row := tx.QueryRow(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, id)
	var locked int64
	if err := row.Scan(&locked); err != nil {
		return 0, fmt.Errorf("market: lock order %d: %w", id, err)
	}
	return locked, nil
}

// execute settles a and b against each other, re-verifying every
// precondition inside the transaction (a concurrent Place or Cancel may
// have changed either order's state between the candidate search and
// here).
func execute(ctx context.Context, tx *store.Tx, aID, bID int64) (*Transaction, error) {
	a, b, err := lockOrdersAscending(ctx, tx, aID, bID)
	if err != nil {
		return nil, err
	}

	if a.State != order.StateInMarket || b.State != order.StateInMarket {
		return nil, fmt.Errorf("%w: both orders must be InMarket", ErrMarket)
	}
	if existing, err := transactionFor(ctx, tx, a.ID, b.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: orders %d/%d already settled", ErrMarket, a.ID, b.ID)
	}

	now := time.Now()
	if a.Expired(now) || b.Expired(now) {
		return nil, ErrOrderExpired
	}
	if a.Direction == b.Direction {
		return nil, fmt.Errorf("%w: orders %d/%d have the same direction", ErrMarket, a.ID, b.ID)
	}
	if a.ContractID != b.ContractID {
		return nil, fmt.Errorf("%w: orders %d/%d reference different contracts", ErrMarket, a.ID, b.ID)
	}
	if a.Price == nil && b.Price == nil {
		return nil, fmt.Errorf("%w: orders %d/%d are both unpriced", ErrMarket, a.ID, b.ID)
	}

	var ask, bid *order.Order
	if a.Direction == order.DirectionAsk {
		ask, bid = a, b
	} else {
		ask, bid = b, a
	}

	volume := money.MinVolume(ask.Volume, bid.Volume)
	if !ask.Volume.Equal(bid.Volume) {
		log.Warn("matched orders with differing volume; excess volume is discarded, not carried forward as a partial fill",
			"ask_order", ask.ID, "bid_order", bid.ID, "ask_volume", ask.Volume.String(), "bid_volume", bid.Volume.String())
	}

	price, err := formPrice(a, b, ask, bid)
	if err != nil {
		return nil, err
	}

	if ask.Price != nil && price.LessThan(*ask.Price) {
		return nil, fmt.Errorf("%w: formed price %s is below ask limit %s", ErrMarket, price, ask.Price)
	}
	if bid.Price != nil && price.GreaterThan(*bid.Price) {
		return nil, fmt.Errorf("%w: formed price %s is above bid limit %s", ErrMarket, price, bid.Price)
	}

	txn := &Transaction{
		ContractID:   ask.ContractID,
		AskOrderID:   ask.ID,
		BidOrderID:   bid.ID,
		Price:        price,
		PriceAssetID: bid.PriceAssetID,
		Volume:       volume,
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO transactions (contract_id, ask_order_id, bid_order_id, price, asset_id, volume)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, txn.ContractID, txn.AskOrderID, txn.BidOrderID, txn.Price.String(), txn.PriceAssetID, txn.Volume.String())
	if err := row.Scan(&txn.ID); err != nil {
		return nil, fmt.Errorf("market: insert transaction: %w", err)
	}

	if err := markExecuted(ctx, tx, ask.ID); err != nil {
		return nil, err
	}
	if err := markExecuted(ctx, tx, bid.ID); err != nil {
		return nil, err
	}

	if err := ExecuteTrade(ctx, tx, txn.ID); err != nil {
		return nil, err
	}

	return txn, nil
}

// earlier returns the order placed first by created_at, ties broken by
// the lower id.
func earlier(a, b *order.Order) *order.Order {
	if a.CreatedAt.Before(b.CreatedAt) {
		return a
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b
	}
	if a.ID < b.ID {
		return a
	}
	return b
}

// formPrice implements the price-formation rule: the earlier order's
// price defines the reference; a later counterparty concedes to it.
func formPrice(a, b, ask, bid *order.Order) (money.Price, error) {
	if ask.Price == nil && bid.Price != nil {
		return *bid.Price, nil
	}
	if bid.Price == nil && ask.Price != nil {
		return *ask.Price, nil
	}

	e := earlier(a, b)
	l := a
	if e == a {
		l = b
	}

	if e.Direction == order.DirectionAsk {
		if e.Price.GreaterThan(*l.Price) {
			return *e.Price, nil
		}
		return *l.Price, nil
	}
	if e.Price.LessThan(*l.Price) {
		return *e.Price, nil
	}
	return *l.Price, nil
}

func transactionFor(ctx context.Context, tx *store.Tx, aID, bID int64) (*Transaction, error) {
	row := tx.QueryRow(ctx, `
		SELECT id FROM transactions
		WHERE (ask_order_id = $1 AND bid_order_id = $2) OR (ask_order_id = $2 AND bid_order_id = $1)
	`, aID, bID)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("market: transaction lookup: %w", err)
	}
	return &Transaction{ID: id}, nil
}

func markExecuted(ctx context.Context, tx *store.Tx, orderID int64) error {
	_, err := tx.Exec(ctx, `UPDATE orders SET state = $2, executed_at = now() WHERE id = $1`,
		orderID, string(order.StateExecuted))
	if err != nil {
		return fmt.Errorf("market: mark executed: %w", err)
	}
	return nil
}

// ExecuteTrade performs the settlement credits for a transaction and
// stamps executed_at. It is idempotent: a transaction that already has
// executed_at set is a no-op.
func ExecuteTrade(ctx context.Context, tx *store.Tx, transactionID int64) error {
	row := tx.QueryRow(ctx, `
		SELECT executed_at, contract_id, bid_order_id, ask_order_id, price, asset_id, volume
		FROM transactions WHERE id = $1 FOR UPDATE
	`, transactionID)

	var executedAt sql.NullTime
	var contractID, bidOrderID, askOrderID, priceAssetID int64
	var priceRaw, volumeRaw string
	if err := row.Scan(&executedAt, &contractID, &bidOrderID, &askOrderID, &priceRaw, &priceAssetID, &volumeRaw); err != nil {
		return fmt.Errorf("market: execute trade lookup: %w", err)
	}
	if executedAt.Valid {
		return nil
	}

	price, err := money.NewPriceFromString(priceRaw)
	if err != nil {
		return err
	}
	volume, err := money.NewVolumeFromString(volumeRaw)
	if err != nil {
		return err
	}

	c, err := contractOf(ctx, tx, contractID)
	if err != nil {
		return err
	}
	bidUserID, err := orderOwner(ctx, tx, bidOrderID)
	if err != nil {
		return err
	}
	askUserID, err := orderOwner(ctx, tx, askOrderID)
	if err != nil {
		return err
	}

	if _, err := ledger.Credit(ctx, tx, bidUserID, c.contractAssetID, volume, ledger.SourceInternalTrade, "trade settlement"); err != nil {
		return err
	}
	// price is NUMERIC(15,8) but holdings volume is NUMERIC(10,4); round
	// down for the same reason order escrow does (internal conversion,
	// not a value a user supplied directly).
	priceAsVolume, err := money.NewVolume(price.Decimal().Truncate(money.VolumeScale))
	if err != nil {
		return err
	}
	if _, err := ledger.Credit(ctx, tx, askUserID, priceAssetID, priceAsVolume, ledger.SourceInternalTrade, "trade settlement"); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE transactions SET executed_at = now() WHERE id = $1`, transactionID); err != nil {
		return fmt.Errorf("market: stamp executed_at: %w", err)
	}
	return nil
}

type contractRef struct {
	contractAssetID int64
}

func contractOf(ctx context.Context, tx *store.Tx, contractID int64) (*contractRef, error) {
	row := tx.QueryRow(ctx, `SELECT contract_asset_id FROM futures WHERE contract_id = $1`, contractID)
	c := &contractRef{}
	if err := row.Scan(&c.contractAssetID); err != nil {
		return nil, fmt.Errorf("market: contract lookup: %w", err)
	}
	return c, nil
}

func orderOwner(ctx context.Context, tx *store.Tx, orderID int64) (int64, error) {
	row := tx.QueryRow(ctx, `SELECT user_id FROM orders WHERE id = $1`, orderID)
	var userID int64
	if err := row.Scan(&userID); err != nil {
		return 0, fmt.Errorf("market: order owner lookup: %w", err)
	}
	return userID, nil
}
