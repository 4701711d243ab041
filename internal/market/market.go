// Package market implements order matching and trade settlement: given
// a newly admitted order, it selects at most one counterparty from the
// resting book, executes the trade, and leaves unmatched orders resting
// until a later Place or an explicit Cancel.
package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/novaex/futures-exchange/internal/feed"
	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/order"
	"github.com/novaex/futures-exchange/internal/store"
	"github.com/novaex/futures-exchange/pkg/logging"
)

var (
	// ErrMarket covers generic invariant violations during matching:
	// wrong states, mismatched contracts, same-direction pair, both
	// prices null, price verification failed.
	ErrMarket = errors.New("market: invariant violation")
	// ErrOrderExpired marks an order that has passed its expires_in
	// window at the moment a match was attempted.
	ErrOrderExpired = errors.New("market: order expired")
)

var log = logging.GetDefault().Component("market")

// Place transitions a Created order to InMarket and attempts to find a
// counterparty. It never returns an error for "no match found": an
// unmatched limit order simply rests in the book, and an unmatched
// market order is auto-cancelled with its escrow refunded. The returned
// *Transaction is nil when no match occurred.
//
// hub may be nil, in which case no feed event is pushed. When non-nil,
// the broadcast happens only after WithSerializableTx has returned
// successfully: execute runs inside a retryable transaction closure, and
// broadcasting from inside it would re-fire on every serialization retry
// for an attempt that never actually committed.
func Place(ctx context.Context, s *store.Store, orderID int64, hub *feed.Hub) (*Transaction, error) {
	var result *Transaction

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		result = nil

		if err := order.MarkInMarket(ctx, tx, orderID); err != nil {
			return err
		}
		incoming, err := order.Get(ctx, tx, orderID)
		if err != nil {
			return err
		}

		candidateID, err := findCandidate(ctx, tx, incoming)
		if err != nil {
			return err
		}

		if candidateID == 0 {
			if incoming.OrderType == order.TypeMarket {
				if _, err := order.Cancel(ctx, tx, incoming.ID); err != nil {
					return err
				}
			}
			return nil
		}

		a, b := incoming.ID, candidateID
		txn, err := execute(ctx, tx, a, b)
		if err != nil {
			return err
		}
		result = txn
		return nil
	})

	if err == nil && result != nil && hub != nil {
		hub.Broadcast(feed.EventTradeExecuted, result)
	}

	return result, err
}

func reciprocal(d order.Direction) order.Direction {
	if d == order.DirectionBid {
		return order.DirectionAsk
	}
	return order.DirectionBid
}

// findCandidate implements the search rules of the matching engine: the
// market-order size filter or the limit-order two-phase exact-price /
// volume-ratio crossing. It returns 0 if no candidate qualifies.
func findCandidate(ctx context.Context, tx *store.Tx, incoming *order.Order) (int64, error) {
	if incoming.OrderType == order.TypeMarket {
		return findMarketCandidate(ctx, tx, incoming)
	}
	return findLimitCandidate(ctx, tx, incoming)
}

func findMarketCandidate(ctx context.Context, tx *store.Tx, incoming *order.Order) (int64, error) {
	counterDirection := reciprocal(incoming.Direction)

	var query string
	if incoming.Direction == order.DirectionAsk {
		// Counterparty (resting Bid) must have volume >= incoming.volume,
		// ordered by price descending (best price for the seller first).
		query = `
			SELECT id FROM orders
			WHERE contract_id = $1 AND direction = $2 AND state = 'InMarket'
			  AND user_id <> $3 AND price IS NOT NULL AND volume >= $4
			ORDER BY price DESC, id ASC
			LIMIT 1 FOR UPDATE
		`
	} else {
		// Counterparty (resting Ask) must have volume <= incoming.volume,
		// ordered by price ascending (best price for the buyer first).
		query = `
			SELECT id FROM orders
			WHERE contract_id = $1 AND direction = $2 AND state = 'InMarket'
			  AND user_id <> $3 AND price IS NOT NULL AND volume <= $4
			ORDER BY price ASC, id ASC
			LIMIT 1 FOR UPDATE
		`
	}

	row := tx.QueryRow(ctx, query, incoming.ContractID, string(counterDirection), incoming.UserID, incoming.Volume.String())
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("market: find market candidate: %w", err)
	}
	return id, nil
}

func findLimitCandidate(ctx context.Context, tx *store.Tx, incoming *order.Order) (int64, error) {
	if incoming.Price == nil {
		return 0, fmt.Errorf("%w: limit order %d has no price", ErrMarket, incoming.ID)
	}

	counterDirection := reciprocal(incoming.Direction)

	// Phase one: exact-price crossing.
	var exactQuery string
	if incoming.Direction == order.DirectionAsk {
		exactQuery = `
			SELECT id FROM orders
			WHERE contract_id = $1 AND direction = $2 AND state = 'InMarket'
			  AND user_id <> $3 AND price IS NOT NULL AND price >= $4
			ORDER BY price DESC, id ASC
			LIMIT 1 FOR UPDATE
		`
	} else {
		exactQuery = `
			SELECT id FROM orders
			WHERE contract_id = $1 AND direction = $2 AND state = 'InMarket'
			  AND user_id <> $3 AND price IS NOT NULL AND price <= $4
			ORDER BY price ASC, id ASC
			LIMIT 1 FOR UPDATE
		`
	}

	row := tx.QueryRow(ctx, exactQuery, incoming.ContractID, string(counterDirection), incoming.UserID, incoming.Price.String())
	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("market: find exact-price candidate: %w", err)
	}

	// Phase two: volume-adjusted crossing on price-per-volume ratio.
	r, err := incoming.PriceToVolume()
	if err != nil {
		return 0, err
	}

	return findRatioCandidate(ctx, tx, incoming, counterDirection, r)
}

func findRatioCandidate(ctx context.Context, tx *store.Tx, incoming *order.Order, counterDirection order.Direction, r decimal.Decimal) (int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, price, volume FROM orders
		WHERE contract_id = $1 AND direction = $2 AND state = 'InMarket'
		  AND user_id <> $3 AND price IS NOT NULL
		FOR UPDATE
	`, incoming.ContractID, string(counterDirection), incoming.UserID)
	if err != nil {
		return 0, fmt.Errorf("market: find ratio candidate: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id     int64
		volume money.Volume
		ratio  decimal.Decimal
	}
	var candidates []candidate

	for rows.Next() {
		var id int64
		var priceRaw, volumeRaw string
		if err := rows.Scan(&id, &priceRaw, &volumeRaw); err != nil {
			return 0, fmt.Errorf("market: scan ratio candidate: %w", err)
		}
		price, err := money.NewPriceFromString(priceRaw)
		if err != nil {
			return 0, err
		}
		volume, err := money.NewVolumeFromString(volumeRaw)
		if err != nil {
			return 0, err
		}
		if volume.IsZero() {
			continue
		}
		ratio := price.Decimal().DivRound(volume.Decimal(), int32(money.PriceScale)+4)

		qualifies := false
		if incoming.Direction == order.DirectionAsk {
			qualifies = ratio.GreaterThanOrEqual(r)
		} else {
			qualifies = ratio.LessThanOrEqual(r)
		}
		if qualifies {
			candidates = append(candidates, candidate{id: id, volume: volume, ratio: ratio})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if incoming.Direction == order.DirectionAsk {
			// Ordered by counter.volume descending.
			if c.volume.GreaterThan(best.volume) {
				best = c
			}
		} else {
			// Ordered by counter.volume ascending.
			if c.volume.LessThan(best.volume) {
				best = c
			}
		}
	}
	return best.id, nil
}
