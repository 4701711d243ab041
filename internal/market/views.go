package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/store"
)

// InstrumentSummary is a read-only snapshot of a contract's market data,
// computed from persisted orders and transactions. It backs the
// query-instruments surface named in the external interface, which has
// no write path of its own.
type InstrumentSummary struct {
	ContractID     int64
	BestBid        *money.Price
	BestAsk        *money.Price
	LastPrice      *money.Price
	LastVolume     *money.Volume
	Volume24h      money.Volume
	AveragePrice24h *money.Price
}

// Summary computes an InstrumentSummary for a contract from current
// state. It takes no lock beyond whatever read consistency the calling
// transaction already provides.
func Summary(ctx context.Context, tx *store.Tx, contractID int64) (*InstrumentSummary, error) {
	s := &InstrumentSummary{ContractID: contractID}

	bestBid, err := bestPrice(ctx, tx, contractID, "Bid", "DESC")
	if err != nil {
		return nil, err
	}
	s.BestBid = bestBid

	bestAsk, err := bestPrice(ctx, tx, contractID, "Ask", "ASC")
	if err != nil {
		return nil, err
	}
	s.BestAsk = bestAsk

	row := tx.QueryRow(ctx, `
		SELECT price, volume FROM transactions
		WHERE contract_id = $1 AND executed_at IS NOT NULL
		ORDER BY executed_at DESC LIMIT 1
	`, contractID)
	var lastPriceRaw, lastVolumeRaw string
	switch err := row.Scan(&lastPriceRaw, &lastVolumeRaw); {
	case err == nil:
		p, err := money.NewPriceFromString(lastPriceRaw)
		if err != nil {
			return nil, err
		}
		v, err := money.NewVolumeFromString(lastVolumeRaw)
		if err != nil {
			return nil, err
		}
		s.LastPrice = &p
		s.LastVolume = &v
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("market: last trade lookup: %w", err)
	}

	row = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(volume), 0), COALESCE(ROUND(AVG(price), 8), 0)
		FROM transactions
		WHERE contract_id = $1 AND executed_at > $2
	`, contractID, time.Now().Add(-24*time.Hour))
	var volumeRaw, avgPriceRaw string
	if err := row.Scan(&volumeRaw, &avgPriceRaw); err != nil {
		return nil, fmt.Errorf("market: 24h volume lookup: %w", err)
	}
	vol, err := money.NewVolumeFromString(volumeRaw)
	if err != nil {
		return nil, err
	}
	s.Volume24h = vol
	if !vol.IsZero() {
		avg, err := money.NewPriceFromString(avgPriceRaw)
		if err != nil {
			return nil, err
		}
		s.AveragePrice24h = &avg
	}

	return s, nil
}

func bestPrice(ctx context.Context, tx *store.Tx, contractID int64, direction, order string) (*money.Price, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT price FROM orders
		WHERE contract_id = $1 AND direction = $2 AND state = 'InMarket' AND price IS NOT NULL
		ORDER BY price %s LIMIT 1
	`, order), contractID, direction)
	var raw string
	switch err := row.Scan(&raw); {
	case err == nil:
		p, err := money.NewPriceFromString(raw)
		if err != nil {
			return nil, err
		}
		return &p, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, fmt.Errorf("market: best price lookup: %w", err)
	}
}
