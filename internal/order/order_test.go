package order_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/novaex/futures-exchange/internal/asset"
	"github.com/novaex/futures-exchange/internal/contract"
	"github.com/novaex/futures-exchange/internal/ledger"
	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/order"
	"github.com/novaex/futures-exchange/internal/store"
	"github.com/novaex/futures-exchange/internal/testutil"
)

func uniqueName(t *testing.T, prefix string) string {
	t.Helper()
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func issueTestContract(t *testing.T, ctx context.Context, tx *store.Tx, issuer int64) (*contract.Contract, *asset.Asset) {
	t.Helper()
	usd, err := asset.Create(ctx, tx, uniqueName(t, "USD"))
	if err != nil {
		t.Fatalf("create underlying asset: %v", err)
	}
	if _, err := ledger.Credit(ctx, tx, issuer, usd.ID, money.MustVolume("1"), ledger.SourceExternal, "deposit"); err != nil {
		t.Fatalf("seed issuer: %v", err)
	}
	c, err := contract.Issue(ctx, tx, issuer, time.Now().Add(time.Hour), usd.ID,
		money.MustVolume("1"), uniqueName(t, "F"), money.MustVolume("100"))
	if err != nil {
		t.Fatalf("issue contract: %v", err)
	}
	return c, usd
}

// TestEscrowIntegrity verifies creating an order decreases free balance
// by exactly the escrow amount, and cancelling restores it.
func TestEscrowIntegrity(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		issuer := testutil.CreateUser(t, ctx, tx, "escrow-issuer")
		c, usd := issueTestContract(t, ctx, tx, issuer)

		seller := testutil.CreateUser(t, ctx, tx, "escrow-seller")
		if _, err := ledger.Credit(ctx, tx, seller, c.ContractAssetID, money.MustVolume("50"), ledger.SourceInternalTrade, "seed"); err != nil {
			return err
		}

		before, err := ledger.Balance(ctx, tx, seller, c.ContractAssetID)
		if err != nil {
			return err
		}

		price := money.MustPrice("20")
		o, err := order.CreateOrder(ctx, tx, seller, &price, usd.ID, c.ID, money.MustVolume("50"), order.DirectionAsk, order.TypeLimit, nil)
		if err != nil {
			return err
		}

		after, err := ledger.Balance(ctx, tx, seller, c.ContractAssetID)
		if err != nil {
			return err
		}
		if !before.Sub(after).Equal(money.MustVolume("50")) {
			t.Fatalf("escrow debited %s, want 50", before.Sub(after))
		}

		ok, err := order.Cancel(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("Cancel should succeed from Created")
		}

		restored, err := ledger.Balance(ctx, tx, seller, c.ContractAssetID)
		if err != nil {
			return err
		}
		if !restored.Equal(before) {
			t.Fatalf("balance after cancel = %s, want %s", restored, before)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

// TestMarketBidWithoutPriceRefused verifies a market bid with no stated
// price is refused outright rather than guessed at.
func TestMarketBidWithoutPriceRefused(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		issuer := testutil.CreateUser(t, ctx, tx, "marketbid-issuer")
		c, usd := issueTestContract(t, ctx, tx, issuer)

		buyer := testutil.CreateUser(t, ctx, tx, "marketbid-buyer")
		_, err := order.CreateOrder(ctx, tx, buyer, nil, usd.ID, c.ID, money.MustVolume("10"), order.DirectionBid, order.TypeMarket, nil)
		if err == nil {
			t.Fatal("expected market bid without price to be refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestCancelTerminalStateFails(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		issuer := testutil.CreateUser(t, ctx, tx, "cancel-terminal-issuer")
		c, usd := issueTestContract(t, ctx, tx, issuer)

		seller := testutil.CreateUser(t, ctx, tx, "cancel-terminal-seller")
		if _, err := ledger.Credit(ctx, tx, seller, c.ContractAssetID, money.MustVolume("50"), ledger.SourceInternalTrade, "seed"); err != nil {
			return err
		}
		price := money.MustPrice("20")
		o, err := order.CreateOrder(ctx, tx, seller, &price, usd.ID, c.ID, money.MustVolume("50"), order.DirectionAsk, order.TypeLimit, nil)
		if err != nil {
			return err
		}

		ok, err := order.Cancel(ctx, tx, o.ID)
		if err != nil || !ok {
			t.Fatalf("first cancel: ok=%v err=%v", ok, err)
		}

		ok, err = order.Cancel(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("cancelling an already-cancelled order should return false")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}
