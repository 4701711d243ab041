package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/novaex/futures-exchange/internal/asset"
	"github.com/novaex/futures-exchange/internal/ledger"
	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/store"
	"github.com/novaex/futures-exchange/internal/testutil"
)

func uniqueAssetName(t *testing.T, prefix string) string {
	t.Helper()
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestCreditAndDebitBalance(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		u := testutil.CreateUser(t, ctx, tx, "ledger-credit")
		a, err := asset.Create(ctx, tx, uniqueAssetName(t, "BTC"))
		if err != nil {
			return err
		}

		if _, err := ledger.Credit(ctx, tx, u, a.ID, money.MustVolume("1"), ledger.SourceExternal, "deposit"); err != nil {
			return err
		}

		balance, err := ledger.Balance(ctx, tx, u, a.ID)
		if err != nil {
			return err
		}
		if !balance.Equal(money.MustVolume("1")) {
			t.Fatalf("balance = %s, want 1", balance)
		}

		if _, err := ledger.Debit(ctx, tx, u, a.ID, money.MustVolume("0.4"), ledger.SourceInternalTrade, "withdraw"); err != nil {
			return err
		}
		balance, err = ledger.Balance(ctx, tx, u, a.ID)
		if err != nil {
			return err
		}
		if !balance.Equal(money.MustVolume("0.6")) {
			t.Fatalf("balance after debit = %s, want 0.6", balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

// TestNonNegativeBalance verifies no
// operation may drive a (user, asset) balance below zero.
func TestNonNegativeBalance(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		u := testutil.CreateUser(t, ctx, tx, "ledger-nonneg")
		a, err := asset.Create(ctx, tx, uniqueAssetName(t, "USD"))
		if err != nil {
			return err
		}

		_, err = ledger.Debit(ctx, tx, u, a.ID, money.MustVolume("1"), ledger.SourceExternal, "overdraw")
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			t.Fatalf("Debit on zero balance error = %v, want ErrInsufficientFunds", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestZeroVolumeHoldingForbidden(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		u := testutil.CreateUser(t, ctx, tx, "ledger-zero")
		a, err := asset.Create(ctx, tx, uniqueAssetName(t, "ZERO"))
		if err != nil {
			return err
		}

		_, err = ledger.Credit(ctx, tx, u, a.ID, money.ZeroVolume, ledger.SourceExternal, "noop")
		if !errors.Is(err, ledger.ErrZeroVolume) {
			t.Fatalf("Credit(0) error = %v, want ErrZeroVolume", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestCreditOnRemovedAssetFails(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		u := testutil.CreateUser(t, ctx, tx, "ledger-removed")
		a, err := asset.Create(ctx, tx, uniqueAssetName(t, "GONE"))
		if err != nil {
			return err
		}
		if _, err := asset.Remove(ctx, tx, a.ID); err != nil {
			return err
		}

		_, err = ledger.Credit(ctx, tx, u, a.ID, money.MustVolume("1"), ledger.SourceExternal, "deposit")
		if !errors.Is(err, ledger.ErrAssetRemoved) {
			t.Fatalf("Credit on removed asset error = %v, want ErrAssetRemoved", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestHoldersOnlyStrictlyPositive(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		u1 := testutil.CreateUser(t, ctx, tx, "holders-1")
		u2 := testutil.CreateUser(t, ctx, tx, "holders-2")
		a, err := asset.Create(ctx, tx, uniqueAssetName(t, "CLAIM"))
		if err != nil {
			return err
		}

		if _, err := ledger.Credit(ctx, tx, u1, a.ID, money.MustVolume("10"), ledger.SourceExternal, "seed"); err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, tx, u2, a.ID, money.MustVolume("5"), ledger.SourceExternal, "seed"); err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, tx, u2, a.ID, money.MustVolume("5"), ledger.SourceExternal, "seed"); err != nil {
			return err
		}
		if _, err := ledger.Debit(ctx, tx, u2, a.ID, money.MustVolume("10"), ledger.SourceExternal, "divest"); err != nil {
			return err
		}

		holders, err := ledger.Holders(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if len(holders) != 1 || holders[0].UserID != u1 {
			t.Fatalf("holders = %+v, want only u1", holders)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}
