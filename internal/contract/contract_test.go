package contract_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/novaex/futures-exchange/internal/asset"
	"github.com/novaex/futures-exchange/internal/contract"
	"github.com/novaex/futures-exchange/internal/ledger"
	"github.com/novaex/futures-exchange/internal/money"
	"github.com/novaex/futures-exchange/internal/store"
	"github.com/novaex/futures-exchange/internal/testutil"
)

func uniqueName(t *testing.T, prefix string) string {
	t.Helper()
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// A contract issued with full collateral expires and the issuer, as sole
// holder of the minted claim, gets it all back. The trade-settlement
// path is exercised end to end in internal/market.
func TestIssueAndExpireSoleHolder(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		u := testutil.CreateUser(t, ctx, tx, "issue-expire")
		btc, err := asset.Create(ctx, tx, uniqueName(t, "BTC"))
		if err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, tx, u, btc.ID, money.MustVolume("1"), ledger.SourceExternal, "deposit"); err != nil {
			return err
		}

		c, err := contract.Issue(ctx, tx, u, time.Now().Add(14*24*time.Hour), btc.ID,
			money.MustVolume("1"), uniqueName(t, "FUTURE"), money.MustVolume("100"))
		if err != nil {
			return err
		}

		balance, err := ledger.Balance(ctx, tx, u, btc.ID)
		if err != nil {
			return err
		}
		if !balance.IsZero() {
			t.Fatalf("collateral not debited: balance = %s", balance)
		}
		claimBalance, err := ledger.Balance(ctx, tx, u, c.ContractAssetID)
		if err != nil {
			return err
		}
		if !claimBalance.Equal(money.MustVolume("100")) {
			t.Fatalf("mint not credited: balance = %s", claimBalance)
		}

		if err := contract.Expire(ctx, tx, c.ID); err != nil {
			return err
		}
		balance, err = ledger.Balance(ctx, tx, u, btc.ID)
		if err != nil {
			return err
		}
		if !balance.Equal(money.MustVolume("1")) {
			t.Fatalf("after expiry balance = %s, want 1 (sole holder gets it all back)", balance)
		}

		balanceBefore := balance
		if err := contract.Expire(ctx, tx, c.ID); err != nil {
			return err
		}
		balanceAfter, err := ledger.Balance(ctx, tx, u, btc.ID)
		if err != nil {
			return err
		}
		if !balanceAfter.Equal(balanceBefore) {
			t.Fatalf("expire is not idempotent: %s != %s", balanceAfter, balanceBefore)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

// TestIssueInsufficientCollateral verifies issuance is refused when the
// issuer does not hold enough collateral.
func TestIssueInsufficientCollateral(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		u := testutil.CreateUser(t, ctx, tx, "issue-insufficient")
		usd, err := asset.Create(ctx, tx, uniqueName(t, "USD"))
		if err != nil {
			return err
		}

		_, err = contract.Issue(ctx, tx, u, time.Now().Add(time.Hour), usd.ID,
			money.MustVolume("1"), uniqueName(t, "F"), money.MustVolume("100"))
		if err != contract.ErrInsufficientFunds {
			t.Fatalf("Issue with zero balance error = %v, want ErrInsufficientFunds", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

// TestCancelEmptyContract verifies cancelling a contract with no orders
// deletes the row and returns the collateral.
func TestCancelEmptyContract(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	err := s.WithSerializableTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		u := testutil.CreateUser(t, ctx, tx, "cancel-empty")
		usd, err := asset.Create(ctx, tx, uniqueName(t, "USD"))
		if err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, tx, u, usd.ID, money.MustVolume("1"), ledger.SourceExternal, "deposit"); err != nil {
			return err
		}

		c, err := contract.Issue(ctx, tx, u, time.Now().Add(time.Hour), usd.ID,
			money.MustVolume("1"), uniqueName(t, "F"), money.MustVolume("100"))
		if err != nil {
			return err
		}

		ok, err := contract.Cancel(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("Cancel on empty contract should succeed")
		}

		if _, err := contract.Get(ctx, tx, c.ID); err == nil {
			t.Fatal("contract row should be deleted after cancelling an empty contract")
		}

		balance, err := ledger.Balance(ctx, tx, u, usd.ID)
		if err != nil {
			return err
		}
		if !balance.Equal(money.MustVolume("1")) {
			t.Fatalf("balance after cancel = %s, want 1", balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}
