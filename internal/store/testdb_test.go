package store

import (
	"context"
	"testing"

	"github.com/novaex/futures-exchange/internal/config"
)

// openTestStore opens a Store against EXCHANGE_TEST_DATABASE_URL,
// skipping the test when it is unset. Tests in other packages use
// testutil.OpenStore, which applies the same skip policy.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := config.TestDatabaseURL()
	if url == "" {
		t.Skipf("skipping: %s is not set", config.TestDatabaseURLEnv)
	}

	s, err := Open(context.Background(), DefaultConfig(url))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesSchema(t *testing.T) {
	s := openTestStore(t)

	err := s.WithSerializableTx(context.Background(), func(ctx context.Context, tx *Tx) error {
		_, err := tx.Exec(ctx, `SELECT 1 FROM users LIMIT 0`)
		return err
	})
	if err != nil {
		t.Fatalf("users table not created by schema bootstrap: %v", err)
	}
}
