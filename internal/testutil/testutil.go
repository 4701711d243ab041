// Package testutil provides shared scaffolding for integration tests
// across internal/ledger, internal/asset, internal/contract,
// internal/order, and internal/market. It is not imported by any
// production code.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/novaex/futures-exchange/internal/config"
	"github.com/novaex/futures-exchange/internal/store"
)

// OpenStore opens a Store against EXCHANGE_TEST_DATABASE_URL, skipping
// the calling test when it is unset.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	url := config.TestDatabaseURL()
	if url == "" {
		t.Skipf("skipping: %s is not set", config.TestDatabaseURLEnv)
	}

	s, err := store.Open(context.Background(), store.DefaultConfig(url))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// CreateUser inserts a throwaway user with a unique username derived
// from the given prefix and returns its id.
func CreateUser(t *testing.T, ctx context.Context, tx *store.Tx, prefix string) int64 {
	t.Helper()
	username := fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	row := tx.QueryRow(ctx, `INSERT INTO users (username, password_hash) VALUES ($1, 'x') RETURNING id`, username)
	var id int64
	if err := row.Scan(&id); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return id
}
