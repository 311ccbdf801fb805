package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chainvoice/internal/testutil"
)

func seedPGProduct(t *testing.T, store *PostgresStore, id string, stock int64) {
	t.Helper()
	err := store.CreateProduct(context.Background(), &Product{
		ID:            id,
		Name:          "Widget",
		Price:         "0.001",
		Currency:      "BTC",
		StockQuantity: stock,
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestPostgresStore_ReserveRelease(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	seedPGProduct(t, store, "prod_1", 10)

	require.NoError(t, store.Reserve(ctx, "prod_1", 4))

	p, err := store.GetProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.ReservedQuantity)

	assert.ErrorIs(t, store.Reserve(ctx, "prod_1", 7), ErrOutOfStock)

	require.NoError(t, store.Release(ctx, "prod_1", 4))
	p, err = store.GetProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.ReservedQuantity)
}

func TestPostgresStore_ReleaseFloorsAtZero(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	seedPGProduct(t, store, "prod_1", 10)

	require.NoError(t, store.Reserve(ctx, "prod_1", 3))

	// Releasing more than is held clamps at zero instead of failing.
	require.NoError(t, store.Release(ctx, "prod_1", 5))
	p, err := store.GetProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.ReservedQuantity)
	assert.Equal(t, int64(10), p.StockQuantity)

	// Only a missing product reports not found.
	assert.ErrorIs(t, store.Release(ctx, "prod_missing", 1), ErrProductNotFound)
}

func TestPostgresStore_Consume(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	seedPGProduct(t, store, "prod_1", 5)

	require.NoError(t, store.Reserve(ctx, "prod_1", 3))
	require.NoError(t, store.Consume(ctx, "prod_1", 3))

	p, err := store.GetProduct(ctx, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.StockQuantity)
	assert.Equal(t, int64(0), p.ReservedQuantity)
}
