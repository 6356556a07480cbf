package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/discount"
	"github.com/warp/coinshop/docstore/memory"
)

const catalogJSON = `{
  "tiers": [
    {"id": "bronze", "name": "Bronze", "min_spent": 0, "min_orders": 0},
    {"id": "silver", "min_spent": "500000", "min_orders": 3}
  ],
  "discounts": [
    {"code": "save10", "value": 10000, "min_amount": 50000, "usage_limit": 1},
    {"code": "WELCOME", "value": "5000"}
  ]
}`

func TestParseCatalog_Ladder(t *testing.T) {
	cat, err := ParseCatalog([]byte(catalogJSON))
	require.NoError(t, err)

	ladder, err := cat.Ladder()
	require.NoError(t, err)

	tiers := ladder.Tiers()
	require.Len(t, tiers, 2)
	assert.Equal(t, "silver", tiers[1].Name, "name defaults to id")
	assert.True(t, tiers[1].MinSpent.Equal(decimal.NewFromInt(500000)))
}

func TestParseCatalog_EmptyUsesDefaultLadder(t *testing.T) {
	cat, err := ParseCatalog([]byte(`{}`))
	require.NoError(t, err)

	ladder, err := cat.Ladder()
	require.NoError(t, err)
	assert.Equal(t, "bronze", ladder.Entry().ID)
}

func TestParseCatalog_InvalidLadder(t *testing.T) {
	cat, err := ParseCatalog([]byte(`{"tiers": [{"id": "silver", "min_spent": 100, "min_orders": 1}]}`))
	require.NoError(t, err)

	_, err = cat.Ladder()
	assert.ErrorIs(t, err, commerce.ErrValidation)
}

func TestParseCatalog_Malformed(t *testing.T) {
	_, err := ParseCatalog([]byte(`{"tiers": [`))
	assert.Error(t, err)
}

func TestSeedDiscounts_Idempotent(t *testing.T) {
	// GIVEN: a catalog with two codes
	// WHEN: it is seeded twice
	// THEN: both codes exist once and the second run creates nothing

	ctx := context.Background()
	reg := discount.NewRegistry(memory.New())
	cat, err := ParseCatalog([]byte(catalogJSON))
	require.NoError(t, err)

	n, err := cat.SeedDiscounts(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = cat.SeedDiscounts(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c, err := reg.Get(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsageLimit)
	assert.True(t, c.Active)
}

func TestSeedDiscounts_InvalidCodeStops(t *testing.T) {
	reg := discount.NewRegistry(memory.New())
	cat := &Catalog{CatalogJSON{Discounts: []DiscountJSON{{Code: "FREE"}}}}

	_, err := cat.SeedDiscounts(context.Background(), reg)
	assert.ErrorIs(t, err, commerce.ErrValidation)
}

func TestLoadCatalog_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(catalogJSON), 0o600))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, cat.Discounts, 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
