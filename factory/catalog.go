/*
Package factory converts JSON catalog definitions into storefront config.

PURPOSE:
  Lets operators change the loyalty ladder and seed discount codes without
  a code change. The catalog file is read once at startup.

JSON SCHEMA:
  {
    "tiers": [
      {"id": "bronze", "name": "Bronze", "min_spent": 0,      "min_orders": 0},
      {"id": "silver", "name": "Silver", "min_spent": 500000, "min_orders": 3}
    ],
    "discounts": [
      {"code": "SAVE10", "value": 10000, "min_amount": 50000,
       "usage_limit": 1, "expires_at": "2026-12-31T23:59:59Z"}
    ]
  }

  Both sections are optional. An absent "tiers" keeps the default ladder.

KEY FEATURES:
  - Tier ladders are validated by ranking.NewLadder
  - Seeding is idempotent: codes that already exist are left untouched
  - Amounts decode as decimals (string or number), never floats

USAGE:
  cat, err := factory.LoadCatalog("catalog.json")
  ladder, err := cat.Ladder()
  seeded, err := cat.SeedDiscounts(ctx, registry)

SEE ALSO:
  - ranking/ladder.go: Ladder rules
  - discount/registry.go: Code creation
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/discount"
	"github.com/warp/coinshop/ranking"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalog file.
type CatalogJSON struct {
	Tiers     []TierJSON     `json:"tiers,omitempty"`
	Discounts []DiscountJSON `json:"discounts,omitempty"`
}

// TierJSON represents one loyalty tier.
type TierJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	MinSpent  decimal.Decimal `json:"min_spent"`
	MinOrders int             `json:"min_orders"`
}

// DiscountJSON represents one seed discount code.
type DiscountJSON struct {
	Code       string          `json:"code"`
	Value      decimal.Decimal `json:"value"`
	MinAmount  decimal.Decimal `json:"min_amount"`
	UsageLimit int             `json:"usage_limit"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is a parsed catalog file.
type Catalog struct {
	CatalogJSON
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog JSON.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return &Catalog{CatalogJSON: cj}, nil
}

// Ladder builds the tier ladder, or the default ladder when the catalog
// defines none.
func (c *Catalog) Ladder() (*ranking.Ladder, error) {
	if len(c.Tiers) == 0 {
		return ranking.DefaultLadder(), nil
	}
	tiers := make([]commerce.Tier, len(c.Tiers))
	for i, tj := range c.Tiers {
		name := tj.Name
		if name == "" {
			name = tj.ID
		}
		tiers[i] = commerce.Tier{ID: tj.ID, Name: name, MinSpent: tj.MinSpent, MinOrders: tj.MinOrders}
	}
	return ranking.NewLadder(tiers)
}

// SeedDiscounts creates every catalog code that does not exist yet and
// returns how many were created.
func (c *Catalog) SeedDiscounts(ctx context.Context, r *discount.Registry) (int, error) {
	created := 0
	for _, dj := range c.Discounts {
		_, err := r.Create(ctx, discount.NewCode{
			Code:       dj.Code,
			Value:      dj.Value,
			MinAmount:  dj.MinAmount,
			ExpiresAt:  dj.ExpiresAt,
			UsageLimit: dj.UsageLimit,
		})
		switch {
		case err == nil:
			created++
		case errors.Is(err, commerce.ErrConflict):
			// Already seeded; runtime edits win over the file.
		default:
			return created, fmt.Errorf("seed discount %q: %w", dj.Code, err)
		}
	}
	return created, nil
}
