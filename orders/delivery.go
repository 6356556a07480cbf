package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/docstore"
)

// DeliveryRecord is the credential record linked to a completed order.
type DeliveryRecord struct {
	OrderID    string            `json:"order_id"`
	UserID     string            `json:"user_id"`
	ProductIDs []string          `json:"product_ids"`
	Delivery   commerce.Delivery `json:"delivery"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (m *Manager) linkDelivery(ctx context.Context, o commerce.Order) error {
	rec := DeliveryRecord{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Delivery:  *o.Delivery,
		CreatedAt: m.now(),
	}
	for _, it := range o.Items {
		rec.ProductIDs = append(rec.ProductIDs, it.ProductID)
	}
	err := m.deliveries.Insert(ctx, o.ID, rec)
	if errors.Is(err, docstore.ErrDuplicateID) {
		return nil
	}
	return err
}

// Delivery returns the delivery linked to orderID.
func (m *Manager) Delivery(ctx context.Context, orderID string) (DeliveryRecord, error) {
	rec, _, err := m.deliveries.Get(ctx, orderID)
	if errors.Is(err, docstore.ErrNotFound) {
		return DeliveryRecord{}, fmt.Errorf("%w: delivery for %s", commerce.ErrNotFound, orderID)
	}
	return rec, err
}

// GeneratedCredentials issues a fresh account credential per order. It
// stands in for a supplier integration and is deterministic in the order
// id, so a retried completion hands out the same credential.
type GeneratedCredentials struct {
	// Domain is appended to generated usernames.
	Domain string
	Now    func() time.Time
}

func (g GeneratedCredentials) Fulfill(_ context.Context, o commerce.Order) (*commerce.Delivery, error) {
	if len(o.Items) == 0 {
		return nil, fmt.Errorf("%w: order %s has no items to deliver", commerce.ErrInvalidOrder, o.ID)
	}
	domain := g.Domain
	if domain == "" {
		domain = "coinshop.local"
	}
	now := time.Now().UTC()
	if g.Now != nil {
		now = g.Now()
	}

	seed := uuid.NewSHA1(uuid.NameSpaceOID, []byte(o.ID))
	names := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		names = append(names, it.Name)
	}
	return &commerce.Delivery{
		Username:     fmt.Sprintf("%s@%s", strings.ToLower(o.UserID), domain),
		Secret:       strings.ReplaceAll(seed.String(), "-", "")[:16],
		Instructions: "Sign in with these credentials to activate: " + strings.Join(names, ", "),
		DeliveredAt:  now,
	}, nil
}
