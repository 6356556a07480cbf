// Package notify is the outbound notification contract (e-mail, SMS).
// Dispatch happens after an order completes and its failure never affects
// the order.
package notify

import (
	"context"
	"log/slog"

	"github.com/warp/coinshop/commerce"
)

type Notifier interface {
	OrderCompleted(ctx context.Context, user commerce.User, order commerce.Order) error
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) OrderCompleted(_ context.Context, user commerce.User, order commerce.Order) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("order completed notification",
		"order_id", order.ID,
		"user_id", user.ID,
		"email", user.Email,
		"total", order.Total.String(),
	)
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, user commerce.User, order commerce.Order) error

func (f Func) OrderCompleted(ctx context.Context, user commerce.User, order commerce.Order) error {
	return f(ctx, user, order)
}
