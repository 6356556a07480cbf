package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/discount"
)

// CartHash is a canonical digest of the line items. Item order, product id
// case and surrounding whitespace do not change it.
func CartHash(items []commerce.LineItem) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("%s|%d|%s|%s",
			strings.ToLower(strings.TrimSpace(it.ProductID)),
			it.Quantity,
			it.UnitPrice.String(),
			strings.TrimSpace(it.Duration),
		))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// BucketStart truncates t to the start of its idempotency window.
func BucketStart(t time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(bucket)
}

// DeriveKey is the idempotency key for a checkout: the same user, cart and
// discount code inside one time bucket map to the same key.
func DeriveKey(userID string, items []commerce.LineItem, code string, bucketStart time.Time) string {
	return digest(userID, "cart", CartHash(items), discount.Normalize(code), bucketStart.UTC().Format(time.RFC3339))
}

// ScopeKey binds a client-supplied key to the user so two users sending
// the same key never share an order.
func ScopeKey(userID, clientKey string) string {
	return digest(userID, "client", strings.TrimSpace(clientKey))
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// CandidateID is the order id tried for attempt n under key. Attempt 0 is
// the first checkout; later attempts follow a failed or cancelled order.
func CandidateID(key string, attempt int) string {
	id := "ORD-" + strings.ToUpper(key[:min(24, len(key))])
	if attempt > 0 {
		id = fmt.Sprintf("%s-R%d", id, attempt)
	}
	return id
}
