/*
handlers.go - HTTP API handlers for the coin-wallet storefront

PURPOSE:
  Exposes checkout, account reads and administration over REST. Handles
  HTTP request/response and JSON serialization, and delegates to the
  settlement coordinator and the component packages.

ENDPOINTS:
  Storefront (session token required):
    POST   /api/checkout                  Settle a cart
    POST   /api/discounts/validate        Check a code against an amount
    GET    /api/me/balance                Authoritative balance
    GET    /api/me/rank                   Tier, totals and progress
    GET    /api/me/orders                 Order history, newest first
    GET    /api/orders/{id}               One order (owner only)
    POST   /api/orders/{id}/cancel        Cancel a pending order
    GET    /api/events/ws                 Live order and balance events

  Admin (X-Admin-Token header):
    POST   /api/admin/users               Open a wallet
    POST   /api/admin/users/{id}/credit   Top up a wallet
    GET    /api/admin/discounts           List codes
    POST   /api/admin/discounts           Create a code
    POST   /api/admin/discounts/{code}/deactivate
    POST   /api/admin/reconcile           Run a reconciliation sweep now
    POST   /api/admin/tokens              Issue a session token (development)

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error category
  (see statusFor):
  - 400: Validation errors, rejected discount codes
  - 401: Missing or invalid session
  - 402: Insufficient balance (details carry the shortfall)
  - 404: Unknown user, order or code
  - 409: Conflicts (code consumed by another order, illegal transition)
  - 503: Store temporarily unavailable, safe to retry
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - events.go: Websocket stream
*/
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/warp/coinshop/auth"
	"github.com/warp/coinshop/commerce"
	"github.com/warp/coinshop/discount"
	"github.com/warp/coinshop/events"
	"github.com/warp/coinshop/orders"
	"github.com/warp/coinshop/ranking"
	"github.com/warp/coinshop/settlement"
	"github.com/warp/coinshop/wallet"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the handlers delegate to.
type Deps struct {
	Coordinator *settlement.Coordinator
	Reconciler  *settlement.Reconciler
	Wallet      *wallet.Ledger
	Discounts   *discount.Registry
	Ranking     *ranking.Recorder
	Orders      *orders.Manager
	Issuer      *auth.Issuer
	Store       Pinger

	// AdminToken enables the admin routes when non-empty.
	AdminToken     string
	AllowedOrigins []string
	// CheckoutPerMinute limits checkouts per user; 0 disables the limit.
	CheckoutPerMinute int
	SyncInterval      time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Deps

	bus      *events.Bus
	limiter  *UserRateLimiter
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a handler over d.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	h := &Handler{
		Deps:   d,
		bus:    d.Coordinator.Bus(),
		logger: d.Logger.With("component", "api"),
	}
	if d.CheckoutPerMinute > 0 {
		h.limiter = NewUserRateLimiter(d.CheckoutPerMinute, time.Minute)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// =============================================================================
// CHECKOUT
// =============================================================================

// Checkout settles the cart for the session user.
// POST /api/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := req.IdempotencyKey
	if hdr := r.Header.Get("Idempotency-Key"); hdr != "" {
		key = hdr
	}

	rcpt, err := h.Coordinator.Checkout(r.Context(), settlement.Cart{
		UserID:         req.UserID,
		Items:          req.Items,
		DiscountCode:   req.DiscountCode,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	switch {
	case rcpt.Pending:
		status = http.StatusAccepted
	case rcpt.Replayed:
		status = http.StatusOK
	}
	writeJSON(w, status, rcpt)
}

// ValidateDiscount reports whether a code applies to an amount.
// POST /api/discounts/validate
func (h *Handler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	var req ValidateDiscountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		h.writeError(w, r, fmt.Errorf("%w: code is required", commerce.ErrValidation))
		return
	}

	v, err := h.Discounts.Quote(r.Context(), req.Code, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// =============================================================================
// ACCOUNT
// =============================================================================

// GetBalance returns the session user's balance.
// GET /api/me/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())

	bal, err := h.Wallet.Balance(r.Context(), session.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: session.UserID, Balance: bal, AsOf: h.Now()})
}

// GetRank returns the session user's tier and progress.
// GET /api/me/rank
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())

	st, err := h.Ranking.Standing(r.Context(), session.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListOrders returns the session user's orders.
// GET /api/me/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())

	list, err := h.Orders.ListByUser(r.Context(), session.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := list[:0]
		for _, o := range list {
			if string(o.Status) == status {
				filtered = append(filtered, o)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, OrderListResponse{Orders: list, Count: len(list)})
}

// GetOrder returns one order owned by the session user.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	o, err := h.Orders.Get(r.Context(), id)
	if err == nil && o.UserID != session.UserID {
		err = fmt.Errorf("%w: %s", commerce.ErrOrderNotFound, id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder cancels a pending order. Only orders created by an external
// payment path are ever pending; see Coordinator.Cancel.
// POST /api/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by customer"
	}

	o, err := h.Coordinator.Cancel(r.Context(), chi.URLParam(r, "id"), reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// =============================================================================
// ADMIN
// =============================================================================

// CreateUser opens a wallet.
// POST /api/admin/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.Wallet.Open(r.Context(), commerce.User{
		ID:      strings.TrimSpace(req.ID),
		Name:    req.Name,
		Email:   req.Email,
		Balance: req.Balance,
		RankID:  h.Ranking.Ladder().Entry().ID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("user created", "user_id", u.ID, "balance", u.Balance.String())
	writeJSON(w, http.StatusCreated, u)
}

// CreditUser tops up a wallet.
// POST /api/admin/users/{id}/credit
func (h *Handler) CreditUser(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "id")
	ref := req.Ref
	if ref == "" {
		ref = "credit:" + uuid.NewString()
	}

	mv, err := h.Wallet.Credit(r.Context(), userID, req.Amount, ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if mv.Applied {
		bal := mv.Balance
		h.bus.Publish(events.Event{
			Type:    events.WalletBalanceChanged,
			UserID:  userID,
			Balance: &bal,
			Action:  "credit",
		})
	}
	writeJSON(w, http.StatusOK, CreditResponse{UserID: userID, Ref: ref, Balance: mv.Balance, Applied: mv.Applied})
}

// ListDiscounts returns every code.
// GET /api/admin/discounts
func (h *Handler) ListDiscounts(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Discounts.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, codes)
}

// CreateDiscount registers a code.
// POST /api/admin/discounts
func (h *Handler) CreateDiscount(w http.ResponseWriter, r *http.Request) {
	var req CreateDiscountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.Discounts.Create(r.Context(), discount.NewCode{
		Code:       req.Code,
		Value:      req.Value,
		MinAmount:  req.MinAmount,
		ExpiresAt:  req.ExpiresAt,
		UsageLimit: req.UsageLimit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// DeactivateDiscount soft-deletes a code.
// POST /api/admin/discounts/{code}/deactivate
func (h *Handler) DeactivateDiscount(w http.ResponseWriter, r *http.Request) {
	c, err := h.Discounts.Deactivate(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Reconcile runs one sweep synchronously.
// POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reconciler.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// IssueToken signs a session token for a user.
// POST /api/admin/tokens
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.Wallet.User(r.Context(), req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	tok, err := h.Issuer.Issue(req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: tok, UserID: req.UserID})
}

// requireAdmin guards the admin routes.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken == "" {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "admin API is disabled"})
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports whether the store is reachable.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Reason:  "malformed_json",
			Details: map[string]any{"cause": err.Error()},
		})
		return false
	}
	return true
}

// statusFor maps an error category onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, commerce.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, commerce.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, commerce.ErrValidation):
		return http.StatusBadRequest
	case commerce.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, commerce.ErrConflict):
		return http.StatusConflict
	case commerce.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var (
		insufficient *commerce.InsufficientFundsError
		de           *commerce.DiscountError
		oe           *commerce.OrderError
		te           *commerce.TransitionError
	)
	switch {
	case errors.As(err, &insufficient):
		resp.Reason = "insufficient_funds"
		resp.Details = map[string]any{
			"balance":   insufficient.Balance,
			"requested": insufficient.Requested,
			"shortfall": insufficient.Shortfall,
		}
	case errors.As(err, &de):
		resp.Reason = string(de.Reason)
		resp.Details = map[string]any{"code": de.Code}
		if de.Reason == commerce.ReasonBelowMinimum {
			resp.Details["min_amount"] = de.MinAmount
		}
	case errors.As(err, &oe):
		resp.Reason = "invalid_order"
		resp.Details = map[string]any{"field": oe.Field}
	case errors.As(err, &te):
		resp.Reason = "illegal_transition"
		resp.Details = map[string]any{"order_id": te.OrderID, "from": te.From, "to": te.To}
	case status == http.StatusServiceUnavailable:
		resp.Reason = "temporarily_unavailable"
		w.Header().Set("Retry-After", "1")
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}
