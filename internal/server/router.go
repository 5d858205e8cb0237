package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/log"
	"paidpost/internal/metrics"
	"paidpost/internal/payment"
	"paidpost/internal/pending"
	"paidpost/internal/reconcile"
	"paidpost/internal/scheduler"
	"paidpost/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

type Engine interface {
	IngestPaymentEvent(ctx context.Context, raw []byte) reconcile.Ack
	CreatePayment(ctx context.Context, req reconcile.PaymentRequest) (reconcile.CreatedPayment, error)
	PollPayment(ctx context.Context, paymentID string) (payment.Status, error)
	BuyerConfirmedLocally(ctx context.Context, paymentID string, meta map[string]string) payment.Decision
	CreateManualOrder(ctx context.Context, d store.OrderDraft) (int64, error)
	ScheduleOrderPublication(ctx context.Context, orderID int64, fireAt time.Time) error
	RevokeSchedule(ctx context.Context, orderID int64) error
}

type Publisher interface {
	Publish(ctx context.Context, orderID int64) error
}

type Schedules interface {
	Jobs() []scheduler.Job
}

type Orders interface {
	ListOrdersByStatus(ctx context.Context, status store.OrderStatus, limit int) ([]store.Order, error)
	ListFailures(ctx context.Context, limit int) ([]store.PublicationFailure, error)
	ClearFailures(ctx context.Context, orderID int64) error
}

// Deps is what the routes drive.
type Deps struct {
	Engine    Engine
	Publisher Publisher
	Schedules Schedules
	Orders    Orders
	Probes    []metrics.Probe
	Clock     clockwork.Clock
}

type handlers struct {
	Deps
	cfg    *config.Config
	logger *log.Logger
}

func SetupRouter(r *chi.Mux, cfg *config.Config, deps Deps, logger *log.Logger) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	h := &handlers{Deps: deps, cfg: cfg, logger: logger}
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/callback", h.paymentCallback)
		r.Post("/payments/create", h.createPayment)
		r.Get("/payments/{id}", h.pollPayment)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(cfg.JWTSecret, logger))
			r.Post("/payments/{id}/confirm", h.confirmPayment)
			r.Get("/orders", h.listOrders)
			r.Post("/orders", h.createOrder)
			r.Put("/orders/{id}/schedule", h.scheduleOrder)
			r.Delete("/orders/{id}/schedule", h.revokeSchedule)
			r.Post("/orders/{id}/publish", h.publishOrder)
			r.Get("/schedules", h.listSchedules)
			r.Get("/failures", h.listFailures)
		})
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	for _, p := range h.Probes {
		if err := p.Check(r.Context()); err != nil {
			h.logger.Error("Health check failed", zap.String("dependency", p.Name), zap.Error(err))
			http.Error(w, p.Name+" unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("OK"))
}

// paymentCallback always answers 200 so the provider stops redelivering.
func (h *handlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("Failed to read payment notification", zap.Error(err))
	}
	h.writeJSON(w, http.StatusOK, h.Engine.IngestPaymentEvent(r.Context(), raw))
}

type createPaymentRequest struct {
	OrderRef        string            `json:"order_ref"`
	Metadata        map[string]string `json:"metadata"`
	ChatID          int64             `json:"chat_id"`
	PromptMessageID int               `json:"prompt_message_id"`
}

type createPaymentResponse struct {
	PaymentID       string `json:"payment_id"`
	OrderRef        string `json:"order_ref"`
	ConfirmationURL string `json:"confirmation_url"`
}

func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ChatID == 0 {
		http.Error(w, "Missing chat_id", http.StatusBadRequest)
		return
	}
	created, err := h.Engine.CreatePayment(r.Context(), reconcile.PaymentRequest{
		OrderRef: req.OrderRef,
		Metadata: req.Metadata,
		Conversation: pending.Conversation{
			ChatID:          req.ChatID,
			PromptMessageID: req.PromptMessageID,
		},
	})
	if err != nil {
		h.logger.Error("Failed to create payment", zap.Error(err), zap.Int64("chat_id", req.ChatID))
		http.Error(w, "Payment provider unavailable", http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusCreated, createPaymentResponse{
		PaymentID:       created.PaymentID,
		OrderRef:        created.OrderRef,
		ConfirmationURL: created.ConfirmationURL,
	})
}

type paymentStatusResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

func (h *handlers) pollPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.Engine.PollPayment(r.Context(), id)
	if reconcile.IsNotFound(err) {
		http.Error(w, "Payment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to poll payment", zap.String("payment_id", id), zap.Error(err))
		http.Error(w, "Payment provider unavailable", http.StatusBadGateway)
		return
	}
	h.writeJSON(w, http.StatusOK, paymentStatusResponse{PaymentID: id, Status: string(status)})
}

type decisionResponse struct {
	PaymentID string `json:"payment_id"`
	Decision  string `json:"decision"`
}

func (h *handlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]string `json:"metadata"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	decision := h.Engine.BuyerConfirmedLocally(r.Context(), id, req.Metadata)
	h.writeJSON(w, http.StatusOK, decisionResponse{PaymentID: id, Decision: string(decision)})
}

type orderRequest struct {
	SellerID    string   `json:"seller_id" validate:"required,max=64"`
	URL         string   `json:"url" validate:"required,max=200"`
	Title       string   `json:"title" validate:"max=128"`
	Description string   `json:"description" validate:"max=200"`
	ImageURL    string   `json:"image_url" validate:"max=200"`
	Price       *float64 `json:"price"`
	BasicPrice  *float64 `json:"basic_price"`
	Stocks      *int     `json:"stocks"`
	Article     *int64   `json:"article"`
	Category    string   `json:"category" validate:"max=64"`
	ScheduledAt string   `json:"scheduled_at" validate:"max=64"`
}

type orderResponse struct {
	ID          int64     `json:"id"`
	PaymentID   *string   `json:"payment_id,omitempty"`
	SellerID    string    `json:"seller_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h *handlers) listOrders(w http.ResponseWriter, r *http.Request) {
	status := store.OrderStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.OrderPending
	}
	orders, err := h.Orders.ListOrdersByStatus(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		h.logger.Error("Failed to list orders", zap.String("status", string(status)), zap.Error(err))
		http.Error(w, "Failed to list orders", http.StatusInternalServerError)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderResponse{
			ID:          o.ID,
			PaymentID:   o.PaymentID,
			SellerID:    o.SellerID,
			URL:         o.URL,
			Title:       o.Title,
			Category:    o.Category,
			Status:      string(o.Status),
			ScheduledAt: o.ScheduledAt,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "Invalid order: "+err.Error(), http.StatusBadRequest)
		return
	}
	at, err := h.scheduledAt(req.ScheduledAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := h.Engine.CreateManualOrder(r.Context(), store.OrderDraft{
		SellerID:    req.SellerID,
		URL:         req.URL,
		Title:       req.Title,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Price:       req.Price,
		BasicPrice:  req.BasicPrice,
		Stocks:      req.Stocks,
		Article:     req.Article,
		Category:    req.Category,
		ScheduledAt: at,
	})
	if err != nil {
		h.logger.Error("Failed to create manual order", zap.Error(err), zap.Int64("order_id", id))
		http.Error(w, "Failed to create order", http.StatusInternalServerError)
		return
	}
	h.logger.Info("Manual order created", zap.Int64("order_id", id), zap.Time("scheduled_at", at))
	h.writeJSON(w, http.StatusCreated, map[string]any{"id": id, "scheduled_at": at})
}

func (h *handlers) scheduleOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req struct {
		ScheduledAt string `json:"scheduled_at"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.ScheduledAt == "" {
		http.Error(w, "Missing scheduled_at", http.StatusBadRequest)
		return
	}
	at, err := h.scheduledAt(req.ScheduledAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Engine.ScheduleOrderPublication(r.Context(), id, at)
	if errors.Is(err, store.ErrOrderNotFound) {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to schedule order", zap.Int64("order_id", id), zap.Error(err))
		http.Error(w, "Failed to schedule order", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "scheduled_at": at})
}

func (h *handlers) revokeSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	err := h.Engine.RevokeSchedule(r.Context(), id)
	if errors.Is(err, scheduler.ErrNoSchedule) {
		http.Error(w, "No schedule for order", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to revoke schedule", zap.Int64("order_id", id), zap.Error(err))
		http.Error(w, "Failed to revoke schedule", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishOrder is the operator re-run of a failed or misfired publication.
func (h *handlers) publishOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	if err := h.Publisher.Publish(r.Context(), id); err != nil {
		h.logger.Error("Manual publication failed", zap.Int64("order_id", id), zap.Error(err))
		http.Error(w, "Publication failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := h.Orders.ClearFailures(r.Context(), id); err != nil {
		h.logger.Warn("Failed to clear publication failures", zap.Int64("order_id", id), zap.Error(err))
	}
	h.logger.Info("Manual publication done", zap.Int64("order_id", id))
	w.Write([]byte("OK"))
}

type jobResponse struct {
	OrderID  int64     `json:"order_id"`
	FireAt   time.Time `json:"fire_at"`
	Attempts int       `json:"attempts"`
}

func (h *handlers) listSchedules(w http.ResponseWriter, r *http.Request) {
	jobs := h.Schedules.Jobs()
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse{OrderID: j.OrderID, FireAt: j.FireAt, Attempts: j.Attempts})
	}
	h.writeJSON(w, http.StatusOK, out)
}

type failureResponse struct {
	OrderID  int64     `json:"order_id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

func (h *handlers) listFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.Orders.ListFailures(r.Context(), queryLimit(r, 10))
	if err != nil {
		h.logger.Error("Failed to list publication failures", zap.Error(err))
		http.Error(w, "Failed to list failures", http.StatusInternalServerError)
		return
	}
	out := make([]failureResponse, 0, len(failures))
	for _, f := range failures {
		out = append(out, failureResponse{OrderID: f.OrderID, Reason: f.Reason, Attempts: f.Attempts, FailedAt: f.FailedAt})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.logger.Warn("Failed to decode request", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *handlers) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// scheduledAt reads naive times in the configured zone; empty means now.
func (h *handlers) scheduledAt(v string) (time.Time, error) {
	if v == "" {
		return h.Clock.Now().In(h.cfg.Location), nil
	}
	return reconcile.ParseScheduledDate(v, h.cfg.Location)
}

func queryLimit(r *http.Request, fallback int) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		return fallback
	}
	return limit
}

type claimsKey struct{}

// Claims returns the operator token claims stored by the auth middleware.
func Claims(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	return claims, ok
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Warn("Missing authorization token", zap.String("path", r.URL.Path))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
