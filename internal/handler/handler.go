// Package handler implements the storefront HTTP API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Coupons is the redemption surface used by the coupon routes. It is
// satisfied by *coupon.Coordinator.
type Coupons interface {
	Attempt(ctx context.Context, code string, cart coupon.Cart, customer coupon.CustomerID, now time.Time) (coupon.Result, error)
	Check(ctx context.Context, code string, cart coupon.Cart, customer coupon.CustomerID, now time.Time) (coupon.Result, error)
}

// Orders places orders. It is satisfied by *order.Service.
type Orders interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
}

// Handler serves the storefront API.
type Handler struct {
	products product.Repository
	orders   Orders
	coupons  Coupons
	admin    coupon.AdminStore
	keys     auth.Repository
	pepper   []byte
	now      func() time.Time
}

// Config holds the Handler dependencies.
type Config struct {
	Products product.Repository
	Orders   Orders
	Coupons  Coupons
	Admin    coupon.AdminStore
	APIKeys  auth.Repository
	// Pepper is the HMAC key API keys are hashed with.
	Pepper []byte
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		products: cfg.Products,
		orders:   cfg.Orders,
		coupons:  cfg.Coupons,
		admin:    cfg.Admin,
		keys:     cfg.APIKeys,
		pepper:   cfg.Pepper,
		now:      time.Now,
	}
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Middlewares run inside the router, after route matching has started.
	Middlewares []httpmiddleware.Middleware
	// RedeemLimit throttles the routes that can consume coupons.
	RedeemLimit httpmiddleware.Middleware
}

// NewRouter mounts the API under /api.
func NewRouter(h *Handler, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	for _, m := range opts.Middlewares {
		r.Use(m)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{productID}", h.GetProduct)
		r.Post("/coupons/check", h.CheckCoupon)

		r.Group(func(r chi.Router) {
			if opts.RedeemLimit != nil {
				r.Use(opts.RedeemLimit)
			}
			r.Use(h.RequireScope(auth.ScopeCheckout))
			r.Post("/orders", h.PlaceOrder)
			r.Post("/coupons/redeem", h.RedeemCoupon)
		})

		r.Route("/admin/coupons", func(r chi.Router) {
			r.Use(h.RequireScope(auth.ScopeAdminCoupons))
			r.Get("/", h.ListCoupons)
			r.Post("/", h.CreateCoupon)
			r.Get("/{code}", h.GetCoupon)
			r.Put("/{code}", h.UpdateCoupon)
			r.Delete("/{code}", h.DeleteCoupon)
		})
	})
	return r
}
