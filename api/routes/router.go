package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/storefront-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/storefront-backend/api/controllers/webhooks"
	"github.com/angelmondragon/storefront-backend/api/middleware"
	checkoutsvc "github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	stripewebhook "github.com/angelmondragon/storefront-backend/internal/webhooks/stripe"
	pkgAuth "github.com/angelmondragon/storefront-backend/pkg/auth"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Cache is the Redis surface the HTTP layer needs.
type Cache interface {
	middleware.ReplayStore
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type WebhookReconciler interface {
	HandleEvent(ctx context.Context, event stripe.Event, raw []byte) (stripewebhook.Result, error)
	Replay(ctx context.Context, deadLetterID uuid.UUID) (stripewebhook.Result, error)
}

type DeadLetterStore interface {
	ListUnresolved(ctx context.Context, params pagination.Params) ([]models.WebhookDeadLetter, string, error)
}

type WebhookVerifier interface {
	Verify(payload []byte, signature string) (stripe.Event, error)
}

type Params struct {
	Config        *config.Config
	Logger        *logger.Logger
	Gatherer      prometheus.Gatherer
	Dependencies  []controllers.Dependency
	Cache         Cache
	Checkout      checkoutsvc.Service
	Orders        orders.Service
	Reconciler    WebhookReconciler
	DeadLetters   DeadLetterStore
	Webhooks      WebhookVerifier
}

func NewRouter(p Params) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Recoverer(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.BaseURL, !cfg.App.IsProd()),
	)

	authenticated := middleware.Auth(pkgAuth.NewVerifier(cfg.JWT), logg)
	idempotent := middleware.Idempotency(p.Cache, cfg.Checkout.IdempotencyTTL, logg)
	checkoutLimit := middleware.BuyerRateLimit(
		middleware.NewRateLimitPolicy("checkout", cfg.Checkout.RateLimitWindow, cfg.Checkout.RateLimitPerUser),
		p.Cache,
		logg,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, p.Dependencies, logg))
	})

	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(p.Gatherer))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(p.Reconciler, p.Webhooks, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticated)

		r.With(checkoutLimit, idempotent).Post("/checkout", controllers.Checkout(p.Checkout, logg))
		r.Get("/checkout/sessions/{sessionId}/order", controllers.CheckoutConfirmation(p.Orders, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(
			authenticated,
			middleware.RequireAdmin(logg),
		)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/attention", controllers.AdminOrdersNeedingAttention(p.Orders, logg))
			r.With(idempotent).Post("/{orderId}/status", controllers.AdminUpdateOrderStatus(p.Orders, logg))
			r.Post("/{orderId}/resolve", controllers.AdminResolveOrder(p.Orders, logg))
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", controllers.AdminDeadLetters(p.DeadLetters, logg))
			r.With(idempotent).Post("/{deadLetterId}/replay", controllers.AdminReplayDeadLetter(p.Reconciler, logg))
		})
	})

	return r
}
