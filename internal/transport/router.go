package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/esign"
	"github.com/nasieku/sigil/internal/lifecycle"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/record"
	"github.com/nasieku/sigil/model"
)

// SessionService starts or resumes signing sessions.
type SessionService interface {
	CreateOrResumeSession(ctx context.Context, dealID string, signers []model.SignerInput) (*model.SessionResult, error)
}

// StatusService synchronizes tracked envelope state with the provider.
type StatusService interface {
	Refresh(ctx context.Context, dealID, envelopeID string) (*lifecycle.Snapshot, error)
	HandleWebhookEvent(ctx context.Context, dealID string, event *esign.WebhookEvent) (bool, error)
}

// EnvelopeVoider voids an envelope at the provider.
type EnvelopeVoider interface {
	VoidEnvelope(ctx context.Context, envelopeID, reason string) error
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks
	Sessions  SessionService
	Status    StatusService
	Records   record.Store
	Voider    EnvelopeVoider
	Verifier  *WebhookVerifier

	// Authenticate overrides the JWKS-backed JWT middleware. Tests inject
	// their own; production leaves it nil.
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the webhook receiver
// bypass the authentication middleware; the webhook carries its own
// signature check instead.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(ContextLogger(logger))
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}
	r.Post("/webhooks/esign", handleWebhook(deps.Verifier, deps.Status, deps.Metrics))

	auth := deps.Authenticate
	if auth == nil {
		jwks := NewJWKSClient(deps.Config.Identity.JWKSURL, deps.Config.Identity.JWKSCacheTTL, logger)
		auth = JWTAuthenticator(deps.Config.Identity, jwks)
	}

	// Authenticated portal routes.
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/api/deals/{dealID}", func(r chi.Router) {
			r.Use(RequireDealAccess("dealID"))

			r.Post("/signing-session", handleCreateSession(deps.Sessions))
			r.Get("/envelope", handleGetEnvelope(deps.Records, deps.Status))

			// Administrative envelope actions.
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(model.RoleOperator))
				r.Post("/envelope/void", handleVoidEnvelope(deps.Records, deps.Voider, deps.Status))
				r.Delete("/envelope", handleClearEnvelope(deps.Records))
			})
		})
	})

	return r
}

func routeParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
