package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Genocs/genocs-library-template/api/controllers"
	ordercontrollers "github.com/Genocs/genocs-library-template/api/controllers/orders"
	"github.com/Genocs/genocs-library-template/api/middleware"
	"github.com/Genocs/genocs-library-template/internal/orders"
	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/metrics"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	publisher messaging.Publisher,
	ordersReader orders.Reader,
	gatherer prometheus.Gatherer,
	checks ...controllers.ReadinessCheck,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, checks...))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", ordercontrollers.Submit(publisher, logg))
		r.Get("/{orderId}", ordercontrollers.Get(ordersReader, logg))
	})

	return r
}
