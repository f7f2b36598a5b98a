package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/Genocs/genocs-library-template/api/responses"
	"github.com/Genocs/genocs-library-template/pkg/config"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
)

const (
	envHeader         = "X-Genocs-Env"
	readinessTimeout  = 2 * time.Second
	statusUnavailable = "unavailable"
)

// ReadinessCheck is a named dependency probe.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every check and answers 503 listing the failed ones.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		failed := map[string]string{}
		for _, check := range checks {
			if err := check.Ping(ctx); err != nil {
				failed[check.Name] = statusUnavailable
				if logg != nil {
					logg.Warn(logg.WithFields(ctx, map[string]any{
						"dependency": check.Name,
						"error":      err.Error(),
					}), "readiness check failed")
				}
			}
		}
		if len(failed) > 0 {
			responses.WriteError(r.Context(), nil, w,
				pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(failed))
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
