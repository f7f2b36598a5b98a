package middleware

import (
	"fmt"
	"net/http"

	"github.com/Genocs/genocs-library-template/api/responses"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
)

// Recoverer turns handler panics into a 500 error envelope.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := fmt.Errorf("panic: %v", rec)
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
