package validators

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
)

// PathParam returns the trimmed route parameter. Empty values, values longer
// than maxLen bytes and values with control characters are rejected.
func PathParam(r *http.Request, name string, maxLen int) (string, error) {
	value := strings.TrimSpace(chi.URLParam(r, name))
	switch {
	case value == "":
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s is required", name))
	case maxLen > 0 && len(value) > maxLen:
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s is too long", name)).
			WithDetails(map[string]any{name: fmt.Sprintf("must be at most %d bytes", maxLen)})
	case strings.IndexFunc(value, unicode.IsControl) >= 0:
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s contains invalid characters", name))
	}
	return value, nil
}
