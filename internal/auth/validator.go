package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/haasonsaas/sessiongate/pkg/models"
)

// Result is the outcome of validating a token.
type Result struct {
	Valid    bool
	User     *models.User
	Metadata map[string]any
}

// Validator checks a bearer token. An error means validation itself could
// not run; a rejected token is reported with Valid false.
type Validator interface {
	Validate(ctx context.Context, token string) (Result, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (Result, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, token string) (Result, error) {
	return f(ctx, token)
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// RequestToken looks for a token in the Authorization header, then in the
// X-API-Key header, then (when allowQuery is set) in the token query
// parameter.
func RequestToken(r *http.Request, allowQuery bool) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}
