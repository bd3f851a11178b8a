package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const CORRELATION_HEADER = "X-Correlation-ID"

type correlationKey struct{}

// Correlation propagates the caller's correlation id, or assigns one,
// through the request context and echoes it on the response
func Correlation(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	id := r.Header.Get(CORRELATION_HEADER)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(CORRELATION_HEADER, id)
	next(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
}

// Returns the correlation id of the request, if any
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
