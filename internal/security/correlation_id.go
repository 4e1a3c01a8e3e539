package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const CorrelationIDHeader = "X-Correlation-ID"

// maxCorrelationIDLen bounds what we accept from callers; ids land in
// logs and audit records, so an oversized header gets replaced rather
// than propagated.
const maxCorrelationIDLen = 64

type correlationIDKey struct{}

// CorrelationID propagates the caller's correlation id, minting one for
// requests that arrive without a usable one. The id is echoed on the
// response and available downstream via CorrelationIDFromContext.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if !validCorrelationID(cid) {
			cid = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), correlationIDKey{}, cid)
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validCorrelationID(cid string) bool {
	if cid == "" || len(cid) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(cid); i++ {
		c := cid[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

func CorrelationIDFromContext(ctx context.Context) string {
	if v := ctx.Value(correlationIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
