// Package middleware provides HTTP middleware for agentd.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/cscx-ai/agentd/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"

	// maxRequestIDLen caps the inbound header before it is echoed into
	// logs, queue headers, and the response.
	maxRequestIDLen = 128
)

// RequestID is HTTP middleware that extracts X-Request-ID from the request
// header or generates a new one. The ID is stored in the context and set
// on the response header. Oversized client-supplied IDs are replaced.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = generateID()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateID returns a 16-byte random hex string (32 chars).
func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
