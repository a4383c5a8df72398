package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const headerRequestID = "x-request-id"

// defaultOrg is the organization of callers when no auth keys are
// configured.
const defaultOrg = "default"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	orgKey
)

// requestID reuses the caller's x-request-id or assigns a new one, and
// echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func orgFrom(ctx context.Context) string {
	org, _ := ctx.Value(orgKey).(string)
	return org
}

// authenticate requires a bearer token and resolves it to an org.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeErrorJSON(w, http.StatusUnauthorized, "auth_error", "missing bearer token")
			return
		}

		org := defaultOrg
		if len(s.keys) > 0 {
			o, known := s.keys[token]
			if !known {
				s.log.WarnContext(r.Context(), "rejected api key",
					"request_id", requestIDFrom(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
				writeErrorJSON(w, http.StatusUnauthorized, "auth_error", "invalid api key")
				return
			}
			org = o
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey, org)))
	})
}

// accessLog writes one structured line per request once it is done.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.InfoContext(r.Context(), "request",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
