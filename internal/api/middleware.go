package api

import (
	"net/http"
	"runtime/debug"
	"time"
)

// recoverPanics keeps a handler panic from killing the process. The slug
// endpoint must never show a 5xx, so a panicked decision request still gets
// a safe redirect; every other route answers 500.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			s.logger.Error().
				Interface("panic", rec).
				Str("path", r.URL.Path).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")

			if r.URL.Path == "/detect" || r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
				errorJSON(w, http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Location", "/404")
			w.WriteHeader(http.StatusFound)
		}()
		next.ServeHTTP(w, r)
	})
}

// cors answers preflights and stamps the allow headers the collector
// script needs to POST fingerprints cross-origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument times every request and writes the access log line.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.metrics.RequestDuration.WithLabelValues(endpointLabel(r.URL.Path)).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// endpointLabel folds slugs into one label so the duration histogram keeps
// a bounded cardinality.
func endpointLabel(path string) string {
	switch path {
	case "/detect", "/healthz", "/readyz", "/metrics":
		return path
	default:
		return "/{slug}"
	}
}
