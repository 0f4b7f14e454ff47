package detect

import (
	"log"
	"net/http"
)

// Middleware guards a handler with bot detection: blocked visitors are
// redirected to the edge's safe URL (or answered 403 when none came back)
// before next ever runs.
//
// Usage with standard net/http:
//
//	mux.Handle("/lp/", detect.Middleware(client, "promo-1", landingPage))
//
// Usage with Gorilla Mux:
//
//	router.Use(detect.MiddlewareFunc(client, "promo-1"))
//
// Detection trouble fails open: when the edge is unreachable the visitor
// is let through, because a cloaking outage must degrade to showing the
// safe-by-construction page the handler serves, not to an error page.
func Middleware(client *Client, campaignID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := client.CheckRequest(r.Context(), r, campaignID)
		if err != nil {
			log.Printf("detect: check failed (allowing through): %v", err)
			next.ServeHTTP(w, r)
			return
		}

		if result.Blocked() {
			w.Header().Set("X-Detect-Decision", result.Decision)
			w.Header().Set("X-Detect-Reason", result.Reason)
			if result.RedirectURL != "" {
				http.Redirect(w, r, result.RedirectURL, http.StatusFound)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("X-Detect-Decision", result.Decision)
		next.ServeHTTP(w, r)
	})
}

// MiddlewareFunc returns Gorilla Mux compatible middleware.
func MiddlewareFunc(client *Client, campaignID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return Middleware(client, campaignID, next)
	}
}
