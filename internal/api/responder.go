package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cloakroute/edge/internal/campaign"
	"github.com/cloakroute/edge/internal/decision"
)

// urlEscaper makes a URL safe for the inline HTML the js and meta kinds
// emit. Single pass, so already-escaped input is not double-escaped within
// one call.
var urlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"'", "&#39;",
	"<", "&lt;",
	">", "&gt;",
)

// WriteDecision renders the decision as its campaign's redirect kind. Every
// response carries Cache-Control: no-store; a cached redirect would glue a
// visitor to one page long after their classification changed.
func WriteDecision(w http.ResponseWriter, dec *decision.Decision) {
	w.Header().Set("Cache-Control", "no-store")

	switch dec.RedirectKind {
	case campaign.RedirectMoved:
		w.Header().Set("Location", dec.RedirectURL)
		w.WriteHeader(http.StatusMovedPermanently)
	case campaign.RedirectJS:
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "<script>window.location.href='%s'</script>", urlEscaper.Replace(dec.RedirectURL))
	case campaign.RedirectMeta:
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `<html><head><meta http-equiv="refresh" content="0;url=%s"></head></html>`, urlEscaper.Replace(dec.RedirectURL))
	default:
		// 302 and direct render identically.
		w.Header().Set("Location", dec.RedirectURL)
		w.WriteHeader(http.StatusFound)
	}
}
