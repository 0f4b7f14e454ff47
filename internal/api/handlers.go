package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloakroute/edge/internal/visitor"
)

// maxBodyBytes bounds posted fingerprint and detect payloads.
const maxBodyBytes = 1 << 20

// handleSlug serves the public decision endpoint. It always answers with a
// redirect or inline HTML; classification trouble is invisible here.
func (s *Server) handleSlug(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	var fp *visitor.Fingerprint
	if r.Method == http.MethodPost {
		fp = s.decodeFingerprint(r)
	}

	d := s.extractor.Extract(r, fp)
	out := s.decisions.Decide(r.Context(), slug, d)
	WriteDecision(w, out.Decision)
}

// decodeFingerprint reads the optional posted fingerprint. A malformed
// body is treated as absent; the visitor still gets classified on
// everything else.
func (s *Server) decodeFingerprint(r *http.Request) *visitor.Fingerprint {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil
	}
	fp, err := visitor.ParseFingerprintBody(body)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("fingerprint body unreadable")
		return nil
	}
	return fp
}

type detectRequest struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Fingerprint json.RawMessage   `json:"fingerprint,omitempty"`
	CampaignID  string            `json:"campaignId,omitempty"`
}

type detectDetails struct {
	IsBot            bool    `json:"isBot"`
	BotConfidence    float64 `json:"botConfidence"`
	IsThreat         bool    `json:"isThreat"`
	ThreatScore      float64 `json:"threatScore"`
	IsBlacklisted    bool    `json:"isBlacklisted"`
	FingerprintScore float64 `json:"fingerprintScore"`
	JA3Match         bool    `json:"ja3Match,omitempty"`
}

type detectResponse struct {
	Decision    string        `json:"decision"`
	Reason      string        `json:"reason,omitempty"`
	Confidence  float64       `json:"confidence"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
	Details     detectDetails `json:"details"`
}

// handleDetect serves the programmatic surface. Unlike the slug endpoint
// this one may answer 400 on a bad payload and 500 on internal failure.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "bad_request", "request body is not valid JSON")
		return
	}

	ip := clientIPFromHeaders(req.Headers)
	if ip == "" {
		ip = hostOnly(r.RemoteAddr)
	}
	// A malformed fingerprint object is treated as absent, same as on
	// the slug path; only an unparseable envelope is a client error.
	fp, err := visitor.ParseFingerprint(req.Fingerprint)
	if err != nil {
		s.logger.Debug().Str("ip", ip).Msg("detect fingerprint unreadable")
	}
	d := s.extractor.FromFields(ip, req.Headers, fp)

	out := s.decisions.Inspect(r.Context(), req.CampaignID, d)

	resp := detectResponse{
		Decision:    "pass",
		Reason:      out.Decision.Reason,
		RedirectURL: out.Decision.RedirectURL,
		Details: detectDetails{
			IsBlacklisted:    out.Blacklisted,
			IsThreat:         out.IsThreat(),
			ThreatScore:      out.ThreatScore(),
			FingerprintScore: out.FingerprintScore(),
		},
	}
	if v := out.Verdict; v != nil {
		resp.Confidence = v.Confidence
		resp.Details.IsBot = v.IsBot
		resp.Details.BotConfidence = v.Confidence
		resp.Details.JA3Match = v.JA3Match
	}
	if out.Block() {
		resp.Decision = "block"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz answers ready only when both stores respond to a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, 2)
	ready := true
	probe := func(name string, p Pinger) {
		if p == nil {
			checks[name] = "skipped"
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	probe("postgres", s.primary)
	probe("redis", s.cache)

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}

// clientIPFromHeaders picks the visitor address out of caller-relayed
// headers: leftmost X-Forwarded-For entry, then X-Real-IP.
func clientIPFromHeaders(headers map[string]string) string {
	for name, value := range headers {
		if strings.EqualFold(name, "x-forwarded-for") {
			if first := strings.TrimSpace(strings.Split(value, ",")[0]); first != "" {
				return first
			}
		}
	}
	for name, value := range headers {
		if strings.EqualFold(name, "x-real-ip") {
			if v := strings.TrimSpace(value); v != "" {
				return v
			}
		}
	}
	return ""
}

func hostOnly(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func errorJSON(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
