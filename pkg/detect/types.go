package detect

// Decisions returned by the edge's programmatic endpoint.
const (
	// DecisionPass means the visitor looks human and is safe to serve real content.
	DecisionPass = "pass"

	// DecisionBlock means bot, blacklisted, or threat-flagged traffic.
	DecisionBlock = "block"
)

// Request is what the SDK sends to POST /detect. Headers should carry the
// original visitor's headers verbatim, including X-Forwarded-For, so the
// edge classifies the visitor and not the relaying server.
type Request struct {
	// URL is the page the visitor requested (informational).
	URL string `json:"url"`

	// Headers are the visitor's request headers.
	Headers map[string]string `json:"headers"`

	// Fingerprint is the optional collector payload, passed through
	// untouched.
	Fingerprint map[string]interface{} `json:"fingerprint,omitempty"`

	// CampaignID addresses a campaign by slug; optional. When set, the
	// result carries the routing the public endpoint would have used.
	CampaignID string `json:"campaignId,omitempty"`
}

// Details breaks the classification down per subsystem.
type Details struct {
	IsBot            bool    `json:"isBot"`
	BotConfidence    float64 `json:"botConfidence"`
	IsThreat         bool    `json:"isThreat"`
	ThreatScore      float64 `json:"threatScore"`
	IsBlacklisted    bool    `json:"isBlacklisted"`
	FingerprintScore float64 `json:"fingerprintScore"`
	JA3Match         bool    `json:"ja3Match,omitempty"`
}

// Result is the edge's verdict for one visitor.
type Result struct {
	// Decision is "pass" or "block".
	Decision string `json:"decision"`

	// Reason names the primary signal behind a block.
	Reason string `json:"reason,omitempty"`

	// Confidence of the classification in [0,1].
	Confidence float64 `json:"confidence"`

	// RedirectURL is where the public endpoint would have sent this
	// visitor, when a campaign was in scope.
	RedirectURL string `json:"redirectUrl,omitempty"`

	Details Details `json:"details"`
}

// Blocked reports whether the visitor must not see real content.
func (r *Result) Blocked() bool { return r.Decision == DecisionBlock }
