// Package decision runs the request pipeline end to end: cached decision
// lookup, blacklist, the detection engine, campaign resolution, weighted
// stream selection, and final composition. The output is a Decision the
// responder can render without further lookups.
package decision

// Pages a visitor can be routed to.
const (
	PageMoney = "money"
	PageSafe  = "safe"
)

// ReasonNotFound is the reason attached to the unknown-slug fallback.
const ReasonNotFound = "Campaign not found"

// Decision is the final routing verdict for one request. This is the shape
// the cache stores, so renames here retire cached entries.
type Decision struct {
	Page          string  `json:"page"`
	CampaignID    int64   `json:"campaignId"`
	StreamID      *int64  `json:"streamId,omitempty"`
	RedirectURL   string  `json:"redirectUrl"`
	RedirectKind  string  `json:"redirectKind"`
	Reason        string  `json:"reason"`
	BotScore      float64 `json:"botScore"`
	ElapsedMicros int64   `json:"elapsedMicros"`
}
