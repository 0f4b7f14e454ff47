// Package campaign resolves slugs to campaigns and selects traffic
// streams by targeting rules and weighted draw.
package campaign

import (
	"errors"
	"time"
)

// Campaign statuses. Only active campaigns may send anyone to the money
// page; paused and completed always compose safe.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Redirect kinds a campaign can be configured with.
const (
	RedirectMoved  = "301"
	RedirectFound  = "302"
	RedirectJS     = "js"
	RedirectMeta   = "meta"
	RedirectDirect = "direct"
)

// ErrNotFound is returned when a slug resolves to no campaign.
var ErrNotFound = errors.New("campaign not found")

type Campaign struct {
	ID           int64     `json:"id"`
	Slug         string    `json:"slug"`
	Status       string    `json:"status"`
	MoneyURL     string    `json:"moneyUrl"`
	SafeURL      string    `json:"safeUrl"`
	RedirectKind string    `json:"redirectKind"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Active reports whether the campaign may serve money traffic.
func (c *Campaign) Active() bool { return c.Status == StatusActive }

// Version keys the decision cache. Any campaign edit bumps UpdatedAt and
// thereby retires every cached decision for the old configuration.
func (c *Campaign) Version() int64 { return c.UpdatedAt.Unix() }

// Stream is one weighted traffic split within a campaign. URL overrides
// are optional; empty means fall through to the campaign's URLs.
type Stream struct {
	ID         int64           `json:"id"`
	CampaignID int64           `json:"campaignId"`
	Name       string          `json:"name"`
	Weight     int             `json:"weight"`
	Active     bool            `json:"active"`
	MoneyURL   string          `json:"moneyUrl,omitempty"`
	SafeURL    string          `json:"safeUrl,omitempty"`
	Rules      []TargetingRule `json:"rules,omitempty"`
}

// Rule types name the descriptor field a rule inspects.
const (
	RuleCountry = "country"
	RuleDevice  = "device"
	RuleBrowser = "browser"
	RuleOS      = "os"
	RuleReferer = "referer"
)

// Rule operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpRegex       = "regex"
)

// TargetingRule matches one descriptor field against a value. Include
// rules must all match; any matching exclude rule disqualifies the
// stream.
type TargetingRule struct {
	ID       int64    `json:"id"`
	StreamID int64    `json:"streamId"`
	RuleType string   `json:"ruleType"`
	Operator string   `json:"operator"`
	Value    string   `json:"value"`
	Values   []string `json:"values,omitempty"` // decoded array for in/not_in
	Include  bool     `json:"include"`
}
