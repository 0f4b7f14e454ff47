package decision

import (
	"github.com/cloakroute/edge/internal/campaign"
	"github.com/cloakroute/edge/internal/config"
	"github.com/cloakroute/edge/internal/detection"
)

// Composer assembles final decisions from the pipeline's findings.
type Composer struct {
	blockURL    string
	notFoundURL string
}

// NewComposer reads the fallback URLs from cfg, defaulting both to /404.
func NewComposer(cfg config.DecisionConfig) *Composer {
	blockURL := cfg.BlockURL
	if blockURL == "" {
		blockURL = "/404"
	}
	notFoundURL := cfg.NotFoundURL
	if notFoundURL == "" {
		notFoundURL = "/404"
	}
	return &Composer{blockURL: blockURL, notFoundURL: notFoundURL}
}

// NotFound is the fallback for slugs that resolve to no campaign.
func (c *Composer) NotFound() *Decision {
	return &Decision{
		Page:         PageSafe,
		RedirectURL:  c.notFoundURL,
		RedirectKind: campaign.RedirectFound,
		Reason:       ReasonNotFound,
	}
}

// Blocked forces the safe page for blacklist and threat-intel hits. The
// campaign may be nil when the check fires on the programmatic surface
// without a campaign in scope.
func (c *Composer) Blocked(cmp *campaign.Campaign, reason string, botScore float64) *Decision {
	d := &Decision{
		Page:         PageSafe,
		RedirectURL:  c.blockURL,
		RedirectKind: campaign.RedirectFound,
		Reason:       reason,
		BotScore:     botScore,
	}
	if cmp != nil {
		d.CampaignID = cmp.ID
	}
	return d
}

// Route builds the decision for a resolved campaign from the detection
// verdict and the selected stream. A nil stream falls through to the
// campaign's base URLs. Inactive campaigns compose safe no matter what the
// verdict says.
func (c *Composer) Route(cmp *campaign.Campaign, stream *campaign.Stream, v *detection.Verdict) *Decision {
	d := &Decision{
		CampaignID:   cmp.ID,
		RedirectKind: cmp.RedirectKind,
		Reason:       v.PrimaryReason,
		BotScore:     v.Score,
	}
	if stream != nil {
		id := stream.ID
		d.StreamID = &id
	}

	if !cmp.Active() {
		d.Page = PageSafe
		d.Reason = "campaign_" + cmp.Status
		d.RedirectURL = safeURL(cmp, stream)
		return d
	}
	if v.IsBot {
		d.Page = PageSafe
		d.RedirectURL = safeURL(cmp, stream)
		return d
	}

	d.Page = PageMoney
	d.RedirectURL = moneyURL(cmp, stream)
	return d
}

func safeURL(cmp *campaign.Campaign, stream *campaign.Stream) string {
	if stream != nil && stream.SafeURL != "" {
		return stream.SafeURL
	}
	return cmp.SafeURL
}

func moneyURL(cmp *campaign.Campaign, stream *campaign.Stream) string {
	if stream != nil && stream.MoneyURL != "" {
		return stream.MoneyURL
	}
	return cmp.MoneyURL
}
