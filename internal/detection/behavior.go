package detection

import (
	"context"

	"github.com/cloakroute/edge/internal/visitor"
)

// BehaviorAnalyzer scores interaction telemetry collected on a previous
// page view. Absence is not suspicious: every first visit arrives before
// any behavior exists.
type BehaviorAnalyzer struct{}

func NewBehaviorAnalyzer() *BehaviorAnalyzer { return &BehaviorAnalyzer{} }

func (a *BehaviorAnalyzer) Name() string { return AnalyzerBehavior }

func (a *BehaviorAnalyzer) Analyze(_ context.Context, d *visitor.Descriptor) (*Result, error) {
	res := &Result{Confidence: 0.5}

	if d.Fingerprint == nil || d.Fingerprint.Behavior == nil {
		return res, nil
	}
	b := d.Fingerprint.Behavior
	res.Confidence = 0.7

	hit := func(severity float64, flag string) {
		if severity > res.Score {
			res.Score = severity
		}
		res.flag(flag)
	}

	if m := b.Mouse; m != nil {
		if m.MoveCount >= 10 && m.Linearity >= 0.98 {
			// Humans cannot move a pointer in near-perfect straight lines.
			hit(0.8, "robotic_mouse_path")
		}
		if m.AvgSpeedPxMs > 10 {
			hit(0.75, "superhuman_pointer_speed")
		}
	}

	if k := b.Keyboard; k != nil {
		if k.KeyCount >= 10 && k.IntervalVariance < 5 {
			hit(0.8, "metronomic_typing")
		}
		if k.CharsPerSecond > 20 {
			hit(0.75, "superhuman_typing_rate")
		}
	}

	if i := b.Interaction; i != nil {
		if i.FirstInteractionMs > 0 && i.FirstInteractionMs < 100 {
			hit(0.7, "instant_first_interaction")
		}
		if i.PageHeightPx > 2000 && i.ScrollDepthPx == 0 && i.FirstInteractionMs > 0 {
			hit(0.6, "no_scroll_on_long_page")
		}
		if i.FormFieldCount >= 3 && i.FormFillTimeMs > 0 && i.FormFillTimeMs < 1000 {
			hit(0.8, "instant_form_fill")
		}
		if i.FormPerfect && i.FormFieldCount >= 3 {
			hit(0.7, "perfect_form_entry")
		}
	}

	if len(res.Flags) > 0 {
		res.Confidence = 0.8
	}
	return res, nil
}
