package threatintel

import (
	"context"
)

// Verdict is one provider's opinion about one IP. Score is on a 0..100
// scale. Reliable reports whether the provider's own evidence passed its
// reliability predicate; unreliable verdicts still count, at half weight.
type Verdict struct {
	Provider   string
	Score      float64
	Weight     float64
	Categories []string
	Reliable   bool
	Summary    string
}

// Provider is a remote IP reputation source.
type Provider interface {
	// Name identifies the provider in logs, metrics and budget keys.
	Name() string

	// Check queries the provider for one IP. Implementations must honor
	// the context deadline and stamp their configured weight on the
	// verdict.
	Check(ctx context.Context, ip string) (*Verdict, error)
}
