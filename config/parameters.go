// Package config holds the immutable configuration bag passed explicitly
// to every entrypoint. There are no process-global tunables: every
// component takes a *Parameters (or Parameters by value) as an argument.
package config

// EventWeights is the per-event-type weight table used by the Unit
// Builder's EngUnits formula. Kept integer-valued per spec.
type EventWeights struct {
	View    int
	Like    int
	Comment int
	Share   int
}

// Parameters is the immutable tuning bag described in spec.md §6. Build
// one with Defaults() and override fields before passing it down; never
// mutate a Parameters value shared across calls.
type Parameters struct {
	EventWeights EventWeights

	// Unit Builder
	Gamma           float64 // EIS weighting exponent
	EarlyMinViews   int
	EarlyDeviceFrac float64
	EarlyIPFrac     float64
	EarlyKicker     float64

	// Allocator
	TrustMultMin    float64
	TrustMultMax    float64
	KYCCapLevel1    int64
	KYCCapLevel2    int64
	PenalizeLikelyBot bool

	// Revenue Window Finalizer
	PoolPct        float64
	MarginTarget   float64
	RiskReservePct float64
	PlatformFeePct float64
}

// Defaults returns the parameter bag spec.md §6 lists as the baseline
// configuration.
func Defaults() Parameters {
	return Parameters{
		EventWeights: EventWeights{View: 1, Like: 3, Comment: 5, Share: 8},

		Gamma:           2.0,
		EarlyMinViews:   50,
		EarlyDeviceFrac: 0.5,
		EarlyIPFrac:     0.4,
		EarlyKicker:     1.05,

		TrustMultMin:      0.90,
		TrustMultMax:      1.10,
		KYCCapLevel1:      5_000,
		KYCCapLevel2:      50_000,
		PenalizeLikelyBot: true,

		PoolPct:        0.45,
		MarginTarget:   0.60,
		RiskReservePct: 0.10,
		PlatformFeePct: 0.10,
	}
}
