package model

import "time"

// User mirrors the users table. Trust/bot fields are mutated only by
// out-of-scope collaborators (KYC validation, phone trust scoring); the
// core treats them as read-only inputs.
type User struct {
	ID                string
	IsCreator         bool
	LikelyBot         bool
	KYCLevel          *int // nil == NULL, treated like level 0
	CreatorTrustScore *float64
	ViewerTrustScore  *float64
	CurrentBalanceCents int64
}

// Video mirrors the videos table. EIS fields are mutated only by the
// Aggregate Writer.
type Video struct {
	ID          string
	CreatorID   string
	CreatedAt   time.Time
	DurationS   float64
	EISCurrent  float64
	EISUpdatedAt time.Time
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls in [w.Start, w.End).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// VideoAggregate mirrors video_aggregates: one append-only row per
// (video_id, window).
type VideoAggregate struct {
	VideoID             string
	WindowStart         time.Time
	WindowEnd           time.Time
	FeaturesJSON        string // marshaled features.Vector
	CommentQuality      float64
	LikeIntegrity       float64
	ReportCredibility   float64
	AuthenticEngagement float64
	EIS                 float64
}

// RevenueWindow mirrors revenue_windows: created exactly once per
// finalized window (idempotency key is window_start+window_end+payment_type).
type RevenueWindow struct {
	ID               string
	WindowStart      time.Time
	WindowEnd        time.Time
	PaymentType      string
	GrossRevenueCents int64
	TaxesCents       int64
	FeesCents        int64
	RefundsCents     int64
	PoolPct          float64
	MarginTarget     float64
	PlatformFeePct   float64
	RiskReservePct   float64
	CostsEstCents    int64
	CreatorPoolCents int64
	UnallocatedCents int64
	Status           string // "committed" | "pending" (partial-commit marker)
	Meta             map[string]interface{}
}

// VideoRevShare mirrors video_rev_shares: per-video breakdown of a
// RevenueWindow's allocation, created in the same run as its RevenueWindow.
type VideoRevShare struct {
	RevenueWindowID string
	VideoID         string
	CreatorID       string
	EngUnits        float64
	EISAvg          float64
	VU              float64
	SharePct        float64
	AllocatedCents  int64
}

// Direction is the ledger entry's flow direction.
type Direction string

const (
	DirectionInflow  Direction = "inflow"
	DirectionOutflow Direction = "outflow"
)

// Transaction mirrors the transactions table: an append-only ledger row.
type Transaction struct {
	ID          string
	CreatedAt   time.Time
	Recipient   string
	AmountCents int64
	PaymentType string
	Status      string
	Direction   Direction
}

// KYCCapCents returns the per-run cents ceiling for a KYC level. nil and
// level 0 are both treated as excluded (cap 0), matching spec's
// {0:0, NULL:0, 1:5000, 2:50000, >=3:+Inf} table.
func KYCCapCents(level *int) int64 {
	if level == nil {
		return 0
	}
	switch {
	case *level <= 0:
		return 0
	case *level == 1:
		return 5_000
	case *level == 2:
		return 50_000
	default:
		return -1 // sentinel for "uncapped"; callers must check Uncapped()
	}
}

// Uncapped reports whether a cap value returned by KYCCapCents means "no cap".
func Uncapped(capCents int64) bool { return capCents < 0 }

// Excluded reports whether a user must never receive an inflow this run:
// likely_bot, or kyc_level in {0, NULL}.
func Excluded(u User) bool {
	return u.LikelyBot || KYCCapCents(u.KYCLevel) == 0
}
