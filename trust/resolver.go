// Package trust materializes per-user Viewer Trust Score (VTS) from
// stored signals and abuse flags. The core never computes these
// signals itself -- kyc_level, likely_bot, and the raw trust scores
// are read-only inputs from out-of-scope collaborators (KYC
// validation, phone trust scoring).
package trust

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pulsereel/integrity-core/model"
)

// cacheSize bounds the per-run VTS memoization cache. One window run
// may resolve the same viewer's VTS across many videos; this cache is
// owned by one Resolver value, constructed fresh per run, and
// discarded when the run completes -- never a package-level cache.
const cacheSize = 50_000

// Resolver computes Viewer Trust Score, memoizing within a single run.
type Resolver struct {
	cache *lru.Cache[string, float64]
}

// NewResolver constructs a Resolver scoped to one window run.
func NewResolver() *Resolver {
	cache, _ := lru.New[string, float64](cacheSize)
	return &Resolver{cache: cache}
}

// VTS returns the user's Viewer Trust Score in [0,100]: the stored
// viewer_trust_score if present, else a neutral default of 50, then
// adjusted by bot and KYC level multipliers and clamped.
func (r *Resolver) VTS(u model.User) float64 {
	if v, ok := r.cache.Get(u.ID); ok {
		return v
	}

	base := 50.0
	if u.ViewerTrustScore != nil {
		base = *u.ViewerTrustScore
	}

	if u.LikelyBot {
		base *= 0.2
	}

	switch {
	case u.KYCLevel == nil || *u.KYCLevel == 0:
		base *= 0.7
	case *u.KYCLevel == 1:
		base *= 0.9
	default: // >= 2
		base *= 1.0
	}

	score := clamp(base, 0, 100)
	r.cache.Add(u.ID, score)
	return score
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
