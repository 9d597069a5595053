// Package scoring computes the Engagement Integrity Score from a
// feature vector and persists the result (the EIS Scorer and
// Aggregate Writer components).
package scoring

import (
	"github.com/pulsereel/integrity-core/features"
	"github.com/pulsereel/integrity-core/model"
)

// Result carries the four component scores plus the blended EIS, all
// in [0,100], for one (video_id, window) aggregate row.
type Result struct {
	AE  float64
	CQ  float64
	LI  float64
	RC  float64
	EIS float64
}

// TrustFunc resolves a user's Viewer Trust Score; satisfied by
// (*trust.Resolver).VTS.
type TrustFunc func(model.User) float64

// Score computes the four component scores and blends them into a
// final EIS, applying creator-trust modulation when present.
func Score(vec features.Vector, users map[string]model.User, trustOf TrustFunc, creatorTrust *float64) Result {
	ae := authenticEngagement(vec)
	cq := commentQuality(vec, users, trustOf)
	li := likeIntegrity(vec, users, trustOf)
	rc := reportCredibility(vec, users, trustOf)

	eis := 0.40*ae + 0.25*cq + 0.20*li + 0.15*rc
	if creatorTrust != nil {
		mod := clamp(0.95+(*creatorTrust-50)/1000, 0.95, 1.05)
		eis *= mod
	}
	eis = clamp(eis, 0, 100)

	return Result{AE: ae, CQ: cq, LI: li, RC: rc, EIS: eis}
}

func authenticEngagement(v features.Vector) float64 {
	targetLPV := clamp(0.08*(15/v.DurationS), 0.02, 0.25)
	targetCPV := clamp(0.02*(15/v.DurationS), 0.005, 0.08)

	lpv := float64(v.Likes) / maxF(1, float64(v.Views))
	cpv := float64(v.Comments) / maxF(1, float64(v.Views))

	sL := minF(1, lpv/targetLPV)
	sC := minF(1, cpv/targetCPV)

	var rec float64
	if v.AgeS <= 86400 {
		rec = 1.0
	} else {
		rec = maxF(0.6, 1-(v.AgeS-86400)/(7*86400))
	}

	aud := minF(1, float64(v.ActiveViewers)/50)

	return 100 * rec * (0.4*sL + 0.4*sC + 0.2*aud)
}

func commentQuality(v features.Vector, users map[string]model.User, trustOf TrustFunc) float64 {
	uniqueRate := float64(v.UniqueCommenters) / maxF(1, float64(v.Comments))
	avgVTS := meanVTS(v.Commenters, users, trustOf) / 100
	return 100 * (0.5*uniqueRate + 0.5*avgVTS)
}

func likeIntegrity(v features.Vector, users map[string]model.User, trustOf TrustFunc) float64 {
	base := meanVTS(v.Likers, users, trustOf) / 100

	nat := 0.7 // neutral when inter_arrival_cv missing
	if v.InterArrivalCV != nil {
		nat = clamp(*v.InterArrivalCV/0.6, 0, 1)
	}

	topShare := v.DeviceConcentrationTopShare
	if v.IPConcentrationTopShare > topShare {
		topShare = v.IPConcentrationTopShare
	}
	clus := clamp(topShare-0.2, 0, 0.6) / 0.6

	return 100 * maxF(0, 0.5*base+0.3*nat-0.4*clus+0.1)
}

func reportCredibility(v features.Vector, users map[string]model.User, trustOf TrustFunc) float64 {
	var w float64
	for _, id := range v.Reporters {
		w += trustOf(users[id]) / 100
	}
	denom := maxF(5, 0.05*float64(v.Views))
	return 100 * maxF(0, 1-w/denom)
}

func meanVTS(ids []string, users map[string]model.User, trustOf TrustFunc) float64 {
	if len(ids) == 0 {
		return 0
	}
	var sum float64
	for _, id := range ids {
		sum += trustOf(users[id])
	}
	return sum / float64(len(ids))
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

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
