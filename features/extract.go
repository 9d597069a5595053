// Package features derives per-window, per-video signal vectors from
// raw events. Pure computation, no I/O -- operates on an in-memory
// event slice so it can be unit-tested directly and run concurrently
// across videos.
package features

import (
	"math"
	"time"

	"github.com/pulsereel/integrity-core/model"
)

// Vector holds every derived feature for one (video_id, window) pair.
// Marshaled to JSON for the video_aggregates.features column.
type Vector struct {
	Views    int `json:"views"`
	Likes    int `json:"likes"`
	Comments int `json:"comments"`
	Reports  int `json:"reports"`
	Shares   int `json:"shares"`

	ActiveViewers    int `json:"active_viewers"`
	UniqueCommenters int `json:"unique_commenters"`
	UniqueLikers     int `json:"unique_likers"`

	DeviceConcentrationTopShare float64 `json:"device_concentration_top_share"`
	IPConcentrationTopShare     float64 `json:"ip_concentration_top_share"`
	UsersPerDevice              int     `json:"users_per_device"`
	UsersPerIP                  int     `json:"users_per_ip"`

	// InterArrivalCV is the coefficient of variation of gaps between
	// consecutive like timestamps. Nil when fewer than 3 likes (treated
	// as missing/neutral by the scorer).
	InterArrivalCV *float64 `json:"inter_arrival_cv,omitempty"`

	DurationS float64 `json:"duration_s"`
	AgeS      float64 `json:"age_s"`
	RecencyS  float64 `json:"recency_s"`

	// Likers/Commenters/Reporters carry the raw user ids scored against
	// VTS by the EIS Scorer (not persisted as part of the JSON column,
	// but needed by the caller to compute CQ/LI/RC) -- kept unexported
	// from JSON via the "-" tag so the stored feature vector stays lean.
	Likers     []string `json:"-"`
	Commenters []string `json:"-"`
	Reporters  []string `json:"-"`
}

// Extract computes the full feature vector for one video's events
// within a window. windowEnd is the window's end boundary, used for
// age_s and recency_s.
func Extract(events []model.Event, video model.Video, windowEnd time.Time) Vector {
	var v Vector
	v.DurationS = video.DurationS
	v.AgeS = windowEnd.Sub(video.CreatedAt).Seconds()

	activeViewers := map[string]struct{}{}
	commenters := map[string]struct{}{}
	likers := map[string]struct{}{}

	deviceLikeCounts := map[string]int{}
	ipLikeCounts := map[string]int{}
	deviceUsers := map[string]map[string]struct{}{}
	ipUsers := map[string]map[string]struct{}{}

	var likeTimestamps []time.Time
	var maxTS time.Time
	haveMaxTS := false

	for _, e := range events {
		activeViewers[e.UserID] = struct{}{}

		if !haveMaxTS || e.TS.After(maxTS) {
			maxTS = e.TS
			haveMaxTS = true
		}

		switch e.Type {
		case model.EventView:
			v.Views++
		case model.EventLike:
			v.Likes++
			likers[e.UserID] = struct{}{}
			likeTimestamps = append(likeTimestamps, e.TS)
			if e.DeviceID != nil {
				deviceLikeCounts[*e.DeviceID]++
				if deviceUsers[*e.DeviceID] == nil {
					deviceUsers[*e.DeviceID] = map[string]struct{}{}
				}
				deviceUsers[*e.DeviceID][e.UserID] = struct{}{}
			}
			if e.IPHash != nil {
				ipLikeCounts[*e.IPHash]++
				if ipUsers[*e.IPHash] == nil {
					ipUsers[*e.IPHash] = map[string]struct{}{}
				}
				ipUsers[*e.IPHash][e.UserID] = struct{}{}
			}
		case model.EventComment:
			v.Comments++
			commenters[e.UserID] = struct{}{}
		case model.EventShare:
			v.Shares++
		case model.EventReport:
			v.Reports++
		}
	}

	v.ActiveViewers = len(activeViewers)
	v.UniqueCommenters = len(commenters)
	v.UniqueLikers = len(likers)
	v.Commenters = setToSlice(commenters)
	v.Likers = setToSlice(likers)
	v.Reporters = reportersOf(events)

	v.DeviceConcentrationTopShare = topShare(deviceLikeCounts, v.Likes)
	v.IPConcentrationTopShare = topShare(ipLikeCounts, v.Likes)
	v.UsersPerDevice = maxDistinctUsers(deviceUsers)
	v.UsersPerIP = maxDistinctUsers(ipUsers)

	v.InterArrivalCV = interArrivalCV(likeTimestamps)

	if haveMaxTS {
		v.RecencyS = windowEnd.Sub(maxTS).Seconds()
	}

	return v
}

func reportersOf(events []model.Event) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, e := range events {
		if e.Type == model.EventReport {
			if _, ok := seen[e.UserID]; !ok {
				seen[e.UserID] = struct{}{}
				out = append(out, e.UserID)
			}
		}
	}
	return out
}

func setToSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// topShare returns the max fraction of likes sharing one key. Likes
// with a nil key (not counted in deviceLikeCounts/ipLikeCounts) are
// still counted in the denominator via total.
func topShare(counts map[string]int, total int) float64 {
	if total == 0 {
		return 0
	}
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	return float64(max) / float64(total)
}

func maxDistinctUsers(byKey map[string]map[string]struct{}) int {
	max := 0
	for _, users := range byKey {
		if len(users) > max {
			max = len(users)
		}
	}
	return max
}

// interArrivalCV computes the coefficient of variation (sigma/mu) of
// gaps between consecutive like timestamps. Fewer than 3 likes yields
// fewer than 2 gaps, which is treated as missing (nil).
func interArrivalCV(timestamps []time.Time) *float64 {
	if len(timestamps) < 3 {
		return nil
	}
	sorted := append([]time.Time(nil), timestamps...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Before(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]).Seconds())
	}

	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean == 0 {
		return nil
	}

	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))
	stddev := math.Sqrt(variance)

	cv := stddev / mean
	return &cv
}
