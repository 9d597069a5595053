package trust

import (
	"testing"

	"github.com/pulsereel/integrity-core/model"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func TestVTS_DefaultNeutral(t *testing.T) {
	r := NewResolver()
	u := model.User{ID: "u1"}
	got := r.VTS(u)
	// no viewer_trust_score (base 50) * kyc-nil 0.7
	want := 35.0
	if got != want {
		t.Errorf("VTS = %v, want %v", got, want)
	}
}

func TestVTS_LikelyBotPenalized(t *testing.T) {
	r := NewResolver()
	u := model.User{ID: "u1", ViewerTrustScore: floatp(100), LikelyBot: true, KYCLevel: intp(2)}
	got := r.VTS(u)
	// 100 * 0.2 (bot) * 1.0 (kyc>=2)
	want := 20.0
	if got != want {
		t.Errorf("VTS = %v, want %v", got, want)
	}
}

func TestVTS_KYCLevelMultipliers(t *testing.T) {
	r := NewResolver()
	base := floatp(100)

	lvl0 := r.VTS(model.User{ID: "a", ViewerTrustScore: base, KYCLevel: intp(0)})
	if lvl0 != 70 {
		t.Errorf("kyc=0 VTS = %v, want 70", lvl0)
	}
	lvl1 := r.VTS(model.User{ID: "b", ViewerTrustScore: base, KYCLevel: intp(1)})
	if lvl1 != 90 {
		t.Errorf("kyc=1 VTS = %v, want 90", lvl1)
	}
	lvl2 := r.VTS(model.User{ID: "c", ViewerTrustScore: base, KYCLevel: intp(2)})
	if lvl2 != 100 {
		t.Errorf("kyc=2 VTS = %v, want 100", lvl2)
	}
}

func TestVTS_ClampedAtUpperBound(t *testing.T) {
	r := NewResolver()
	u := model.User{ID: "u1", ViewerTrustScore: floatp(150), KYCLevel: intp(2)}
	got := r.VTS(u)
	if got != 100 {
		t.Errorf("VTS = %v, want clamped to 100", got)
	}
}

func TestVTS_MemoizedPerUser(t *testing.T) {
	r := NewResolver()
	u := model.User{ID: "u1", ViewerTrustScore: floatp(80), KYCLevel: intp(1)}
	first := r.VTS(u)
	// Mutate the trust score; VTS should still return the cached value
	// since lookups are keyed by user ID only.
	u.ViewerTrustScore = floatp(10)
	second := r.VTS(u)
	if first != second {
		t.Errorf("VTS not memoized: first=%v second=%v", first, second)
	}
}
