package scoring

import (
	"testing"

	"github.com/pulsereel/integrity-core/features"
	"github.com/pulsereel/integrity-core/model"
)

func floatp(v float64) *float64 { return &v }

func flatTrust(trust float64) TrustFunc {
	return func(model.User) float64 { return trust }
}

func TestScore_HighQualityVideoScoresHigh(t *testing.T) {
	vec := features.Vector{
		Views: 1000, Likes: 80, Comments: 20,
		UniqueCommenters: 20, UniqueLikers: 80,
		ActiveViewers:               1000,
		DeviceConcentrationTopShare: 0.05,
		IPConcentrationTopShare:     0.05,
		InterArrivalCV:              floatp(0.6),
		DurationS:                   60,
		AgeS:                        3600,
		Likers:                      []string{"u1"},
		Commenters:                  []string{"u2"},
	}
	result := Score(vec, map[string]model.User{}, flatTrust(90), nil)
	if result.EIS < 70 {
		t.Errorf("EIS = %v, want a high score for clean engagement", result.EIS)
	}
	if result.EIS < 0 || result.EIS > 100 {
		t.Errorf("EIS out of bounds: %v", result.EIS)
	}
}

func TestScore_BotFarmConcentrationScoresLow(t *testing.T) {
	vec := features.Vector{
		Views: 100, Likes: 500, Comments: 0,
		UniqueCommenters: 0, UniqueLikers: 5,
		ActiveViewers:               100,
		DeviceConcentrationTopShare: 0.95,
		IPConcentrationTopShare:     0.95,
		InterArrivalCV:              floatp(0.02),
		DurationS:                   60,
		AgeS:                        3600,
		Likers:                      []string{"u1", "u2", "u3", "u4", "u5"},
	}
	result := Score(vec, map[string]model.User{}, flatTrust(10), nil)
	if result.LI > 30 {
		t.Errorf("LI = %v, want low like integrity for concentrated bot-like likes", result.LI)
	}
}

func TestScore_CreatorTrustModulation(t *testing.T) {
	vec := features.Vector{Views: 100, Likes: 10, Comments: 2, DurationS: 30, AgeS: 100}

	low := Score(vec, map[string]model.User{}, flatTrust(50), floatp(0))
	high := Score(vec, map[string]model.User{}, flatTrust(50), floatp(100))
	if !(high.EIS > low.EIS) {
		t.Errorf("expected higher creator trust to raise EIS: low=%v high=%v", low.EIS, high.EIS)
	}
}

func TestScore_ReportCredibility_NoReportsIsMaximal(t *testing.T) {
	vec := features.Vector{Views: 1000, DurationS: 30, AgeS: 100}
	result := Score(vec, map[string]model.User{}, flatTrust(50), nil)
	if result.RC != 100 {
		t.Errorf("RC = %v, want 100 with no reporters", result.RC)
	}
}

func TestScore_ReportCredibility_TrustedReportsLowerScore(t *testing.T) {
	vec := features.Vector{
		Views: 100, DurationS: 30, AgeS: 100,
		Reports:   10,
		Reporters: []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9", "r10"},
	}
	result := Score(vec, map[string]model.User{}, flatTrust(100), nil)
	if result.RC >= 100 {
		t.Errorf("RC = %v, want reduced score from trusted reporters", result.RC)
	}
}

func TestScore_EISAlwaysWithinBounds(t *testing.T) {
	vec := features.Vector{Views: 1, Likes: 100, Comments: 100, DurationS: 1, AgeS: 0}
	result := Score(vec, map[string]model.User{}, flatTrust(100), floatp(100))
	if result.EIS < 0 || result.EIS > 100 {
		t.Errorf("EIS = %v, out of [0,100] bounds", result.EIS)
	}
}
