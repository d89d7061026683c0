// Package formula derives the MER, JER, CER and EB scores from raw game counters.
//
// Every function is pure. A nil result means a required input was missing or outside
// the domain the formula is defined on; callers render that as "unknown".
package formula

import "math"

// soulEggQuintillion scales soul eggs to the unit the MER curve is fitted against.
const soulEggQuintillion = 1e18

// Inputs is one set of counters taken from a provider snapshot.
type Inputs struct {
	SoulEggs           *float64
	EggsOfProphecy     *int64
	TruthEggs          *int64
	SoulFoodLevel      *int64
	ProphecyBonusLevel *int64
}

// Metrics is the derived output for one Inputs value.
type Metrics struct {
	MER *float64 `json:"mer"`
	JER *float64 `json:"jer"`
	CER *float64 `json:"cer"`
	EB  *float64 `json:"eb"`
}

// Calculate runs every formula over in.
func Calculate(in Inputs) Metrics {
	pe := intToFloat(in.EggsOfProphecy)
	te := intToFloat(in.TruthEggs)
	return Metrics{
		MER: MER(in.SoulEggs, pe),
		JER: JER(in.SoulEggs, pe),
		CER: CER(),
		EB:  EB(in.SoulEggs, pe, te, intToFloat(in.SoulFoodLevel), intToFloat(in.ProphecyBonusLevel)),
	}
}

// MER is the mystical egg ratio, rounded to two decimals.
func MER(soulEggs, eggsOfProphecy *float64) *float64 {
	if soulEggs == nil || eggsOfProphecy == nil || *soulEggs <= 0 {
		return nil
	}
	seQ := *soulEggs / soulEggQuintillion
	if seQ <= 0 {
		return nil
	}
	logSe := math.Log10(seQ)
	return round2((91*logSe + 200 - *eggsOfProphecy) / 10)
}

// JER is the jackpot egg ratio, rounded to two decimals.
func JER(soulEggs, eggsOfProphecy *float64) *float64 {
	if soulEggs == nil || eggsOfProphecy == nil || *eggsOfProphecy <= 0 || *soulEggs <= 0 {
		return nil
	}
	logSe := math.Log10(*soulEggs)
	numerator := 0.1519*math.Pow(logSe, 3) -
		4.8517*math.Pow(logSe, 2) +
		48.248*logSe -
		143.46
	pe := *eggsOfProphecy
	return round2(((numerator/pe)*100*pe + 100*49) / (pe + 100))
}

// CER has no formula yet and is always nil.
func CER() *float64 {
	return nil
}

// EB is the earnings bonus. It is returned at full precision, or nil when the
// inputs push it past float64 range.
func EB(soulEggs, eggsOfProphecy, truthEggs, soulFoodLevel, prophecyBonusLevel *float64) *float64 {
	if soulEggs == nil || eggsOfProphecy == nil || truthEggs == nil || soulFoodLevel == nil {
		return nil
	}
	pe := *eggsOfProphecy
	if pe > 0 && prophecyBonusLevel == nil {
		return nil
	}

	baseMult := 10 + *soulFoodLevel
	prophecyMult := 1.0
	if pe > 0 {
		prophecyMult = math.Pow(1.05+0.01*(*prophecyBonusLevel), pe)
	}
	truthMult := math.Pow(1.01, *truthEggs)

	eb := *soulEggs * baseMult * prophecyMult * truthMult
	if math.IsInf(eb, 0) || math.IsNaN(eb) {
		return nil
	}
	return &eb
}

// round2 rounds half to even.
func round2(v float64) *float64 {
	r := math.RoundToEven(v*100) / 100
	return &r
}

func intToFloat(v *int64) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}
