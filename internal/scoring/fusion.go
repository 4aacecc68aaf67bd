// Package scoring combines the independent forensic signals into one
// confidence percentage and a coarse label.
package scoring

import "math"

// Classification is the label attached to a fused score
type Classification string

const (
	Authentic    Classification = "Authentic"
	Suspicious   Classification = "Suspicious"
	HighlyForged Classification = "Highly Forged"
)

// Signal weights. They sum to 1 so a fused score stays in [0,100].
const (
	WeightELA    = 0.3
	WeightDL     = 0.5
	WeightLayout = 0.2
)

const (
	highlyForgedAbove = 70.0
	suspiciousAbove   = 30.0
)

// NeutralDLScore stands in for the deep-model probability when no
// localized score exists.
const NeutralDLScore = 0.5

// Fuse combines ELA, layout and deep-model scores (each in [0,1]) into a
// percentage rounded to two decimals and its classification. The label is
// decided on the rounded value, so a score of exactly 30 is Authentic and
// exactly 70 is Suspicious.
func Fuse(ela, layout, dl float64) (float64, Classification) {
	weighted := WeightELA*ela + WeightDL*dl + WeightLayout*layout
	final := Round(weighted*100, 2)
	return final, Classify(final)
}

// Classify maps a fused percentage to its label
func Classify(finalPercent float64) Classification {
	switch {
	case finalPercent > highlyForgedAbove:
		return HighlyForged
	case finalPercent > suspiciousAbove:
		return Suspicious
	default:
		return Authentic
	}
}

// Round rounds v to the given number of decimal places (half away from zero)
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
