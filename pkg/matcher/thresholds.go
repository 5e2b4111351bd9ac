package matcher

// ConfidenceLevel selects which threshold row is active. High is the
// device default.
type ConfidenceLevel int

const (
	ConfidenceHigh ConfidenceLevel = iota
	ConfidenceMedium
	ConfidenceLow
)

// MaskConfig is one of the three (probe, gallery) mask-state combinations
// spec.md §4.8 calls out; each has its own threshold row.
type MaskConfig int

const (
	ConfigNoMaskNoMask MaskConfig = iota // probe no-mask x gallery no-mask
	ConfigMaskMask                       // probe mask x gallery mask-valid
	ConfigMaskNoMaskOnly                 // probe mask x gallery mask-not-yet-set
)

// Thresholds holds the three numbers a (level, config) pair contributes.
// spec.md's only stated requirement is Update < Strong < Identical; the
// exact values below are device-calibration constants not derivable from
// first principles, scaled from original_source/src/Matcher/MatcherImplDefines.h's
// defaults (Identical=2000, and Strong/Update reordered — see DESIGN.md for
// why this implementation does not reuse the original's literal Strong=970/
// Update=1100 pair, which violates spec.md's explicit ordering requirement).
type Thresholds struct {
	Identical int
	Strong    int
	Update    int
}

// thresholdTable[level][config].
var thresholdTable = [3][3]Thresholds{
	ConfidenceHigh: {
		ConfigNoMaskNoMask:   {Identical: 2000, Strong: 1200, Update: 900},
		ConfigMaskMask:       {Identical: 1800, Strong: 1050, Update: 800},
		ConfigMaskNoMaskOnly: {Identical: 1700, Strong: 1000, Update: 750},
	},
	ConfidenceMedium: {
		ConfigNoMaskNoMask:   {Identical: 1850, Strong: 1050, Update: 800},
		ConfigMaskMask:       {Identical: 1650, Strong: 950, Update: 700},
		ConfigMaskNoMaskOnly: {Identical: 1550, Strong: 900, Update: 650},
	},
	ConfidenceLow: {
		ConfigNoMaskNoMask:   {Identical: 1700, Strong: 950, Update: 700},
		ConfigMaskMask:       {Identical: 1500, Strong: 850, Update: 600},
		ConfigMaskNoMaskOnly: {Identical: 1400, Strong: 800, Update: 550},
	},
}

// strongRGBEnrollTable[level] is the separate strong threshold used when the
// gallery was enrolled from an RGB still.
var strongRGBEnrollTable = [3]int{
	ConfidenceHigh:   1150,
	ConfidenceMedium: 1000,
	ConfidenceLow:    900,
}

func thresholdsFor(level ConfidenceLevel, cfg MaskConfig) Thresholds {
	return thresholdTable[level][cfg]
}

// Confidence maps a raw NCC score to a 0-100 confidence value via a
// two-segment piecewise-linear curve: 0 below Update, 100 at/above
// Identical, linear in between through Strong — recovered from
// original_source/src/Matcher/MatcherImplDefines.h's RSID_LIN1_*/RSID_LIN2_*
// constants in shape (two-segment piecewise-linear), not its exact
// device-calibration breakpoints.
func Confidence(score int, thr Thresholds) int {
	switch {
	case score <= thr.Update:
		return 0
	case score >= thr.Identical:
		return 100
	case score <= thr.Strong:
		span := thr.Strong - thr.Update
		if span <= 0 {
			return 50
		}
		return (score - thr.Update) * 50 / span
	default:
		span := thr.Identical - thr.Strong
		if span <= 0 {
			return 100
		}
		return 50 + (score-thr.Strong)*50/span
	}
}
