// Package matcher implements C9: fixed-point normalized cross-correlation
// over 512-dimensional feature vectors, adaptive-learning updates, and
// anchor-drift limiting.
//
// All arithmetic here is integer, grounded on
// original_source/src/Matcher/Matcher.cc (MatchTwoVectors, BlendAverageVector,
// LimitAdaptiveVector, GetMsb) and original_source/src/Matcher/MatcherImplDefines.h
// for the base threshold constants. See DESIGN.md for the Open Question
// resolutions this package makes explicit (threshold ordering, blend
// saturation).
package matcher

import (
	"math/bits"

	"github.com/visionplatform/hostcore/pkg/errs"
)

// Vector shape constants (original_source/include/RealSenseID/FaceprintsDefines.h).
const (
	FaceprintsVersion  = 9
	NumFeatures        = 512
	VectorAllocSize    = 515
	FlagsIndex         = 512 // index inside a 515-wide vector holding its own flag word
	MaxFeatureValue    = 1023
	MinFeatureValue    = -1023
	MinPossibleScore   = 0
	MaxPossibleScore   = 4096
)

// Adaptive-update tuning. spec.md's Design Notes: "preserve the values but
// expose them as constants" — these iteration caps are not derivable from
// first principles, so they are named constants, not computed bounds.
const (
	HistoryWeight = 30
	LimitNoMask   = 6
	LimitMask     = 10
)

// FeaturesType records whether an enrollment vector came from the device's
// normal (W10) capture path or from a still RGB image.
type FeaturesType int

const (
	FeaturesW10 FeaturesType = iota
	FeaturesRGB
)

// VectorFlag is the flag word a 515-wide vector carries at FlagsIndex.
type VectorFlag int16

const (
	VecFlagNotSet VectorFlag = iota
	VecFlagValidWithMask
	VecFlagValidWithoutMask
	VecFlagInvalid
)

// Vector515 is one 515-element feature vector: 512 feature values, a flag
// word at FlagsIndex, and two reserved trailing elements.
type Vector515 [VectorAllocSize]int16

func (v Vector515) Flag() VectorFlag        { return VectorFlag(v[FlagsIndex]) }
func (v *Vector515) SetFlag(f VectorFlag)   { v[FlagsIndex] = int16(f) }
func (v *Vector515) Features() []int16      { return v[:NumFeatures] }

// Faceprints is the per-user biometric record (spec.md §3).
type Faceprints struct {
	Version             int
	FeaturesType        FeaturesType
	Flags               uint32
	EnrollmentDescriptor Vector515 // anchor; never mutated after enrollment
	AdaptiveWithoutMask  Vector515
	AdaptiveWithMask     Vector515
}

// MatchElement is a single match probe: the same header fields as a
// template, plus one feature vector.
type MatchElement struct {
	Version      int
	FeaturesType FeaturesType
	Flags        uint32
	Vector       Vector515
}

// ValidateVector checks every feature element is within
// [MinFeatureValue, MaxFeatureValue] (invariant I1).
func ValidateVector(v Vector515) bool {
	for _, f := range v.Features() {
		if f < MinFeatureValue || f > MaxFeatureValue {
			return false
		}
	}
	return true
}

// bitLen returns the bit-length ("GetMsb" in the original) of n, 0 for n==0.
func bitLen(n uint32) int { return bits.Len32(n) }

// NCC computes the fixed-point normalized cross-correlation of two
// 512-element vectors, returning a score in [0, MaxPossibleScore].
//
// Vectors longer than 512 elements are rejected (overflow risk, per
// spec.md §4.8); a and b must each have exactly NumFeatures elements.
func NCC(a, b []int16) (int, error) {
	if len(a) != NumFeatures || len(b) != NumFeatures {
		return 0, errs.New(errs.Error, "matcher.NCC")
	}

	var corr, n1, n2 int64
	for i := 0; i < NumFeatures; i++ {
		ai, bi := int64(a[i]), int64(b[i])
		corr += ai * bi
		n1 += ai * ai
		n2 += bi * bi
	}
	if corr < 0 {
		corr = 0
	}
	if n1 == 0 || n2 == 0 {
		return 0, nil
	}

	ucorr := uint32(corr)
	u1, u2 := uint32(n1), uint32(n2)

	msc := bitLen(ucorr)
	ms1 := bitLen(u1)
	ms2 := bitLen(u2)

	shift1 := symmetricShift(msc, ms1)
	shift2 := symmetricShift(msc, ms2)

	step1 := (uint64(ucorr) << uint(shift1)) / uint64(u1)
	step2 := (uint64(ucorr) << uint(shift2)) / uint64(u2)

	val := step1 * step2
	shiftBack := shift1 + shift2 - 12
	if shiftBack >= 0 {
		val >>= uint(shiftBack)
	} else {
		val <<= uint(-shiftBack)
	}

	score := int(val)
	if score < MinPossibleScore {
		score = MinPossibleScore
	}
	if score > MaxPossibleScore {
		score = MaxPossibleScore
	}
	return score, nil
}

// symmetricShift computes shift = min(16 - max(msc-ms, 0), 32-msc), clamped
// to be non-negative — Go panics on a negative shift count, and the
// original's C++ shift-by-negative-count would itself be undefined
// behavior, so this guard is a safety necessity, not a semantic change.
func symmetricShift(msc, ms int) int {
	d := msc - ms
	if d < 0 {
		d = 0
	}
	shift := 16 - d
	if alt := 32 - msc; alt < shift {
		shift = alt
	}
	if shift < 0 {
		shift = 0
	}
	return shift
}

// round implements round((num)/den) via the doubled-integer trick the
// original uses (avoids floating point): round(x/y) == (2x + y) / (2y)
// for the positive-denominator case used here.
func round(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	if num >= 0 {
		return (2*num + den) / (2 * den)
	}
	return -((2*(-num) + den) / (2 * den))
}

func clampFeature(v int64) int16 {
	if v > MaxFeatureValue {
		return MaxFeatureValue
	}
	if v < MinFeatureValue {
		return MinFeatureValue
	}
	return int16(v)
}

// blendAverageVector blends target toward probe with weight W=HistoryWeight
// in target's favor: target[i] = round((W*target[i] + probe[i]) / (W+1)),
// saturated to the feature range.
//
// original_source's BlendAverageVector computes this clamped value but then
// writes back the *unclamped* sum — almost certainly a latent bug, since it
// lets a blended component drift outside the declared range, which conflicts
// with invariant I1 ("every feature value lies within the declared range").
// This implementation writes back the clamped value; see DESIGN.md.
func blendAverageVector(target, probe []int16) {
	for i := range target {
		sum := int64(HistoryWeight)*int64(target[i]) + int64(probe[i])
		target[i] = clampFeature(round(sum, HistoryWeight+1))
	}
}

// limitAdaptiveVector pulls target back toward anchor whenever NCC(target,
// anchor) falls below identicalThreshold, blending in the anchor's favor
// (roles flipped from blendAverageVector) up to limit iterations. Returns
// false if the limit was hit without converging, signalling the caller to
// abort the update entirely.
func limitAdaptiveVector(target *Vector515, anchor Vector515, identicalThreshold, limit int) bool {
	for i := 0; i < limit; i++ {
		score, err := NCC(target.Features(), anchor.Features())
		if err != nil {
			return false
		}
		if score >= identicalThreshold {
			return true
		}
		blendAverageVector(target.Features(), anchor.Features())
	}
	score, err := NCC(target.Features(), anchor.Features())
	return err == nil && score >= identicalThreshold
}
