package matcher

import "github.com/visionplatform/hostcore/pkg/errs"

// Result is the outcome of matching one probe against one gallery template.
type Result struct {
	Score        int
	Confidence   int
	IsSame       bool
	ShouldUpdate bool
}

// MatchOne matches probe against gallery at the given confidence level,
// applying the adaptive update in place on gallery when ShouldUpdate ends
// up true. Returns an error (VersionMismatch, invariant I2) if the probe
// and gallery versions differ, or Error if either vector fails range
// validation (invariant I1).
func MatchOne(probe MatchElement, gallery *Faceprints, level ConfidenceLevel) (Result, error) {
	if probe.Version != gallery.Version {
		return Result{}, errs.New(errs.VersionMismatch, "matcher.MatchOne")
	}
	if !ValidateVector(probe.Vector) {
		return Result{}, errs.New(errs.Error, "matcher.MatchOne")
	}

	probeMasked := probe.Vector.Flag() == VecFlagValidWithMask

	// RGB-enrollment special case (spec.md §4.8): a gallery enrolled from a
	// still RGB image is replaced wholesale by the first strong, unmasked
	// W10 probe that matches it.
	if gallery.FeaturesType == FeaturesRGB && probe.FeaturesType == FeaturesW10 {
		return matchAgainstRGBEnrolled(probe, gallery, level, probeMasked)
	}

	if !probeMasked {
		return matchNoMaskProbe(probe, gallery, level)
	}
	return matchMaskedProbe(probe, gallery, level)
}

func matchAgainstRGBEnrolled(probe MatchElement, gallery *Faceprints, level ConfidenceLevel, probeMasked bool) (Result, error) {
	if probeMasked {
		// "If the probe has a mask in this case, set is_same = false."
		score, err := NCC(probe.Vector.Features(), gallery.AdaptiveWithoutMask.Features())
		if err != nil {
			return Result{}, err
		}
		return Result{Score: score, Confidence: 0, IsSame: false, ShouldUpdate: false}, nil
	}

	if !ValidateVector(gallery.AdaptiveWithoutMask) {
		return Result{}, errs.New(errs.Error, "matcher.MatchOne")
	}
	score, err := NCC(probe.Vector.Features(), gallery.AdaptiveWithoutMask.Features())
	if err != nil {
		return Result{}, err
	}
	thr := thresholdsFor(level, ConfigNoMaskNoMask)
	rgbStrong := strongRGBEnrollTable[level]
	isSame := score > rgbStrong

	if isSame {
		copy(gallery.AdaptiveWithoutMask.Features(), probe.Vector.Features())
		copy(gallery.EnrollmentDescriptor.Features(), probe.Vector.Features())
		gallery.AdaptiveWithMask.SetFlag(VecFlagNotSet)
		gallery.FeaturesType = FeaturesW10
	}
	return Result{Score: score, Confidence: Confidence(score, thr), IsSame: isSame, ShouldUpdate: isSame}, nil
}

func matchNoMaskProbe(probe MatchElement, gallery *Faceprints, level ConfidenceLevel) (Result, error) {
	if !ValidateVector(gallery.AdaptiveWithoutMask) {
		return Result{}, errs.New(errs.Error, "matcher.MatchOne")
	}
	thr := thresholdsFor(level, ConfigNoMaskNoMask)
	score, err := NCC(probe.Vector.Features(), gallery.AdaptiveWithoutMask.Features())
	if err != nil {
		return Result{}, err
	}
	isSame := score > thr.Strong
	// A probe already at or above Identical adds nothing to the adaptive
	// vector, so only scores in [Update, Identical) trigger an update.
	shouldUpdate := isSame && score >= thr.Update && score < thr.Identical
	res := Result{Score: score, Confidence: Confidence(score, thr), IsSame: isSame, ShouldUpdate: shouldUpdate}

	if shouldUpdate {
		anchor := gallery.EnrollmentDescriptor
		blendAverageVector(gallery.AdaptiveWithoutMask.Features(), probe.Vector.Features())
		if !limitAdaptiveVector(&gallery.AdaptiveWithoutMask, anchor, thr.Identical, LimitNoMask) {
			res.ShouldUpdate = false
		}
	}
	return res, nil
}

func matchMaskedProbe(probe MatchElement, gallery *Faceprints, level ConfidenceLevel) (Result, error) {
	maskValid := gallery.AdaptiveWithMask.Flag() == VecFlagValidWithMask

	var cfg MaskConfig
	var galleryVec Vector515
	if maskValid {
		cfg = ConfigMaskMask
		galleryVec = gallery.AdaptiveWithMask
	} else {
		cfg = ConfigMaskNoMaskOnly
		galleryVec = gallery.AdaptiveWithoutMask
	}
	if !ValidateVector(galleryVec) {
		return Result{}, errs.New(errs.Error, "matcher.MatchOne")
	}

	thr := thresholdsFor(level, cfg)
	score, err := NCC(probe.Vector.Features(), galleryVec.Features())
	if err != nil {
		return Result{}, err
	}
	isSame := score > thr.Strong
	shouldUpdate := isSame && score >= thr.Update
	res := Result{Score: score, Confidence: Confidence(score, thr), IsSame: isSame, ShouldUpdate: shouldUpdate}

	if !shouldUpdate {
		return res, nil
	}

	anchor := gallery.AdaptiveWithoutMask
	if !maskValid {
		// First write: copy the probe in verbatim and flag it valid before
		// the limiter runs, per spec.md §4.8.
		copy(gallery.AdaptiveWithMask.Features(), probe.Vector.Features())
		gallery.AdaptiveWithMask.SetFlag(VecFlagValidWithMask)
	} else {
		blendAverageVector(gallery.AdaptiveWithMask.Features(), probe.Vector.Features())
	}
	if !limitAdaptiveVector(&gallery.AdaptiveWithMask, anchor, thr.Identical, LimitMask) {
		res.ShouldUpdate = false
	}
	return res, nil
}

// MatchArray scores probe against every gallery template, picks the
// maximum-scoring index, then applies the single-template rules against
// that gallery. idx is -1 if gallery is empty.
func MatchArray(probe MatchElement, gallery []*Faceprints, level ConfidenceLevel) (Result, int, error) {
	if len(gallery) == 0 {
		return Result{}, -1, errs.New(errs.Error, "matcher.MatchArray")
	}

	bestIdx := -1
	bestScore := -1 // so a genuine 0 score can still win, matching the original's maxScore init
	for i, g := range gallery {
		vec := selectGalleryVector(probe, g)
		if !ValidateVector(vec) {
			continue
		}
		score, err := NCC(probe.Vector.Features(), vec.Features())
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return Result{}, -1, errs.New(errs.Error, "matcher.MatchArray")
	}

	res, err := MatchOne(probe, gallery[bestIdx], level)
	return res, bestIdx, err
}

func selectGalleryVector(probe MatchElement, gallery *Faceprints) Vector515 {
	if probe.Vector.Flag() == VecFlagValidWithMask && gallery.AdaptiveWithMask.Flag() == VecFlagValidWithMask {
		return gallery.AdaptiveWithMask
	}
	return gallery.AdaptiveWithoutMask
}

// MatchArrayAt matches probe against gallery[idx] specifically, rejecting
// idx outside [0, len(gallery)).
func MatchArrayAt(probe MatchElement, gallery []*Faceprints, idx int, level ConfidenceLevel) (Result, error) {
	if idx < 0 || idx >= len(gallery) {
		return Result{}, errs.New(errs.Error, "matcher.MatchArrayAt")
	}
	return MatchOne(probe, gallery[idx], level)
}
