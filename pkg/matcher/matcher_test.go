package matcher

import "testing"

func repeat(v int16, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNCCReflexiveAndMirror(t *testing.T) {
	v := repeat(100, NumFeatures)
	score, err := NCC(v, v)
	if err != nil {
		t.Fatal(err)
	}
	if score != MaxPossibleScore {
		t.Errorf("NCC(v, v) = %d, want %d", score, MaxPossibleScore)
	}

	neg := make([]int16, NumFeatures)
	for i := range neg {
		neg[i] = -100
	}
	score, err = NCC(v, neg)
	if err != nil {
		t.Fatal(err)
	}
	if score != 0 {
		t.Errorf("NCC(v, -v) = %d, want 0", score)
	}
}

func TestNCCSymmetric(t *testing.T) {
	a := repeat(50, NumFeatures)
	b := make([]int16, NumFeatures)
	for i := range b {
		b[i] = int16(i % 200)
	}
	s1, err := NCC(a, b)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NCC(b, a)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Errorf("NCC not symmetric: %d vs %d", s1, s2)
	}
}

func TestNCCRange(t *testing.T) {
	a := make([]int16, NumFeatures)
	b := make([]int16, NumFeatures)
	for i := range a {
		a[i] = int16((i*37)%2047 - 1023)
		b[i] = int16((i*53)%2047 - 1023)
	}
	score, err := NCC(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if score < MinPossibleScore || score > MaxPossibleScore {
		t.Errorf("NCC out of range: %d", score)
	}
}

func newFaceprints(val int16) *Faceprints {
	fp := &Faceprints{Version: FaceprintsVersion, FeaturesType: FeaturesW10}
	copy(fp.EnrollmentDescriptor.Features(), repeat(val, NumFeatures))
	copy(fp.AdaptiveWithoutMask.Features(), repeat(val, NumFeatures))
	return fp
}

// S1: enroll then authenticate with the identical vector must be an exact,
// non-updating match.
func TestScenarioS1IdenticalMatch(t *testing.T) {
	gallery := newFaceprints(100)
	probe := MatchElement{Version: FaceprintsVersion, FeaturesType: FeaturesW10}
	copy(probe.Vector.Features(), repeat(100, NumFeatures))

	res, err := MatchOne(probe, gallery, ConfidenceHigh)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSame || res.Score != MaxPossibleScore {
		t.Fatalf("want IsSame=true, Score=4096; got %+v", res)
	}
	if res.ShouldUpdate {
		t.Fatalf("score >= identical threshold should not trigger update: %+v", res)
	}
}

// S2: a near-identical probe should trigger an adaptive update without the
// anchor-drift limiter engaging, and the blended value should follow the
// documented rounding formula.
func TestScenarioS2AdaptiveUpdate(t *testing.T) {
	gallery := newFaceprints(100)
	probe := MatchElement{Version: FaceprintsVersion, FeaturesType: FeaturesW10}
	copy(probe.Vector.Features(), repeat(100, NumFeatures))
	probe.Vector[NumFeatures-1] = 90

	thr := thresholdsFor(ConfidenceHigh, ConfigNoMaskNoMask)
	res, err := MatchOne(probe, gallery, ConfidenceHigh)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score <= thr.Update || res.Score >= thr.Identical {
		t.Fatalf("expected score in (update, identical), got %d (update=%d identical=%d)", res.Score, thr.Update, thr.Identical)
	}
	if !res.ShouldUpdate {
		t.Fatalf("expected ShouldUpdate=true, got %+v", res)
	}
	want := int16(round(30*100+90, 31))
	if got := gallery.AdaptiveWithoutMask[NumFeatures-1]; got != want {
		t.Errorf("blended value = %d, want %d", got, want)
	}
}

// S3: a first mask-vector write copies the probe verbatim and flags it
// ValidWithMask.
func TestScenarioS3MaskFirstWrite(t *testing.T) {
	gallery := newFaceprints(100)
	if gallery.AdaptiveWithMask.Flag() != VecFlagNotSet {
		t.Fatal("fixture precondition: mask flag should start NotSet")
	}

	probe := MatchElement{Version: FaceprintsVersion, FeaturesType: FeaturesW10}
	copy(probe.Vector.Features(), repeat(100, NumFeatures))
	probe.Vector.SetFlag(VecFlagValidWithMask)

	res, err := MatchOne(probe, gallery, ConfidenceHigh)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSame {
		t.Fatalf("expected strong match against no-mask gallery, got %+v", res)
	}
	if gallery.AdaptiveWithMask.Flag() != VecFlagValidWithMask {
		t.Fatalf("expected mask flag ValidWithMask after first write, got %v", gallery.AdaptiveWithMask.Flag())
	}
	for i, v := range gallery.AdaptiveWithMask.Features() {
		if v != 100 {
			t.Fatalf("adaptive-with-mask[%d] = %d, want 100 (verbatim probe copy)", i, v)
		}
	}
}

func TestMatchArrayRejectsEmptyGallery(t *testing.T) {
	probe := MatchElement{Version: FaceprintsVersion}
	if _, _, err := MatchArray(probe, nil, ConfidenceHigh); err == nil {
		t.Fatal("expected error for empty gallery")
	}
}

func TestMatchArrayAtRejectsOutOfRange(t *testing.T) {
	gallery := []*Faceprints{newFaceprints(100)}
	probe := MatchElement{Version: FaceprintsVersion}
	if _, err := MatchArrayAt(probe, gallery, 5, ConfidenceHigh); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	gallery := newFaceprints(100)
	gallery.Version = FaceprintsVersion + 1
	probe := MatchElement{Version: FaceprintsVersion}
	if _, err := MatchOne(probe, gallery, ConfidenceHigh); err == nil {
		t.Fatal("expected VersionMismatch error")
	}
}
