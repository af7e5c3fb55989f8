package stages

import (
	"context"
	"math"
	"testing"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

func sampleDoc(name string, rt float64, peaks ...model.Peak) *model.SampleDocument {
	doc := &model.SampleDocument{
		FileName: name,
		Spectra: []model.Spectrum{
			{ID: "scan=1", ScanNumber: 1, MSLevel: 1, RetentionTime: rt, Peaks: peaks},
		},
	}
	doc.Normalize()
	doc.ComputeAggregates()
	return doc
}

func TestPeakDetectionThreshold(t *testing.T) {
	doc := sampleDoc("a.mzML", 1.0,
		model.Peak{Mz: 180.063, Intensity: 1500},
		model.Peak{Mz: 181.07, Intensity: 50},
	)

	out, err := (PeakDetection{}).Run(context.Background(), []*model.SampleDocument{doc},
		map[string]interface{}{"noise_threshold": 1000.0})
	if err != nil {
		t.Fatalf("peak detection failed: %v", err)
	}

	d := out.Documents[0]
	if len(d.DetectedPeaks) != 1 {
		t.Fatalf("got %d detected peaks, want 1", len(d.DetectedPeaks))
	}
	dp := d.DetectedPeaks[0]
	if dp.Mz != 180.063 || dp.Intensity != 1500 {
		t.Errorf("detected peak = %+v", dp)
	}
	if dp.RetentionTime != 1.0 {
		t.Errorf("retention time not carried: %v", dp.RetentionTime)
	}
	if math.Abs(dp.SNR-1.5) > 1e-9 {
		t.Errorf("SNR = %v, want 1.5", dp.SNR)
	}
	if out.Counts[CountPeaksDetected] != 1 {
		t.Errorf("peaksDetected = %d, want 1", out.Counts[CountPeaksDetected])
	}

	// Input document untouched.
	if doc.DetectedPeaks != nil {
		t.Error("stage mutated its input document")
	}
}

func TestPeakDetectionInsufficientData(t *testing.T) {
	doc := sampleDoc("empty.mzML", 0)
	_, err := (PeakDetection{}).Run(context.Background(), []*model.SampleDocument{doc}, nil)
	if !errors.IsCode(err, errors.CodeInsufficientData) {
		t.Errorf("error = %v, want InsufficientData", err)
	}
}

func TestPeakDetectionRejectsNonPositiveThreshold(t *testing.T) {
	doc := sampleDoc("a.mzML", 1.0, model.Peak{Mz: 180.063, Intensity: 1500})
	for _, threshold := range []float64{0, -100} {
		_, err := (PeakDetection{}).Run(context.Background(), []*model.SampleDocument{doc},
			map[string]interface{}{"noise_threshold": threshold})
		if !errors.IsCode(err, errors.CodeInvalidParameter) {
			t.Errorf("noise_threshold=%v: error = %v, want InvalidParameter", threshold, err)
		}
	}
}

func TestAlignmentRequiresDetection(t *testing.T) {
	doc := sampleDoc("a.mzML", 1.0, model.Peak{Mz: 100, Intensity: 5000})
	_, err := (Alignment{}).Run(context.Background(), []*model.SampleDocument{doc}, nil)
	if !errors.IsCode(err, errors.CodePrerequisiteNotMet) {
		t.Errorf("error = %v, want PrerequisiteNotMet", err)
	}
}

func detectedDoc(name string, peaks ...model.DetectedPeak) *model.SampleDocument {
	doc := sampleDoc(name, 1.0)
	doc.DetectedPeaks = peaks
	return doc
}

func TestAlignmentGroupsAcrossSamples(t *testing.T) {
	a := detectedDoc("a.mzML",
		model.DetectedPeak{Mz: 180.063, Intensity: 1000, RetentionTime: 1.0, SNR: 5},
		model.DetectedPeak{Mz: 300.000, Intensity: 800, RetentionTime: 5.0, SNR: 4},
	)
	b := detectedDoc("b.mzML",
		model.DetectedPeak{Mz: 180.065, Intensity: 1200, RetentionTime: 1.1, SNR: 6},
	)

	out, err := (Alignment{}).Run(context.Background(), []*model.SampleDocument{a, b},
		map[string]interface{}{"mz_tolerance": 0.01, "rt_tolerance": 0.5})
	if err != nil {
		t.Fatalf("alignment failed: %v", err)
	}
	if out.Counts[CountAlignedFeatures] != 1 {
		t.Fatalf("alignedFeatures = %d, want 1 (the 300.0 peak has no partner)",
			out.Counts[CountAlignedFeatures])
	}

	for _, d := range out.Documents {
		if len(d.AlignedPeaks) != 1 {
			t.Fatalf("%s has %d aligned peaks, want 1", d.FileName, len(d.AlignedPeaks))
		}
		ap := d.AlignedPeaks[0]
		if ap.FeatureID == "" {
			t.Error("aligned peak missing feature id")
		}
		if ap.Confidence < 0 || ap.Confidence > 1 {
			t.Errorf("confidence %v outside [0,1]", ap.Confidence)
		}
	}

	f := out.Documents[0].Features[0]
	if f.SampleCount != 2 {
		t.Errorf("SampleCount = %d, want 2", f.SampleCount)
	}
	if math.Abs(f.Mz-180.064) > 1e-9 {
		t.Errorf("feature centroid mz = %v", f.Mz)
	}
}

func TestAlignmentFeatureIDsDistinct(t *testing.T) {
	// Two groups with identical sizes and centroids still get distinct ids.
	a := detectedDoc("a.mzML",
		model.DetectedPeak{Mz: 180.063, Intensity: 1000, RetentionTime: 1.0},
		model.DetectedPeak{Mz: 180.063, Intensity: 900, RetentionTime: 10.0},
	)
	out, err := (Alignment{}).Run(context.Background(), []*model.SampleDocument{a}, nil)
	if err != nil {
		t.Fatalf("alignment failed: %v", err)
	}
	features := out.Documents[0].Features
	if len(features) != 2 {
		t.Fatalf("got %d features, want 2", len(features))
	}
	if features[0].ID == features[1].ID {
		t.Errorf("feature ids collide: %q", features[0].ID)
	}
	for _, f := range features {
		if f.ID == "" {
			t.Error("feature missing id")
		}
	}
}

func TestAlignmentSingleSampleKeepsSingletons(t *testing.T) {
	a := detectedDoc("only.mzML",
		model.DetectedPeak{Mz: 100, Intensity: 1000, RetentionTime: 1.0},
	)
	out, err := (Alignment{}).Run(context.Background(), []*model.SampleDocument{a}, nil)
	if err != nil {
		t.Fatalf("alignment failed: %v", err)
	}
	if out.Counts[CountAlignedFeatures] != 1 {
		t.Errorf("alignedFeatures = %d, want 1", out.Counts[CountAlignedFeatures])
	}
}

func TestFilteringPrecedence(t *testing.T) {
	// With detected peaks present, filtering operates on them.
	doc := detectedDoc("a.mzML",
		model.DetectedPeak{Mz: 100, Intensity: 2000, SNR: 5},
		model.DetectedPeak{Mz: 101, Intensity: 100, SNR: 5},    // below min_intensity
		model.DetectedPeak{Mz: 102, Intensity: 2000, SNR: 1.5}, // below SNR floor
	)

	out, err := (Filtering{}).Run(context.Background(), []*model.SampleDocument{doc},
		map[string]interface{}{"min_intensity": 500.0})
	if err != nil {
		t.Fatalf("filtering failed: %v", err)
	}
	d := out.Documents[0]
	if len(d.DetectedPeaks) != 1 || d.DetectedPeaks[0].Mz != 100 {
		t.Errorf("filtered peaks = %+v", d.DetectedPeaks)
	}
	if out.Counts[CountPeaksFiltered] != 2 {
		t.Errorf("peaksFiltered = %d, want 2", out.Counts[CountPeaksFiltered])
	}
}

func TestFilteringRawFallback(t *testing.T) {
	doc := sampleDoc("raw.mzML", 1.0,
		model.Peak{Mz: 100, Intensity: 900},
		model.Peak{Mz: 101, Intensity: 100},
	)
	out, err := (Filtering{}).Run(context.Background(), []*model.SampleDocument{doc},
		map[string]interface{}{"min_intensity": 500.0})
	if err != nil {
		t.Fatalf("filtering failed: %v", err)
	}
	d := out.Documents[0]
	if len(d.DetectedPeaks) != 1 || d.DetectedPeaks[0].Mz != 100 {
		t.Errorf("filtered raw peaks = %+v", d.DetectedPeaks)
	}
}

func TestNormalizationMedian(t *testing.T) {
	doc := detectedDoc("a.mzML",
		model.DetectedPeak{Mz: 100, Intensity: 100},
		model.DetectedPeak{Mz: 101, Intensity: 200},
		model.DetectedPeak{Mz: 102, Intensity: 300},
	)

	out, err := (Normalization{}).Run(context.Background(), []*model.SampleDocument{doc},
		map[string]interface{}{"method": "median"})
	if err != nil {
		t.Fatalf("normalization failed: %v", err)
	}
	d := out.Documents[0]
	// Median 200 rescaled to the fixed reference 1000: factor 5.
	if math.Abs(d.NormalizationFactor-5) > 1e-9 {
		t.Errorf("factor = %v, want 5", d.NormalizationFactor)
	}
	if math.Abs(d.DetectedPeaks[1].Intensity-1000) > 1e-9 {
		t.Errorf("median peak intensity = %v, want 1000", d.DetectedPeaks[1].Intensity)
	}
}

func TestNormalizationRejectsUnknownMethod(t *testing.T) {
	doc := detectedDoc("a.mzML", model.DetectedPeak{Mz: 100, Intensity: 100})
	_, err := (Normalization{}).Run(context.Background(), []*model.SampleDocument{doc},
		map[string]interface{}{"method": "zscore"})
	if !errors.IsCode(err, errors.CodeInvalidParameter) {
		t.Errorf("error = %v, want InvalidParameter", err)
	}
}

func TestIdentificationMatchesCompounds(t *testing.T) {
	doc := detectedDoc("a.mzML",
		model.DetectedPeak{Mz: 180.0634, Intensity: 5000}, // glucose/fructose, M adduct
		model.DetectedPeak{Mz: 999.9999, Intensity: 5000}, // no match
	)

	out, err := (Identification{}).Run(context.Background(), []*model.SampleDocument{doc},
		map[string]interface{}{"mass_tolerance": 0.005})
	if err != nil {
		t.Fatalf("identification failed: %v", err)
	}
	d := out.Documents[0]
	// Glucose and fructose share the exact mass: both recorded.
	if len(d.IdentifiedCompounds) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(d.IdentifiedCompounds), d.IdentifiedCompounds)
	}
	for _, m := range d.IdentifiedCompounds {
		if m.Score < 0.99 {
			t.Errorf("exact-mass match scored %v", m.Score)
		}
		if m.Adduct != "M" {
			t.Errorf("adduct = %q, want M", m.Adduct)
		}
	}
	if out.Counts[CountCompoundsIdentified] != 2 {
		t.Errorf("compoundsIdentified = %d, want 2", out.Counts[CountCompoundsIdentified])
	}
}

func TestStatisticsTwoGroups(t *testing.T) {
	mk := func(name string, intensity float64) *model.SampleDocument {
		d := sampleDoc(name, 1.0)
		d.AlignedPeaks = []model.AlignedPeak{{
			DetectedPeak: model.DetectedPeak{Mz: 180.06, Intensity: intensity, RetentionTime: 1.0},
			FeatureID:    "feature_1",
			Confidence:   1,
		}}
		return d
	}
	docs := []*model.SampleDocument{
		mk("a1.mzML", 100), mk("a2.mzML", 110),
		mk("b1.mzML", 1000), mk("b2.mzML", 1100),
	}

	out, err := (Statistics{}).Run(context.Background(), docs,
		map[string]interface{}{"test_type": "t_test", "p_value_threshold": 0.05})
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	res := out.Documents[0].StatisticalResults
	if len(res) != 1 {
		t.Fatalf("got %d feature stats, want 1", len(res))
	}
	r := res[0]
	if r.Group1Mean != 105 || r.Group2Mean != 1050 {
		t.Errorf("group means = %v, %v", r.Group1Mean, r.Group2Mean)
	}
	if math.Abs(r.FoldChange-10) > 1e-9 {
		t.Errorf("fold change = %v, want 10", r.FoldChange)
	}
	if r.PValueCorrected < r.PValue {
		t.Errorf("corrected p %v below raw p %v", r.PValueCorrected, r.PValue)
	}
}

func TestStatisticsRequiresAlignment(t *testing.T) {
	doc := detectedDoc("a.mzML", model.DetectedPeak{Mz: 100, Intensity: 100})
	_, err := (Statistics{}).Run(context.Background(), []*model.SampleDocument{doc}, nil)
	if !errors.IsCode(err, errors.CodePrerequisiteNotMet) {
		t.Errorf("error = %v, want PrerequisiteNotMet", err)
	}
}

func TestForTypeCoversAllSteps(t *testing.T) {
	for _, st := range StepTypes() {
		stage, err := ForType(st)
		if err != nil {
			t.Fatalf("ForType(%s): %v", st, err)
		}
		if stage.Type() != st {
			t.Errorf("stage type mismatch: %s vs %s", stage.Type(), st)
		}
	}
	if _, err := ForType("bogus"); err == nil {
		t.Error("expected error for unknown step type")
	}
}

func TestBenjaminiHochbergMonotone(t *testing.T) {
	results := []model.FeatureStat{
		{FeatureID: "f1", PValue: 0.01},
		{FeatureID: "f2", PValue: 0.04},
		{FeatureID: "f3", PValue: 0.9},
	}
	benjaminiHochberg(results, 0.05)
	if results[0].PValueCorrected > results[1].PValueCorrected {
		t.Errorf("corrected p-values not monotone: %v > %v",
			results[0].PValueCorrected, results[1].PValueCorrected)
	}
	if results[2].SignificantCorr {
		t.Error("p=0.9 flagged significant")
	}
}
