// Package model defines core data structures for MetaboFlow.
package model

import (
	"math"
	"sort"
)

// Peak is a single (m/z, intensity) point in a spectrum.
// JSON field names match the processing-service wire format.
type Peak struct {
	Mz        float64 `json:"mz"`
	Intensity float64 `json:"intensity"`
}

// Valid reports whether the peak is usable: positive m/z and
// non-negative intensity.
func (p Peak) Valid() bool {
	return p.Mz > 0 && p.Intensity >= 0
}

// Spectrum is one instrument scan.
type Spectrum struct {
	ID                string  `json:"id"`
	ScanNumber        int     `json:"scanNumber"`
	MSLevel           int     `json:"msLevel"`
	RetentionTime     float64 `json:"retentionTime"` // minutes
	BasePeakMz        float64 `json:"basePeakMz"`
	BasePeakIntensity float64 `json:"basePeakIntensity"`
	TotalIonCurrent   float64 `json:"totalIonCurrent"`
	Peaks             []Peak  `json:"peaks"`
}

// ComputeSummary fills BasePeakMz, BasePeakIntensity and TotalIonCurrent
// from the peak list when the source document did not declare them.
func (s *Spectrum) ComputeSummary() {
	if len(s.Peaks) == 0 {
		return
	}
	var tic, bpInt, bpMz float64
	for _, p := range s.Peaks {
		tic += p.Intensity
		if p.Intensity > bpInt {
			bpInt = p.Intensity
			bpMz = p.Mz
		}
	}
	if s.TotalIonCurrent == 0 {
		s.TotalIonCurrent = tic
	}
	if s.BasePeakIntensity == 0 {
		s.BasePeakIntensity = bpInt
		s.BasePeakMz = bpMz
	}
}

// Chromatogram is an intensity-over-time trace.
type Chromatogram struct {
	ID             string    `json:"id"`
	TimeArray      []float64 `json:"timeArray"`
	IntensityArray []float64 `json:"intensityArray"`
	PrecursorMz    float64   `json:"precursorMz,omitempty"`
}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ProcessingStatus tracks how far through a workflow a document has moved.
type ProcessingStatus string

const (
	StatusPending   ProcessingStatus = "pending"
	StatusCompleted ProcessingStatus = "completed"
)

// DetectedPeak is a peak that survived peak detection, tagged with its
// owning scan context and a signal-to-noise estimate.
type DetectedPeak struct {
	Mz            float64 `json:"mz"`
	Intensity     float64 `json:"intensity"`
	RetentionTime float64 `json:"retentionTime"`
	ScanNumber    int     `json:"scanNumber"`
	MSLevel       int     `json:"msLevel"`
	SNR           float64 `json:"snr"`
}

// AlignedPeak is a detected peak assigned to a cross-sample feature.
type AlignedPeak struct {
	DetectedPeak
	FeatureID  string  `json:"featureId"`
	Confidence float64 `json:"confidence"` // [0,1]
}

// Feature is a cross-sample peak group produced by alignment.
type Feature struct {
	ID            string  `json:"id"`
	Mz            float64 `json:"mz"`
	RetentionTime float64 `json:"rt"`
	IntensityMean float64 `json:"intensityMean"`
	IntensityStd  float64 `json:"intensityStd"`
	CV            float64 `json:"cv"`
	SampleCount   int     `json:"sampleCount"`
}

// CompoundMatch records one reference-table hit for a peak.
type CompoundMatch struct {
	PeakMz    float64 `json:"peakMz"`
	Name      string  `json:"name"`
	Formula   string  `json:"formula"`
	ExactMass float64 `json:"exactMass"`
	Adduct    string  `json:"adduct"`
	MassError float64 `json:"massError"` // Da, signed
	Score     float64 `json:"score"`     // [0,1]
}

// FeatureStat is the per-feature output of the statistics stage.
type FeatureStat struct {
	FeatureID       string  `json:"featureId"`
	Mz              float64 `json:"mz"`
	RetentionTime   float64 `json:"rt"`
	PValue          float64 `json:"pValue"`
	PValueCorrected float64 `json:"pValueCorrected"`
	TStatistic      float64 `json:"tStatistic"`
	FoldChange      float64 `json:"foldChange"`
	Log2FoldChange  float64 `json:"log2FoldChange"`
	Significant     bool    `json:"significant"`
	SignificantCorr bool    `json:"significantCorrected"`
	Group1Mean      float64 `json:"group1Mean"`
	Group2Mean      float64 `json:"group2Mean"`
}

// SampleDocument is one parsed instrument file plus any per-stage
// annotations attached during a workflow run. Stages never mutate their
// input document; they return a modified copy.
type SampleDocument struct {
	FileName        string         `json:"fileName"`
	InstrumentModel string         `json:"instrumentModel,omitempty"`
	Spectra         []Spectrum     `json:"spectra"`
	Chromatograms   []Chromatogram `json:"chromatograms"`

	TotalSpectra int     `json:"totalSpectra"`
	MSLevels     []int   `json:"msLevels"`
	ScanRange    Range   `json:"scanRange"`
	RTRange      Range   `json:"rtRange"`

	// Degraded marks a parse that produced no usable binary peak data.
	// Degraded documents are never silently interchangeable with real ones.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degradedReason,omitempty"`

	Status ProcessingStatus `json:"processingStatus,omitempty"`

	// Stage annotations. Nil until the producing stage has run.
	DetectedPeaks       []DetectedPeak  `json:"detectedPeaks,omitempty"`
	AlignedPeaks        []AlignedPeak   `json:"alignedPeaks,omitempty"`
	Features            []Feature       `json:"features,omitempty"`
	NormalizationFactor float64         `json:"normalizationFactor,omitempty"`
	IdentifiedCompounds []CompoundMatch `json:"identifiedCompounds,omitempty"`
	StatisticalResults  []FeatureStat   `json:"statisticalResults,omitempty"`
}

// Clone returns a deep copy of the document. Stages operate on clones so
// a failed stage's partial output can be discarded wholesale.
func (d *SampleDocument) Clone() *SampleDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.Spectra = append([]Spectrum(nil), d.Spectra...)
	for i := range out.Spectra {
		out.Spectra[i].Peaks = append([]Peak(nil), d.Spectra[i].Peaks...)
	}
	out.Chromatograms = append([]Chromatogram(nil), d.Chromatograms...)
	for i := range out.Chromatograms {
		out.Chromatograms[i].TimeArray = append([]float64(nil), d.Chromatograms[i].TimeArray...)
		out.Chromatograms[i].IntensityArray = append([]float64(nil), d.Chromatograms[i].IntensityArray...)
	}
	out.MSLevels = append([]int(nil), d.MSLevels...)
	out.DetectedPeaks = append([]DetectedPeak(nil), d.DetectedPeaks...)
	out.AlignedPeaks = append([]AlignedPeak(nil), d.AlignedPeaks...)
	out.Features = append([]Feature(nil), d.Features...)
	out.IdentifiedCompounds = append([]CompoundMatch(nil), d.IdentifiedCompounds...)
	out.StatisticalResults = append([]FeatureStat(nil), d.StatisticalResults...)
	return &out
}

// Normalize fills missing collections and defaults so every stage can
// rely on non-nil fields and sane scan metadata.
func (d *SampleDocument) Normalize() {
	if d.Spectra == nil {
		d.Spectra = []Spectrum{}
	}
	if d.Chromatograms == nil {
		d.Chromatograms = []Chromatogram{}
	}
	if d.MSLevels == nil {
		d.MSLevels = []int{}
	}
	for i := range d.Spectra {
		if d.Spectra[i].MSLevel < 1 {
			d.Spectra[i].MSLevel = 1
		}
		if d.Spectra[i].Peaks == nil {
			d.Spectra[i].Peaks = []Peak{}
		}
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
}

// ComputeAggregates derives TotalSpectra, MSLevels, ScanRange and RTRange
// from the current spectra. Called once at parse completion; downstream
// consumers that filter spectra must recompute themselves.
func (d *SampleDocument) ComputeAggregates() {
	d.TotalSpectra = len(d.Spectra)
	levels := map[int]struct{}{}
	scanMin, scanMax := math.Inf(1), math.Inf(-1)
	rtMin, rtMax := math.Inf(1), math.Inf(-1)
	for _, s := range d.Spectra {
		levels[s.MSLevel] = struct{}{}
		scanMin = math.Min(scanMin, float64(s.ScanNumber))
		scanMax = math.Max(scanMax, float64(s.ScanNumber))
		rtMin = math.Min(rtMin, s.RetentionTime)
		rtMax = math.Max(rtMax, s.RetentionTime)
	}
	d.MSLevels = d.MSLevels[:0]
	for l := range levels {
		d.MSLevels = append(d.MSLevels, l)
	}
	sort.Ints(d.MSLevels)
	if len(d.Spectra) > 0 {
		d.ScanRange = Range{Min: scanMin, Max: scanMax}
		d.RTRange = Range{Min: rtMin, Max: rtMax}
	} else {
		d.ScanRange = Range{}
		d.RTRange = Range{}
	}
}

// CurrentPeaks returns the most refined peak list available, by fixed
// precedence: aligned > detected > raw spectrum peaks.
func (d *SampleDocument) CurrentPeaks() []DetectedPeak {
	if len(d.AlignedPeaks) > 0 {
		out := make([]DetectedPeak, len(d.AlignedPeaks))
		for i, ap := range d.AlignedPeaks {
			out[i] = ap.DetectedPeak
		}
		return out
	}
	if len(d.DetectedPeaks) > 0 {
		return append([]DetectedPeak(nil), d.DetectedPeaks...)
	}
	var out []DetectedPeak
	for _, s := range d.Spectra {
		for _, p := range s.Peaks {
			out = append(out, DetectedPeak{
				Mz:            p.Mz,
				Intensity:     p.Intensity,
				RetentionTime: s.RetentionTime,
				ScanNumber:    s.ScanNumber,
				MSLevel:       s.MSLevel,
			})
		}
	}
	return out
}
