package stages

import (
	"context"
	"fmt"

	"github.com/metaboflow/metaboflow/internal/model"
)

// snrFloor is the fixed signal-to-noise floor; peaks at or below it are
// removed regardless of min_intensity.
const snrFloor = 2.0

// FilteringParams configures peak filtering.
type FilteringParams struct {
	MinIntensity float64
	CVThreshold  float64
}

// DefaultFilteringParams returns the documented defaults.
func DefaultFilteringParams() FilteringParams {
	return FilteringParams{MinIntensity: 500, CVThreshold: 0.3}
}

func filteringParams(params map[string]interface{}) FilteringParams {
	def := DefaultFilteringParams()
	return FilteringParams{
		MinIntensity: paramFloat(params, "min_intensity", def.MinIntensity),
		CVThreshold:  paramFloat(params, "cv_threshold", def.CVThreshold),
	}
}

// Filtering removes weak peaks from the most recently populated peak
// list, by fixed precedence: aligned > detected > raw spectrum peaks.
type Filtering struct{}

func (Filtering) Type() StepType { return StepFiltering }

func (Filtering) Run(ctx context.Context, docs []*model.SampleDocument, params map[string]interface{}) (*Output, error) {
	p := filteringParams(params)

	out := cloneDocs(docs)
	removed := 0
	for _, d := range out {
		switch {
		case len(d.AlignedPeaks) > 0:
			kept := d.AlignedPeaks[:0]
			for _, ap := range d.AlignedPeaks {
				if keepPeak(ap.Intensity, ap.SNR, p) {
					kept = append(kept, ap)
				} else {
					removed++
				}
			}
			d.AlignedPeaks = kept
		case len(d.DetectedPeaks) > 0:
			kept := d.DetectedPeaks[:0]
			for _, dp := range d.DetectedPeaks {
				if keepPeak(dp.Intensity, dp.SNR, p) {
					kept = append(kept, dp)
				} else {
					removed++
				}
			}
			d.DetectedPeaks = kept
		default:
			// No annotations yet: filter the raw spectrum peaks into a
			// detected-peak list so downstream stages see the result.
			var kept []model.DetectedPeak
			for _, dp := range d.CurrentPeaks() {
				if keepPeak(dp.Intensity, dp.SNR, p) {
					kept = append(kept, dp)
				} else {
					removed++
				}
			}
			if kept == nil {
				kept = []model.DetectedPeak{}
			}
			d.DetectedPeaks = kept
		}
	}

	return &Output{
		Documents: out,
		Message:   fmt.Sprintf("Filtered out %d low-quality peaks", removed),
		Counts:    map[string]int{CountPeaksFiltered: removed},
	}, nil
}

// keepPeak applies the intensity floor and, where an estimate exists,
// the fixed signal-to-noise floor.
func keepPeak(intensity, snr float64, p FilteringParams) bool {
	if intensity < p.MinIntensity {
		return false
	}
	if snr > 0 && snr <= snrFloor {
		return false
	}
	return true
}
