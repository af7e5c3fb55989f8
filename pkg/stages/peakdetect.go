package stages

import (
	"context"
	"fmt"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// PeakDetectionParams configures peak detection.
type PeakDetectionParams struct {
	NoiseThreshold float64
	MinPeakWidth   float64
	MaxPeakWidth   float64
}

// DefaultPeakDetectionParams returns the documented defaults.
func DefaultPeakDetectionParams() PeakDetectionParams {
	return PeakDetectionParams{
		NoiseThreshold: 1000,
		MinPeakWidth:   0.1,
		MaxPeakWidth:   2.0,
	}
}

func peakDetectionParams(params map[string]interface{}) PeakDetectionParams {
	def := DefaultPeakDetectionParams()
	return PeakDetectionParams{
		NoiseThreshold: paramFloat(params, "noise_threshold", def.NoiseThreshold),
		MinPeakWidth:   paramFloat(params, "min_peak_width", def.MinPeakWidth),
		MaxPeakWidth:   paramFloat(params, "max_peak_width", def.MaxPeakWidth),
	}
}

// PeakDetection filters spectrum peaks above the noise threshold and
// attaches them to the document as detected peaks, tagged with their
// owning retention time and a signal-to-noise estimate.
type PeakDetection struct{}

func (PeakDetection) Type() StepType { return StepPeakDetection }

func (PeakDetection) Run(ctx context.Context, docs []*model.SampleDocument, params map[string]interface{}) (*Output, error) {
	p := peakDetectionParams(params)
	if p.NoiseThreshold <= 0 {
		return nil, errors.New(errors.CodeInvalidParameter, "noise_threshold must be positive").
			WithContext("noise_threshold", p.NoiseThreshold)
	}

	hasInput := false
	for _, d := range docs {
		for _, s := range d.Spectra {
			if len(s.Peaks) > 0 {
				hasInput = true
				break
			}
		}
	}
	if !hasInput {
		return nil, errors.InsufficientData(string(StepPeakDetection), "no spectra with peaks in input")
	}

	out := cloneDocs(docs)
	total := 0
	for _, d := range out {
		detected := make([]model.DetectedPeak, 0)
		for _, s := range d.Spectra {
			for _, pk := range s.Peaks {
				if pk.Intensity <= p.NoiseThreshold {
					continue
				}
				detected = append(detected, model.DetectedPeak{
					Mz:            pk.Mz,
					Intensity:     pk.Intensity,
					RetentionTime: s.RetentionTime,
					ScanNumber:    s.ScanNumber,
					MSLevel:       s.MSLevel,
					SNR:           pk.Intensity / p.NoiseThreshold,
				})
			}
		}
		d.DetectedPeaks = detected
		total += len(detected)
	}

	return &Output{
		Documents: out,
		Message:   fmt.Sprintf("Detected %d peaks across %d samples", total, len(out)),
		Counts:    map[string]int{CountPeaksDetected: total},
	}, nil
}
