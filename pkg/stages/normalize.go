package stages

import (
	"context"
	"fmt"
	"sort"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// normalizationReference is the fixed intensity value each sample's
// summary statistic is rescaled to.
const normalizationReference = 1000.0

// NormalizationParams configures per-sample intensity rescaling.
type NormalizationParams struct {
	Method          string // median | mean | quantile
	ReferenceMethod string
}

// DefaultNormalizationParams returns the documented defaults.
func DefaultNormalizationParams() NormalizationParams {
	return NormalizationParams{Method: "median", ReferenceMethod: "fixed"}
}

func normalizationParams(params map[string]interface{}) NormalizationParams {
	def := DefaultNormalizationParams()
	return NormalizationParams{
		Method:          paramString(params, "method", def.Method),
		ReferenceMethod: paramString(params, "reference_method", def.ReferenceMethod),
	}
}

// Normalization rescales each document's current peak intensities so the
// per-sample summary statistic lands on a fixed reference value. The
// chosen factor is recorded on the document.
type Normalization struct{}

func (Normalization) Type() StepType { return StepNormalization }

func (Normalization) Run(ctx context.Context, docs []*model.SampleDocument, params map[string]interface{}) (*Output, error) {
	p := normalizationParams(params)
	switch p.Method {
	case "median", "mean", "quantile":
	default:
		return nil, errors.New(errors.CodeInvalidParameter, "unknown normalization method").
			WithContext("method", p.Method)
	}

	out := cloneDocs(docs)
	normalized := 0
	for _, d := range out {
		intensities := currentIntensities(d)
		if len(intensities) == 0 {
			d.NormalizationFactor = 1
			continue
		}

		stat := summaryStat(intensities, p.Method)
		if stat <= 0 {
			d.NormalizationFactor = 1
			continue
		}
		factor := normalizationReference / stat
		scaleDocument(d, factor)
		d.NormalizationFactor = factor
		normalized++
	}

	return &Output{
		Documents: out,
		Message:   fmt.Sprintf("Normalized %d samples using %s scaling", normalized, p.Method),
	}, nil
}

func currentIntensities(d *model.SampleDocument) []float64 {
	peaks := d.CurrentPeaks()
	out := make([]float64, 0, len(peaks))
	for _, pk := range peaks {
		if pk.Intensity > 0 {
			out = append(out, pk.Intensity)
		}
	}
	return out
}

// summaryStat computes the requested location statistic. "quantile"
// uses the upper quartile, a common choice for intensity data.
func summaryStat(values []float64, method string) float64 {
	switch method {
	case "mean":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case "quantile":
		return percentile(values, 0.75)
	default:
		return percentile(values, 0.5)
	}
}

func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}

// scaleDocument multiplies every populated peak list's intensities.
func scaleDocument(d *model.SampleDocument, factor float64) {
	for i := range d.AlignedPeaks {
		d.AlignedPeaks[i].Intensity *= factor
	}
	for i := range d.DetectedPeaks {
		d.DetectedPeaks[i].Intensity *= factor
	}
	if len(d.AlignedPeaks) == 0 && len(d.DetectedPeaks) == 0 {
		for si := range d.Spectra {
			for pi := range d.Spectra[si].Peaks {
				d.Spectra[si].Peaks[pi].Intensity *= factor
			}
		}
	}
}
