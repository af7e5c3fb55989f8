package stages

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// AlignmentParams configures cross-sample peak alignment.
type AlignmentParams struct {
	MzTolerance float64 // absolute, Da
	RTTolerance float64 // minutes
}

// DefaultAlignmentParams returns the documented defaults.
func DefaultAlignmentParams() AlignmentParams {
	return AlignmentParams{MzTolerance: 0.01, RTTolerance: 0.5}
}

func alignmentParams(params map[string]interface{}) AlignmentParams {
	def := DefaultAlignmentParams()
	return AlignmentParams{
		MzTolerance: paramFloat(params, "mz_tolerance", def.MzTolerance),
		RTTolerance: paramFloat(params, "rt_tolerance", def.RTTolerance),
	}
}

// samplePeak tracks a detected peak with its owning sample.
type samplePeak struct {
	model.DetectedPeak
	sample string
}

// Alignment groups detected peaks across samples into features within
// m/z and retention-time tolerance. Requires peak detection output.
type Alignment struct{}

func (Alignment) Type() StepType { return StepAlignment }

func (Alignment) Run(ctx context.Context, docs []*model.SampleDocument, params map[string]interface{}) (*Output, error) {
	p := alignmentParams(params)

	hasDetected := false
	for _, d := range docs {
		if len(d.DetectedPeaks) > 0 {
			hasDetected = true
			break
		}
	}
	if !hasDetected {
		return nil, errors.PrerequisiteNotMet(string(StepAlignment), "peak detection")
	}

	var all []samplePeak
	for _, d := range docs {
		for _, dp := range d.DetectedPeaks {
			all = append(all, samplePeak{DetectedPeak: dp, sample: d.FileName})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Mz < all[j].Mz })

	// With a single sample, singleton groups stay useful; across
	// multiple samples a feature needs members from at least two.
	minMembers := 2
	if len(docs) < 2 {
		minMembers = 1
	}

	groups := groupByTolerance(all, p.MzTolerance, p.RTTolerance, minMembers)

	features := make([]model.Feature, 0, len(groups))
	perSample := make(map[string][]model.AlignedPeak)
	for _, g := range groups {
		f := summarizeGroup(g)
		features = append(features, f)
		// Per sample, keep the most intense member as its aligned peak.
		best := map[string]samplePeak{}
		for _, sp := range g {
			if cur, ok := best[sp.sample]; !ok || sp.Intensity > cur.Intensity {
				best[sp.sample] = sp
			}
		}
		for sample, sp := range best {
			perSample[sample] = append(perSample[sample], model.AlignedPeak{
				DetectedPeak: sp.DetectedPeak,
				FeatureID:    f.ID,
				Confidence:   alignmentConfidence(sp, f, p),
			})
		}
	}

	out := cloneDocs(docs)
	for _, d := range out {
		d.AlignedPeaks = perSample[d.FileName]
		if d.AlignedPeaks == nil {
			d.AlignedPeaks = []model.AlignedPeak{}
		}
		d.Features = features
	}

	return &Output{
		Documents: out,
		Message:   fmt.Sprintf("Aligned %d features across %d samples", len(features), len(out)),
		Counts:    map[string]int{CountAlignedFeatures: len(features)},
	}, nil
}

// groupByTolerance walks m/z-sorted peaks and accumulates a group while
// each next peak stays within tolerance of the running group centroid.
func groupByTolerance(peaks []samplePeak, mzTol, rtTol float64, minMembers int) [][]samplePeak {
	if len(peaks) == 0 {
		return nil
	}

	var groups [][]samplePeak
	current := []samplePeak{peaks[0]}
	for _, pk := range peaks[1:] {
		mzC, rtC := centroid(current)
		if math.Abs(pk.Mz-mzC) <= mzTol && math.Abs(pk.RetentionTime-rtC) <= rtTol {
			current = append(current, pk)
			continue
		}
		if len(current) >= minMembers {
			groups = append(groups, current)
		}
		current = []samplePeak{pk}
	}
	if len(current) >= minMembers {
		groups = append(groups, current)
	}
	return groups
}

func centroid(group []samplePeak) (mz, rt float64) {
	for _, pk := range group {
		mz += pk.Mz
		rt += pk.RetentionTime
	}
	n := float64(len(group))
	return mz / n, rt / n
}

func summarizeGroup(group []samplePeak) model.Feature {
	mzC, rtC := centroid(group)
	var sum, sumSq float64
	samples := map[string]struct{}{}
	for _, pk := range group {
		sum += pk.Intensity
		sumSq += pk.Intensity * pk.Intensity
		samples[pk.sample] = struct{}{}
	}
	n := float64(len(group))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)
	cv := 0.0
	if mean > 0 {
		cv = std / mean
	}
	return model.Feature{
		ID:            uuid.NewString(),
		Mz:            mzC,
		RetentionTime: rtC,
		IntensityMean: mean,
		IntensityStd:  std,
		CV:            cv,
		SampleCount:   len(samples),
	}
}

// alignmentConfidence scores how close a member sits to its feature
// centroid, 1.0 at the centroid falling linearly to 0 at tolerance.
func alignmentConfidence(sp samplePeak, f model.Feature, p AlignmentParams) float64 {
	mzErr := math.Abs(sp.Mz-f.Mz) / p.MzTolerance
	rtErr := math.Abs(sp.RetentionTime-f.RetentionTime) / p.RTTolerance
	conf := 1 - (mzErr+rtErr)/2
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}
