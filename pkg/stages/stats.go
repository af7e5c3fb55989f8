package stages

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// StatisticsParams configures significance testing.
type StatisticsParams struct {
	TestType        string // t_test | mann_whitney
	PValueThreshold float64
}

// DefaultStatisticsParams returns the documented defaults.
func DefaultStatisticsParams() StatisticsParams {
	return StatisticsParams{TestType: "t_test", PValueThreshold: 0.05}
}

func statisticsParams(params map[string]interface{}) StatisticsParams {
	def := DefaultStatisticsParams()
	return StatisticsParams{
		TestType:        paramString(params, "test_type", def.TestType),
		PValueThreshold: paramFloat(params, "p_value_threshold", def.PValueThreshold),
	}
}

// Statistics runs a two-group significance test over the aligned
// feature set. Without host-supplied group labels the samples split
// first half versus second half, as the reference service does.
type Statistics struct{}

func (Statistics) Type() StepType { return StepStatistics }

func (Statistics) Run(ctx context.Context, docs []*model.SampleDocument, params map[string]interface{}) (*Output, error) {
	p := statisticsParams(params)
	switch p.TestType {
	case "t_test", "mann_whitney":
	default:
		return nil, errors.New(errors.CodeInvalidParameter, "unknown test type").
			WithContext("test_type", p.TestType)
	}

	hasAligned := false
	for _, d := range docs {
		if len(d.AlignedPeaks) > 0 {
			hasAligned = true
			break
		}
	}
	if !hasAligned {
		return nil, errors.PrerequisiteNotMet(string(StepStatistics), "alignment")
	}

	// Per feature, per sample intensity.
	type featureData struct {
		mz, rt      float64
		intensities map[string]float64
	}
	features := map[string]*featureData{}
	var order []string
	for _, d := range docs {
		for _, ap := range d.AlignedPeaks {
			fd, ok := features[ap.FeatureID]
			if !ok {
				fd = &featureData{mz: ap.Mz, rt: ap.RetentionTime, intensities: map[string]float64{}}
				features[ap.FeatureID] = fd
				order = append(order, ap.FeatureID)
			}
			fd.intensities[d.FileName] = ap.Intensity
		}
	}

	mid := len(docs) / 2
	var group1, group2 []string
	for i, d := range docs {
		if i < mid {
			group1 = append(group1, d.FileName)
		} else {
			group2 = append(group2, d.FileName)
		}
	}

	var results []model.FeatureStat
	for _, id := range order {
		fd := features[id]
		g1 := intensityVector(fd.intensities, group1)
		g2 := intensityVector(fd.intensities, group2)
		if len(g1) == 0 || len(g2) == 0 {
			continue
		}

		var tStat, pValue float64
		if p.TestType == "mann_whitney" {
			tStat, pValue = mannWhitney(g1, g2)
		} else {
			tStat, pValue = welchT(g1, g2)
		}

		m1, m2 := mean(g1), mean(g2)
		fold := 1.0
		if m1 > 0 {
			fold = m2 / m1
		}
		log2Fold := 0.0
		if fold > 0 {
			log2Fold = math.Log2(fold)
		}

		results = append(results, model.FeatureStat{
			FeatureID:      id,
			Mz:             fd.mz,
			RetentionTime:  fd.rt,
			PValue:         pValue,
			TStatistic:     tStat,
			FoldChange:     fold,
			Log2FoldChange: log2Fold,
			Significant:    pValue < p.PValueThreshold,
			Group1Mean:     m1,
			Group2Mean:     m2,
		})
	}

	benjaminiHochberg(results, p.PValueThreshold)

	significant := 0
	for _, r := range results {
		if r.SignificantCorr {
			significant++
		}
	}

	out := cloneDocs(docs)
	for _, d := range out {
		d.StatisticalResults = append([]model.FeatureStat(nil), results...)
	}

	return &Output{
		Documents: out,
		Message: fmt.Sprintf("Statistical analysis completed: %d/%d significant features",
			significant, len(results)),
		Counts: map[string]int{CountSignificantFeatures: significant},
	}, nil
}

func intensityVector(intensities map[string]float64, samples []string) []float64 {
	var out []float64
	for _, s := range samples {
		if v, ok := intensities[s]; ok {
			out = append(out, v)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(values)-1)
}

// welchT computes the Welch t statistic and a normal-approximation
// two-sided p-value. The approximation is deliberate: the contract is
// deterministic scoring and thresholding, not exact inference.
func welchT(g1, g2 []float64) (t, p float64) {
	m1, m2 := mean(g1), mean(g2)
	v1, v2 := variance(g1, m1), variance(g2, m2)
	se := math.Sqrt(v1/float64(len(g1)) + v2/float64(len(g2)))
	if se == 0 {
		if m1 == m2 {
			return 0, 1
		}
		return math.Inf(1), 0
	}
	t = (m2 - m1) / se
	p = math.Erfc(math.Abs(t) / math.Sqrt2)
	return t, p
}

// mannWhitney computes the rank-sum U statistic with a normal
// approximation for the p-value.
func mannWhitney(g1, g2 []float64) (z, p float64) {
	type ranked struct {
		value float64
		group int
	}
	all := make([]ranked, 0, len(g1)+len(g2))
	for _, v := range g1 {
		all = append(all, ranked{v, 1})
	}
	for _, v := range g2 {
		all = append(all, ranked{v, 2})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].value < all[j].value })

	var r1 float64
	for i, r := range all {
		if r.group == 1 {
			r1 += float64(i + 1)
		}
	}
	n1, n2 := float64(len(g1)), float64(len(g2))
	u := r1 - n1*(n1+1)/2
	mu := n1 * n2 / 2
	sigma := math.Sqrt(n1 * n2 * (n1 + n2 + 1) / 12)
	if sigma == 0 {
		return 0, 1
	}
	z = (u - mu) / sigma
	p = math.Erfc(math.Abs(z) / math.Sqrt2)
	return z, p
}

// benjaminiHochberg fills PValueCorrected and SignificantCorr using
// FDR correction at the given threshold.
func benjaminiHochberg(results []model.FeatureStat, threshold float64) {
	n := len(results)
	if n == 0 {
		return
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return results[idx[a]].PValue < results[idx[b]].PValue
	})

	prev := 1.0
	for rank := n; rank >= 1; rank-- {
		i := idx[rank-1]
		adj := results[i].PValue * float64(n) / float64(rank)
		if adj > prev {
			adj = prev
		}
		if adj > 1 {
			adj = 1
		}
		prev = adj
		results[i].PValueCorrected = adj
		results[i].SignificantCorr = adj < threshold
	}
}
