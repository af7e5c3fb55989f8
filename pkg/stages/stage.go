// Package stages implements the workflow processing stages.
//
// Every stage is a pure data-in/data-out transformation over sample
// documents: it clones its inputs, annotates the clones, and returns
// them with a message and counters. Stages hold no state between runs,
// so re-running one is always safe.
package stages

import (
	"context"
	"fmt"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// StepType enumerates the supported stage kinds.
type StepType string

const (
	StepPeakDetection  StepType = "peak_detection"
	StepAlignment      StepType = "alignment"
	StepFiltering      StepType = "filtering"
	StepNormalization  StepType = "normalization"
	StepIdentification StepType = "identification"
	StepStatistics     StepType = "statistics"
)

// StepTypes lists all stage kinds in canonical pipeline order.
func StepTypes() []StepType {
	return []StepType{
		StepPeakDetection,
		StepAlignment,
		StepFiltering,
		StepNormalization,
		StepIdentification,
		StepStatistics,
	}
}

// StepConfig is one user-authored workflow step. Parameters are an
// untyped bag on the wire; each stage converts them to its own typed
// parameter record at execution time.
type StepConfig struct {
	ID         string                 `json:"id" yaml:"id"`
	Type       StepType               `json:"type" yaml:"type"`
	Name       string                 `json:"name" yaml:"name"`
	Parameters map[string]interface{} `json:"parameters" yaml:"parameters"`
}

// Counter names reported by stages.
const (
	CountPeaksDetected       = "peaksDetected"
	CountAlignedFeatures     = "alignedFeatures"
	CountPeaksFiltered       = "peaksFiltered"
	CountCompoundsIdentified = "compoundsIdentified"
	CountSignificantFeatures = "significantFeatures"
)

// Output is the result of one stage execution.
type Output struct {
	Documents []*model.SampleDocument `json:"data"`
	Message   string                  `json:"message"`
	Counts    map[string]int          `json:"counts,omitempty"`
}

// Stage is the common contract for all processing stages.
type Stage interface {
	Type() StepType
	Run(ctx context.Context, docs []*model.SampleDocument, params map[string]interface{}) (*Output, error)
}

// ForType returns the local implementation of a stage kind.
func ForType(t StepType) (Stage, error) {
	switch t {
	case StepPeakDetection:
		return &PeakDetection{}, nil
	case StepAlignment:
		return &Alignment{}, nil
	case StepFiltering:
		return &Filtering{}, nil
	case StepNormalization:
		return &Normalization{}, nil
	case StepIdentification:
		return &Identification{}, nil
	case StepStatistics:
		return &Statistics{}, nil
	default:
		return nil, errors.New(errors.CodeInvalidParameter, "unknown step type").
			WithContext("type", string(t))
	}
}

// cloneDocs deep-copies every input document so a failed stage can be
// discarded without touching the pre-stage state.
func cloneDocs(docs []*model.SampleDocument) []*model.SampleDocument {
	out := make([]*model.SampleDocument, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}

// --- untyped parameter bag helpers ---

func paramFloat(params map[string]interface{}, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f
		}
	}
	return def
}

func paramString(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func paramBool(params map[string]interface{}, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}
