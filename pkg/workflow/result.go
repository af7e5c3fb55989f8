package workflow

import (
	"time"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/stages"
)

// StageResult records one executed stage, success or not. Results are
// appended in execution order and never removed or reordered: they are
// the audit trail of the run.
type StageResult struct {
	StepID           string          `json:"stepId"`
	StepName         string          `json:"stepName"`
	StepType         stages.StepType `json:"stepType"`
	Success          bool            `json:"success"`
	Message          string          `json:"message,omitempty"`
	Error            string          `json:"error,omitempty"`
	Counts           map[string]int  `json:"counts,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
	ExecutedRemotely bool            `json:"executedRemotely,omitempty"`
}

// Summary aggregates headline numbers for the host UI.
type Summary struct {
	PeaksDetected         int     `json:"peaksDetected"`
	CompoundsIdentified   int     `json:"compoundsIdentified"`
	SignificantFeatures   int     `json:"significantFeatures"`
	ProcessingTimeSeconds float64 `json:"processingTimeSeconds"`
}

// RunResult is the immutable record of one workflow run. Every run
// produces one, even a maximally failed run.
type RunResult struct {
	RunID                 string                  `json:"runId"`
	Success               bool                    `json:"success"`
	Canceled              bool                    `json:"canceled,omitempty"`
	Results               []StageResult           `json:"results"`
	Documents             []*model.SampleDocument `json:"finalData"`
	Summary               Summary                 `json:"summary"`
	TotalProcessingTimeMs int64                   `json:"totalProcessingTimeMs"`
	StartedAt             time.Time               `json:"startedAt"`
	CompletedAt           time.Time               `json:"completedAt"`
}

// ProgressEvent reports engine progress between stages.
type ProgressEvent struct {
	Progress    float64 `json:"progress"` // percent, (index+1)/total*100
	CurrentStep string  `json:"currentStep"`
	StepIndex   int     `json:"stepIndex"`
	TotalSteps  int     `json:"totalSteps"`
}

// ProgressFunc receives progress events. Delivery is fire-and-forget:
// a slow consumer drops events rather than stalling the run.
type ProgressFunc func(ProgressEvent)
