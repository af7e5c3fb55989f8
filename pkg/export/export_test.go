package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/stages"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

func exportDocs() []*model.SampleDocument {
	return []*model.SampleDocument{
		{
			FileName: "a.mzML",
			DetectedPeaks: []model.DetectedPeak{
				{Mz: 180.063, Intensity: 1500, RetentionTime: 1.0, ScanNumber: 1, SNR: 1.5},
				{Mz: 255.233, Intensity: 800, RetentionTime: 2.5, ScanNumber: 3},
			},
			IdentifiedCompounds: []model.CompoundMatch{
				{PeakMz: 180.063, Name: "Glucose", Formula: "C6H12O6", ExactMass: 180.0634, Adduct: "M", MassError: -0.0004, Score: 0.96},
			},
			Features: []model.Feature{
				{ID: "feature_0_180.0630", Mz: 180.063, RetentionTime: 1.0, IntensityMean: 1400, CV: 0.1, SampleCount: 2},
			},
			StatisticalResults: []model.FeatureStat{
				{FeatureID: "feature_0_180.0630", Mz: 180.063, PValue: 0.01, PValueCorrected: 0.03, FoldChange: 2.1, Log2FoldChange: 1.07, Significant: true, SignificantCorr: true},
			},
		},
		{
			FileName: "b.mzML",
			AlignedPeaks: []model.AlignedPeak{
				{
					DetectedPeak: model.DetectedPeak{Mz: 180.064, Intensity: 1300, RetentionTime: 1.05, ScanNumber: 2, SNR: 1.3},
					FeatureID:    "feature_0_180.0630",
					Confidence:   0.98,
				},
			},
		},
	}
}

func TestPeakWriterRowCounts(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewPeakWriterWithWriter(&buf, PeakWriterConfig{Compression: "snappy", BatchSize: 2})
	if err != nil {
		t.Fatalf("creating writer: %v", err)
	}

	if err := w.WriteDocuments(exportDocs()); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}

	// a.mzML contributes two detected peaks, b.mzML one aligned peak.
	if got := w.RowsWritten(); got != 3 {
		t.Errorf("rows written = %d, want 3", got)
	}
	if buf.Len() == 0 {
		t.Error("no parquet bytes written")
	}
	// Parquet files end with the PAR1 magic.
	if tail := buf.Bytes()[buf.Len()-4:]; string(tail) != "PAR1" {
		t.Errorf("trailing magic = %q", tail)
	}
}

func TestPeakWriterEmptyDocuments(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewPeakWriterWithWriter(&buf, PeakWriterConfig{})
	if err != nil {
		t.Fatalf("creating writer: %v", err)
	}
	if err := w.WriteDocuments([]*model.SampleDocument{{FileName: "empty.mzML"}}); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}
	if w.RowsWritten() != 0 {
		t.Errorf("rows written = %d, want 0", w.RowsWritten())
	}
}

func TestWriteReport(t *testing.T) {
	res := &workflow.RunResult{
		RunID:   "run-1",
		Success: true,
		Results: []workflow.StageResult{
			{StepName: "peak_detection", StepType: stages.StepPeakDetection, Success: true, Message: "Detected 3 peaks", ProcessingTimeMs: 4},
			{StepName: "alignment", StepType: stages.StepAlignment, Success: false, Error: "no detected peaks"},
		},
		Summary:     workflow.Summary{PeaksDetected: 3, ProcessingTimeSeconds: 0.01},
		Documents:   exportDocs(),
		StartedAt:   time.Now().Add(-time.Second),
		CompletedAt: time.Now(),
	}

	path := filepath.Join(t.TempDir(), "report.xlsx")
	if err := WriteReport(path, res); err != nil {
		t.Fatalf("writing report: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("reopening workbook: %v", err)
	}
	defer f.Close()

	for _, sheet := range []string{"Summary", "Stages", "Features", "Identifications", "Statistics"} {
		if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
			t.Errorf("missing sheet %q", sheet)
		}
	}

	runID, err := f.GetCellValue("Summary", "B1")
	if err != nil || runID != "run-1" {
		t.Errorf("summary run id = %q, err = %v", runID, err)
	}

	stage, _ := f.GetCellValue("Stages", "A2")
	if stage != "peak_detection" {
		t.Errorf("first stage row = %q", stage)
	}
	failed, _ := f.GetCellValue("Stages", "G3")
	if failed != "no detected peaks" {
		t.Errorf("failed stage error = %q", failed)
	}

	compound, _ := f.GetCellValue("Identifications", "C2")
	if compound != "Glucose" {
		t.Errorf("identification compound = %q", compound)
	}
}
