package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

// WriteReport writes a multi-sheet Excel workbook summarizing a run:
// a summary sheet, the per-stage audit trail, and the analysis outputs
// (features, identifications, statistics) when present.
func WriteReport(path string, res *workflow.RunResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := writeSummarySheet(f, res); err != nil {
		return err
	}
	if err := writeStagesSheet(f, res.Results); err != nil {
		return err
	}
	writeAnalysisSheets(f, res.Documents)

	// excelize starts with a default "Sheet1"; drop it.
	f.DeleteSheet("Sheet1")

	if err := f.SaveAs(path); err != nil {
		return errors.Wrap(err, errors.CodeExportWrite, "saving report workbook")
	}
	return nil
}

func writeSummarySheet(f *excelize.File, res *workflow.RunResult) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return errors.Wrap(err, errors.CodeExportWrite, "creating summary sheet")
	}

	rows := [][]interface{}{
		{"Run ID", res.RunID},
		{"Success", res.Success},
		{"Canceled", res.Canceled},
		{"Started", res.StartedAt.Format("2006-01-02 15:04:05")},
		{"Completed", res.CompletedAt.Format("2006-01-02 15:04:05")},
		{"Processing time (s)", res.Summary.ProcessingTimeSeconds},
		{"Samples", len(res.Documents)},
		{"Peaks detected", res.Summary.PeaksDetected},
		{"Compounds identified", res.Summary.CompoundsIdentified},
		{"Significant features", res.Summary.SignificantFeatures},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.Wrap(err, errors.CodeExportWrite, "writing summary row")
		}
	}
	return nil
}

func writeStagesSheet(f *excelize.File, results []workflow.StageResult) error {
	const sheet = "Stages"
	if _, err := f.NewSheet(sheet); err != nil {
		return errors.Wrap(err, errors.CodeExportWrite, "creating stages sheet")
	}

	header := []interface{}{"Step", "Type", "Success", "Remote", "Time (ms)", "Message", "Error"}
	f.SetSheetRow(sheet, "A1", &header)

	for i, r := range results {
		row := []interface{}{
			r.StepName, string(r.StepType), r.Success, r.ExecutedRemotely,
			r.ProcessingTimeMs, r.Message, r.Error,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.Wrap(err, errors.CodeExportWrite, "writing stage row")
		}
	}
	return nil
}

func writeAnalysisSheets(f *excelize.File, docs []*model.SampleDocument) {
	var features []model.Feature
	var stats []model.FeatureStat
	for _, doc := range docs {
		if len(features) == 0 && len(doc.Features) > 0 {
			features = doc.Features
		}
		if len(stats) == 0 && len(doc.StatisticalResults) > 0 {
			stats = doc.StatisticalResults
		}
	}

	if len(features) > 0 {
		const sheet = "Features"
		f.NewSheet(sheet)
		header := []interface{}{"Feature", "m/z", "RT (min)", "Mean intensity", "CV", "Samples"}
		f.SetSheetRow(sheet, "A1", &header)
		for i, feat := range features {
			row := []interface{}{
				feat.ID, feat.Mz, feat.RetentionTime, feat.IntensityMean, feat.CV, feat.SampleCount,
			}
			cell, _ := excelize.CoordinatesToCellName(1, i+2)
			f.SetSheetRow(sheet, cell, &row)
		}
	}

	identRow := 2
	hasIdents := false
	for _, doc := range docs {
		for _, m := range doc.IdentifiedCompounds {
			if !hasIdents {
				const sheet = "Identifications"
				f.NewSheet(sheet)
				header := []interface{}{"Sample", "Peak m/z", "Compound", "Formula", "Adduct", "Mass error (Da)", "Score"}
				f.SetSheetRow(sheet, "A1", &header)
				hasIdents = true
			}
			row := []interface{}{
				doc.FileName, m.PeakMz, m.Name, m.Formula, m.Adduct,
				m.MassError, m.Score,
			}
			cell, _ := excelize.CoordinatesToCellName(1, identRow)
			f.SetSheetRow("Identifications", cell, &row)
			identRow++
		}
	}

	if len(stats) > 0 {
		const sheet = "Statistics"
		f.NewSheet(sheet)
		header := []interface{}{"Feature", "m/z", "p-value", "Corrected p", "Fold change", "log2 FC", "Significant"}
		f.SetSheetRow(sheet, "A1", &header)
		for i, s := range stats {
			row := []interface{}{
				s.FeatureID, s.Mz, s.PValue, s.PValueCorrected,
				s.FoldChange, s.Log2FoldChange, formatSignificance(s),
			}
			cell, _ := excelize.CoordinatesToCellName(1, i+2)
			f.SetSheetRow(sheet, cell, &row)
		}
	}
}

func formatSignificance(s model.FeatureStat) string {
	switch {
	case s.SignificantCorr:
		return "yes (FDR)"
	case s.Significant:
		return fmt.Sprintf("raw only (p=%.4g)", s.PValue)
	default:
		return "no"
	}
}
