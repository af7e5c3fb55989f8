package export

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// AnalysisExporter writes the analysis-level outputs of a run (cross-
// sample features, compound identifications, statistical results) to a
// set of Parquet tables via an in-memory DuckDB instance. The tables
// are shaped for direct consumption by BI tools.
type AnalysisExporter struct {
	db          *sql.DB
	outputDir   string
	compression string
}

// AnalysisResult lists the generated files.
type AnalysisResult struct {
	OutputDir       string `json:"outputDir"`
	Features        string `json:"features"`
	Identifications string `json:"identifications"`
	Statistics      string `json:"statistics"`
	FeatureRows     int64  `json:"featureRows"`
}

// NewAnalysisExporter opens an in-memory DuckDB targeting outputDir.
func NewAnalysisExporter(outputDir, compression string) (*AnalysisExporter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeExportWrite, "creating output directory")
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeExportWrite, "opening duckdb")
	}
	if compression == "" {
		compression = "snappy"
	}

	return &AnalysisExporter{db: db, outputDir: outputDir, compression: compression}, nil
}

// Export loads the documents' analysis annotations and writes the
// Parquet tables. Documents without the relevant annotation contribute
// no rows; an empty table is still written so consumers see a stable
// file set.
func (e *AnalysisExporter) Export(docs []*model.SampleDocument) (*AnalysisResult, error) {
	if err := e.createTables(); err != nil {
		return nil, err
	}
	if err := e.loadRows(docs); err != nil {
		return nil, err
	}

	result := &AnalysisResult{OutputDir: e.outputDir}

	features := filepath.Join(e.outputDir, "features.parquet")
	if err := e.copyTable("features", "ORDER BY mz", features); err != nil {
		return nil, err
	}
	result.Features = features

	idents := filepath.Join(e.outputDir, "identifications.parquet")
	if err := e.copyTable("identifications", "ORDER BY sample, peak_mz", idents); err != nil {
		return nil, err
	}
	result.Identifications = idents

	stats := filepath.Join(e.outputDir, "statistics.parquet")
	if err := e.copyTable("statistics", "ORDER BY p_value", stats); err != nil {
		return nil, err
	}
	result.Statistics = stats

	if err := e.db.QueryRow(`SELECT COUNT(*) FROM features`).Scan(&result.FeatureRows); err != nil {
		return nil, errors.Wrap(err, errors.CodeExportWrite, "counting feature rows")
	}
	return result, nil
}

func (e *AnalysisExporter) createTables() error {
	_, err := e.db.Exec(`
		CREATE TABLE features (
			feature_id VARCHAR NOT NULL,
			mz DOUBLE NOT NULL,
			retention_time DOUBLE NOT NULL,
			intensity_mean DOUBLE,
			intensity_std DOUBLE,
			cv DOUBLE,
			sample_count INTEGER
		);
		CREATE TABLE identifications (
			sample VARCHAR NOT NULL,
			peak_mz DOUBLE NOT NULL,
			compound VARCHAR NOT NULL,
			formula VARCHAR,
			exact_mass DOUBLE,
			adduct VARCHAR,
			mass_error DOUBLE,
			score DOUBLE
		);
		CREATE TABLE statistics (
			feature_id VARCHAR NOT NULL,
			mz DOUBLE,
			retention_time DOUBLE,
			p_value DOUBLE,
			p_value_corrected DOUBLE,
			t_statistic DOUBLE,
			fold_change DOUBLE,
			log2_fold_change DOUBLE,
			significant BOOLEAN,
			significant_corrected BOOLEAN,
			group1_mean DOUBLE,
			group2_mean DOUBLE
		);
	`)
	if err != nil {
		return errors.Wrap(err, errors.CodeExportWrite, "creating analysis tables")
	}
	return nil
}

func (e *AnalysisExporter) loadRows(docs []*model.SampleDocument) error {
	tx, err := e.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.CodeExportWrite, "beginning load transaction")
	}

	featStmt, err := tx.Prepare(`INSERT INTO features VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.CodeExportWrite, "preparing feature insert")
	}
	identStmt, err := tx.Prepare(`INSERT INTO identifications VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.CodeExportWrite, "preparing identification insert")
	}
	statStmt, err := tx.Prepare(`INSERT INTO statistics VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.CodeExportWrite, "preparing statistics insert")
	}

	// Features and statistics are replicated onto every document by
	// their producing stages; load them from the first document that
	// has them.
	seenFeatures := false
	seenStats := false
	for _, doc := range docs {
		if !seenFeatures && len(doc.Features) > 0 {
			seenFeatures = true
			for _, f := range doc.Features {
				if _, err := featStmt.Exec(f.ID, f.Mz, f.RetentionTime, f.IntensityMean, f.IntensityStd, f.CV, f.SampleCount); err != nil {
					tx.Rollback()
					return errors.Wrap(err, errors.CodeExportWrite, "inserting feature row")
				}
			}
		}
		if !seenStats && len(doc.StatisticalResults) > 0 {
			seenStats = true
			for _, s := range doc.StatisticalResults {
				if _, err := statStmt.Exec(s.FeatureID, s.Mz, s.RetentionTime, s.PValue, s.PValueCorrected,
					s.TStatistic, s.FoldChange, s.Log2FoldChange, s.Significant, s.SignificantCorr,
					s.Group1Mean, s.Group2Mean); err != nil {
					tx.Rollback()
					return errors.Wrap(err, errors.CodeExportWrite, "inserting statistics row")
				}
			}
		}
		for _, m := range doc.IdentifiedCompounds {
			if _, err := identStmt.Exec(doc.FileName, m.PeakMz, m.Name, m.Formula, m.ExactMass, m.Adduct, m.MassError, m.Score); err != nil {
				tx.Rollback()
				return errors.Wrap(err, errors.CodeExportWrite, "inserting identification row")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeExportWrite, "committing load transaction")
	}
	return nil
}

func (e *AnalysisExporter) copyTable(table, order, path string) error {
	query := fmt.Sprintf(`COPY (SELECT * FROM %s %s) TO '%s' (FORMAT PARQUET, COMPRESSION '%s')`,
		table, order, path, e.compression)
	if _, err := e.db.Exec(query); err != nil {
		return errors.Wrapf(err, errors.CodeExportWrite, "exporting %s table", table)
	}
	return nil
}

// Close releases the DuckDB instance.
func (e *AnalysisExporter) Close() error {
	return e.db.Close()
}
