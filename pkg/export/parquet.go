// Package export writes processed analysis results to formats BI and
// downstream tools consume: Parquet peak tables, DuckDB analysis
// tables, and Excel reports.
package export

import (
	"io"
	"os"
	"sync"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

const defaultBatchSize = 1024

// PeakWriter streams detected peaks to a Parquet file, one row per
// peak, with the sample file it came from.
type PeakWriter struct {
	output io.Writer
	file   *os.File

	allocator memory.Allocator
	schema    *arrow.Schema
	writer    *pqarrow.FileWriter

	sampleBuilder    *array.StringBuilder
	mzBuilder        *array.Float64Builder
	intensityBuilder *array.Float64Builder
	rtBuilder        *array.Float64Builder
	scanBuilder      *array.Int64Builder
	snrBuilder       *array.Float64Builder
	featureBuilder   *array.StringBuilder

	mu        sync.Mutex
	batchSize int
	rowCount  int
	totalRows int64
	closed    bool
}

// PeakWriterConfig tunes the writer.
type PeakWriterConfig struct {
	// Compression is one of snappy, gzip, zstd, lz4, or none.
	Compression string

	// BatchSize is rows per Arrow record batch.
	BatchSize int
}

// NewPeakWriter creates a writer targeting path ("-" for stdout).
func NewPeakWriter(path string, cfg PeakWriterConfig) (*PeakWriter, error) {
	var output io.Writer
	var file *os.File
	var err error

	if path == "-" {
		output = os.Stdout
	} else {
		file, err = os.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeExportWrite, "creating parquet output")
		}
		output = file
	}
	return newPeakWriter(cfg, output, file)
}

// NewPeakWriterWithWriter creates a writer over a custom io.Writer.
func NewPeakWriterWithWriter(w io.Writer, cfg PeakWriterConfig) (*PeakWriter, error) {
	return newPeakWriter(cfg, w, nil)
}

func newPeakWriter(cfg PeakWriterConfig, output io.Writer, file *os.File) (*PeakWriter, error) {
	allocator := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "sample", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "mz", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
		{Name: "intensity", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
		{Name: "retention_time", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
		{Name: "scan_number", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "snr", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "feature_id", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(mapCompression(cfg.Compression)),
		parquet.WithDictionaryDefault(true),
		parquet.WithDataPageSize(1024*1024),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, output, writerProps, arrowProps)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, errors.Wrap(err, errors.CodeExportWrite, "creating parquet writer")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	w := &PeakWriter{
		output:           output,
		file:             file,
		allocator:        allocator,
		schema:           schema,
		writer:           writer,
		sampleBuilder:    array.NewStringBuilder(allocator),
		mzBuilder:        array.NewFloat64Builder(allocator),
		intensityBuilder: array.NewFloat64Builder(allocator),
		rtBuilder:        array.NewFloat64Builder(allocator),
		scanBuilder:      array.NewInt64Builder(allocator),
		snrBuilder:       array.NewFloat64Builder(allocator),
		featureBuilder:   array.NewStringBuilder(allocator),
		batchSize:        batchSize,
	}
	w.sampleBuilder.Reserve(batchSize)
	w.mzBuilder.Reserve(batchSize)
	w.intensityBuilder.Reserve(batchSize)
	w.rtBuilder.Reserve(batchSize)
	w.scanBuilder.Reserve(batchSize)
	w.snrBuilder.Reserve(batchSize)
	w.featureBuilder.Reserve(batchSize)
	return w, nil
}

// WriteDocuments writes every document's current peak set. Aligned
// peaks take precedence over detected ones, matching the stage
// pipeline's own view of the data.
func (w *PeakWriter) WriteDocuments(docs []*model.SampleDocument) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, doc := range docs {
		if len(doc.AlignedPeaks) > 0 {
			for _, p := range doc.AlignedPeaks {
				w.appendRow(doc.FileName, p.DetectedPeak, p.FeatureID)
				if err := w.maybeFlush(); err != nil {
					return err
				}
			}
			continue
		}
		for _, p := range doc.DetectedPeaks {
			w.appendRow(doc.FileName, p, "")
			if err := w.maybeFlush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *PeakWriter) appendRow(sample string, p model.DetectedPeak, featureID string) {
	w.sampleBuilder.Append(sample)
	w.mzBuilder.Append(p.Mz)
	w.intensityBuilder.Append(p.Intensity)
	w.rtBuilder.Append(p.RetentionTime)
	w.scanBuilder.Append(int64(p.ScanNumber))
	if p.SNR > 0 {
		w.snrBuilder.Append(p.SNR)
	} else {
		w.snrBuilder.AppendNull()
	}
	if featureID != "" {
		w.featureBuilder.Append(featureID)
	} else {
		w.featureBuilder.AppendNull()
	}
	w.rowCount++
}

func (w *PeakWriter) maybeFlush() error {
	if w.rowCount >= w.batchSize {
		return w.flushBatch()
	}
	return nil
}

func (w *PeakWriter) flushBatch() error {
	if w.rowCount == 0 {
		return nil
	}

	arrays := []arrow.Array{
		w.sampleBuilder.NewArray(),
		w.mzBuilder.NewArray(),
		w.intensityBuilder.NewArray(),
		w.rtBuilder.NewArray(),
		w.scanBuilder.NewArray(),
		w.snrBuilder.NewArray(),
		w.featureBuilder.NewArray(),
	}
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()

	batch := array.NewRecord(w.schema, arrays, int64(w.rowCount))
	defer batch.Release()

	if err := w.writer.Write(batch); err != nil {
		return errors.Wrap(err, errors.CodeExportWrite, "writing parquet batch")
	}

	w.totalRows += int64(w.rowCount)
	w.rowCount = 0
	return nil
}

// Close flushes remaining rows and finalizes the file.
func (w *PeakWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushBatch(); err != nil {
		return err
	}
	if err := w.writer.Close(); err != nil {
		return errors.Wrap(err, errors.CodeExportWrite, "closing parquet writer")
	}

	w.sampleBuilder.Release()
	w.mzBuilder.Release()
	w.intensityBuilder.Release()
	w.rtBuilder.Release()
	w.scanBuilder.Release()
	w.snrBuilder.Release()
	w.featureBuilder.Release()

	if w.file != nil {
		w.file.Close()
	}
	w.closed = true
	return nil
}

// RowsWritten returns total rows flushed so far.
func (w *PeakWriter) RowsWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalRows
}

func mapCompression(name string) compress.Compression {
	switch name {
	case "snappy":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "lz4":
		return compress.Codecs.Lz4
	default:
		return compress.Codecs.Uncompressed
	}
}
