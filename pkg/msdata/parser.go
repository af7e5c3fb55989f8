// Package msdata parses instrument interchange files (mzML, mzXML) into
// sample documents.
//
// Decode-level failures never escape the parser: a bad binary array
// degrades to an empty peak list and is recorded in the parse
// diagnostics. A parse that yields no usable peak data anywhere is
// flagged Degraded rather than silently returning an empty document.
package msdata

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// parseDiagnostics accumulates non-fatal decode errors for one file.
type parseDiagnostics struct {
	mu     sync.Mutex
	errs   []error
	logged int
}

func (d *parseDiagnostics) record(err error) {
	if err == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
	// Keep log noise bounded on badly corrupted files.
	if d.logged < 5 {
		log.Printf("msdata: decode degraded: %v", err)
		d.logged++
	}
}

func (d *parseDiagnostics) errors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.errs...)
}

type dialectParser interface {
	parse(raw []byte, fileName string, diag *parseDiagnostics) (*model.SampleDocument, error)
}

// Result bundles a parsed document with its decode diagnostics.
type Result struct {
	Document   *model.SampleDocument
	DecodeErrs []error
	Format     Format
}

// Parse parses one raw instrument file. It fails only when the document
// matches neither supported dialect or its XML is structurally broken;
// binary decode problems degrade the document instead.
func Parse(raw []byte, fileName string) (*Result, error) {
	format := DetectFormat(fileName, raw)

	var p dialectParser
	switch format {
	case FormatMzML:
		p = mzMLParser{}
	case FormatMzXML:
		p = mzXMLParser{}
	default:
		return nil, errors.UnknownFormat(fileName, rootElementHint(raw))
	}

	diag := &parseDiagnostics{}
	doc, err := p.parse(raw, fileName, diag)
	if err != nil {
		return nil, err
	}

	finalizeDocument(doc, diag)
	return &Result{Document: doc, DecodeErrs: diag.errors(), Format: format}, nil
}

// DefaultParseConcurrency bounds ParseBatch when no explicit limit is
// given.
const DefaultParseConcurrency = 4

// ParseBatch parses several files concurrently with the default
// concurrency limit. One bad file does not block the others; its error
// is collected and its slot skipped.
func ParseBatch(ctx context.Context, files map[string][]byte) ([]*Result, error) {
	return ParseBatchLimit(ctx, files, DefaultParseConcurrency)
}

// ParseBatchLimit is ParseBatch with a caller-chosen concurrency limit.
// A limit of zero or less falls back to the default.
func ParseBatchLimit(ctx context.Context, files map[string][]byte, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = DefaultParseConcurrency
	}

	type slot struct {
		res *Result
		err error
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	slots := make([]slot, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			res, err := Parse(files[name], name)
			slots[i] = slot{res: res, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var results []*Result
	merr := &errors.MultiError{}
	for _, s := range slots {
		if s.err != nil {
			merr.Add(s.err)
			continue
		}
		results = append(results, s.res)
	}
	return results, merr.ErrOrNil()
}

// finalizeDocument runs the post-parse steps shared by both dialects:
// TIC synthesis, aggregate computation, and degraded-parse detection.
func finalizeDocument(doc *model.SampleDocument, diag *parseDiagnostics) {
	doc.Normalize()

	if len(doc.Chromatograms) == 0 {
		doc.Chromatograms = append(doc.Chromatograms, synthesizeTIC(doc.Spectra))
	}

	doc.ComputeAggregates()

	totalPeaks := 0
	for _, s := range doc.Spectra {
		totalPeaks += len(s.Peaks)
	}
	if totalPeaks == 0 {
		doc.Degraded = true
		if len(diag.errors()) > 0 {
			doc.DegradedReason = "all binary peak arrays failed to decode"
		} else {
			doc.DegradedReason = "document contains no peak data"
		}
	}
}

// synthesizeTIC builds a total-ion-current trace from spectrum summary
// data, in parse order. Used when the source declares no chromatograms.
func synthesizeTIC(spectra []model.Spectrum) model.Chromatogram {
	c := model.Chromatogram{
		ID:             "TIC",
		TimeArray:      make([]float64, 0, len(spectra)),
		IntensityArray: make([]float64, 0, len(spectra)),
	}
	for _, s := range spectra {
		tic := s.TotalIonCurrent
		if tic == 0 {
			for _, p := range s.Peaks {
				tic += p.Intensity
			}
		}
		c.TimeArray = append(c.TimeArray, s.RetentionTime)
		c.IntensityArray = append(c.IntensityArray, tic)
	}
	return c
}

// zipPeaks pairs m/z and intensity values positionally, truncating to
// the shorter side and dropping unusable peaks.
func zipPeaks(mzValues, intValues []float64) []model.Peak {
	n := len(mzValues)
	if len(intValues) < n {
		n = len(intValues)
	}
	peaks := make([]model.Peak, 0, n)
	for i := 0; i < n; i++ {
		p := model.Peak{Mz: mzValues[i], Intensity: intValues[i]}
		if !p.Valid() || p.Intensity <= 0 {
			continue
		}
		peaks = append(peaks, p)
	}
	return peaks
}

// rootElementHint extracts a short root-element name for error context.
func rootElementHint(raw []byte) string {
	limit := len(raw)
	if limit > 512 {
		limit = 512
	}
	head := string(raw[:limit])
	for i := 0; i < len(head); i++ {
		if head[i] == '<' && i+1 < len(head) && head[i+1] != '?' && head[i+1] != '!' {
			j := i + 1
			for j < len(head) && head[j] != ' ' && head[j] != '>' && head[j] != '\n' && head[j] != '\r' && head[j] != '\t' {
				j++
			}
			return head[i+1 : j]
		}
	}
	return ""
}
