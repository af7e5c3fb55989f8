package msdata

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/metaboflow/metaboflow/pkg/errors"
)

func b64Floats64(values []float64) string {
	buf := new(bytes.Buffer)
	for _, v := range values {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func b64Floats32(values []float64) string {
	buf := new(bytes.Buffer)
	for _, v := range values {
		binary.Write(buf, binary.LittleEndian, float32(v))
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func b64Floats64Zlib(values []float64) string {
	raw := new(bytes.Buffer)
	for _, v := range values {
		binary.Write(raw, binary.LittleEndian, v)
	}
	out := new(bytes.Buffer)
	zw := zlib.NewWriter(out)
	zw.Write(raw.Bytes())
	zw.Close()
	return base64.StdEncoding.EncodeToString(out.Bytes())
}

func mzMLSpectrumXML(index int, rtSeconds float64, mz, intensity []float64) string {
	return fmt.Sprintf(`<spectrum index="%d" id="scan=%d" defaultArrayLength="%d">
  <cvParam accession="MS:1000511" name="ms level" value="1"/>
  <scanList count="1">
    <scan>
      <cvParam accession="MS:1000016" name="scan start time" value="%g" unitName="second"/>
    </scan>
  </scanList>
  <binaryDataArrayList count="2">
    <binaryDataArray arrayLength="%d">
      <cvParam accession="MS:1000523" name="64-bit float"/>
      <cvParam accession="MS:1000576" name="no compression"/>
      <cvParam accession="MS:1000514" name="m/z array"/>
      <binary>%s</binary>
    </binaryDataArray>
    <binaryDataArray arrayLength="%d">
      <cvParam accession="MS:1000523" name="64-bit float"/>
      <cvParam accession="MS:1000576" name="no compression"/>
      <cvParam accession="MS:1000515" name="intensity array"/>
      <binary>%s</binary>
    </binaryDataArray>
  </binaryDataArrayList>
</spectrum>`, index, index+1, len(mz), rtSeconds, len(mz), b64Floats64(mz), len(intensity), b64Floats64(intensity))
}

func mzMLDoc(spectra ...string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<mzML xmlns="http://psi.hupo.org/ms/mzml" version="1.1.0">
  <run id="run1">
    <spectrumList count="%d">
%s
    </spectrumList>
  </run>
</mzML>`, len(spectra), strings.Join(spectra, "\n")))
}

func TestParseMzML(t *testing.T) {
	doc := mzMLDoc(
		mzMLSpectrumXML(0, 30.0, []float64{100.1, 200.2}, []float64{1000, 2000}),
		mzMLSpectrumXML(1, 90.0, []float64{150.5}, []float64{500}),
	)

	res, err := Parse(doc, "sample.mzML")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	d := res.Document

	if d.TotalSpectra != 2 {
		t.Fatalf("TotalSpectra = %d, want 2", d.TotalSpectra)
	}
	if d.Degraded {
		t.Errorf("document unexpectedly degraded: %s", d.DegradedReason)
	}

	s0 := d.Spectra[0]
	if s0.ScanNumber != 1 || s0.MSLevel != 1 {
		t.Errorf("scan 0 identity wrong: %+v", s0)
	}
	// 30 seconds normalized to 0.5 minutes.
	if math.Abs(s0.RetentionTime-0.5) > 1e-9 {
		t.Errorf("RetentionTime = %v, want 0.5", s0.RetentionTime)
	}
	if len(s0.Peaks) != 2 {
		t.Fatalf("scan 0 has %d peaks, want 2", len(s0.Peaks))
	}
	if s0.Peaks[0].Mz != 100.1 || s0.Peaks[0].Intensity != 1000 {
		t.Errorf("peak 0 = %+v", s0.Peaks[0])
	}
	// Computed summary statistics.
	if s0.TotalIonCurrent != 3000 {
		t.Errorf("TIC = %v, want 3000", s0.TotalIonCurrent)
	}
	if s0.BasePeakMz != 200.2 || s0.BasePeakIntensity != 2000 {
		t.Errorf("base peak = (%v, %v)", s0.BasePeakMz, s0.BasePeakIntensity)
	}

	if d.ScanRange.Min != 1 || d.ScanRange.Max != 2 {
		t.Errorf("ScanRange = %+v", d.ScanRange)
	}
	if math.Abs(d.RTRange.Max-1.5) > 1e-9 {
		t.Errorf("RTRange.Max = %v, want 1.5", d.RTRange.Max)
	}
	if len(d.MSLevels) != 1 || d.MSLevels[0] != 1 {
		t.Errorf("MSLevels = %v", d.MSLevels)
	}
}

func TestParseMzMLZlibArrays(t *testing.T) {
	mz := []float64{300.3, 400.4}
	intensity := []float64{10, 20}
	doc := []byte(fmt.Sprintf(`<mzML version="1.1.0"><run id="r">
<spectrumList count="1"><spectrum index="0" id="scan=1">
  <binaryDataArrayList count="2">
    <binaryDataArray arrayLength="2">
      <cvParam accession="MS:1000523" name="64-bit float"/>
      <cvParam accession="MS:1000574" name="zlib compression"/>
      <cvParam accession="MS:1000514" name="m/z array"/>
      <binary>%s</binary>
    </binaryDataArray>
    <binaryDataArray arrayLength="2">
      <cvParam accession="MS:1000523" name="64-bit float"/>
      <cvParam accession="MS:1000574" name="zlib compression"/>
      <cvParam accession="MS:1000515" name="intensity array"/>
      <binary>%s</binary>
    </binaryDataArray>
  </binaryDataArrayList>
</spectrum></spectrumList></run></mzML>`, b64Floats64Zlib(mz), b64Floats64Zlib(intensity)))

	res, err := Parse(doc, "compressed.mzML")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	peaks := res.Document.Spectra[0].Peaks
	if len(peaks) != 2 || peaks[1].Mz != 400.4 || peaks[1].Intensity != 20 {
		t.Errorf("peaks = %+v", peaks)
	}
}

func TestParseMzMLDefaultArrayLength(t *testing.T) {
	// ProteoWizard-style output declares the length once on the spectrum
	// and omits arrayLength on the individual binaryDataArray elements.
	mz := []float64{100.1, 200.2}
	intensity := []float64{1000, 2000}
	doc := []byte(fmt.Sprintf(`<mzML version="1.1.0"><run id="r">
<spectrumList count="1"><spectrum index="0" id="scan=1" defaultArrayLength="2">
  <binaryDataArrayList count="2">
    <binaryDataArray>
      <cvParam accession="MS:1000523" name="64-bit float"/>
      <cvParam accession="MS:1000576" name="no compression"/>
      <cvParam accession="MS:1000514" name="m/z array"/>
      <binary>%s</binary>
    </binaryDataArray>
    <binaryDataArray>
      <cvParam accession="MS:1000523" name="64-bit float"/>
      <cvParam accession="MS:1000576" name="no compression"/>
      <cvParam accession="MS:1000515" name="intensity array"/>
      <binary>%s</binary>
    </binaryDataArray>
  </binaryDataArrayList>
</spectrum></spectrumList></run></mzML>`, b64Floats64(mz), b64Floats64(intensity)))

	res, err := Parse(doc, "pwiz.mzML")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	d := res.Document
	peaks := d.Spectra[0].Peaks
	if len(peaks) != 2 {
		t.Fatalf("got %d peaks, want 2 from defaultArrayLength", len(peaks))
	}
	if peaks[1].Mz != 200.2 || peaks[1].Intensity != 2000 {
		t.Errorf("peak 1 = %+v", peaks[1])
	}
	if d.Degraded {
		t.Errorf("document unexpectedly degraded: %s", d.DegradedReason)
	}
}

func TestPeakZippingTruncates(t *testing.T) {
	// Three m/z values but only two intensities: zip to two peaks.
	mz := []float64{100, 200, 300}
	intensity := []float64{10, 20}
	peaks := zipPeaks(mz, intensity)
	if len(peaks) != 2 {
		t.Fatalf("got %d peaks, want 2", len(peaks))
	}

	// Non-positive intensity is dropped.
	peaks = zipPeaks([]float64{100, 200, 300}, []float64{10, 0, -5})
	if len(peaks) != 1 || peaks[0].Mz != 100 {
		t.Errorf("peaks = %+v", peaks)
	}
}

func TestTICSynthesis(t *testing.T) {
	doc := mzMLDoc(
		mzMLSpectrumXML(0, 0.0, []float64{100}, []float64{100}),
		mzMLSpectrumXML(1, 30.0, []float64{100}, []float64{200}),
	)

	res, err := Parse(doc, "tic.mzML")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	chroms := res.Document.Chromatograms
	if len(chroms) != 1 {
		t.Fatalf("got %d chromatograms, want 1 synthesized", len(chroms))
	}
	tic := chroms[0]
	if tic.ID != "TIC" {
		t.Errorf("chromatogram id = %q, want TIC", tic.ID)
	}
	wantTimes := []float64{0.0, 0.5}
	wantIntensities := []float64{100, 200}
	for i := range wantTimes {
		if math.Abs(tic.TimeArray[i]-wantTimes[i]) > 1e-9 {
			t.Errorf("time[%d] = %v, want %v", i, tic.TimeArray[i], wantTimes[i])
		}
		if tic.IntensityArray[i] != wantIntensities[i] {
			t.Errorf("intensity[%d] = %v, want %v", i, tic.IntensityArray[i], wantIntensities[i])
		}
	}
}

func TestEmptyPeakSpectrumRetained(t *testing.T) {
	// Intensity array declares 4 values but payload holds 1: the decode
	// degrades to empty, the spectrum is kept with no peaks.
	broken := fmt.Sprintf(`<mzML version="1.1.0"><run id="r">
<spectrumList count="1"><spectrum index="0" id="scan=1">
  <binaryDataArrayList count="2">
    <binaryDataArray arrayLength="2">
      <cvParam accession="MS:1000523" name="64-bit float"/>
      <cvParam accession="MS:1000514" name="m/z array"/>
      <binary>%s</binary>
    </binaryDataArray>
    <binaryDataArray arrayLength="4">
      <cvParam accession="MS:1000523" name="64-bit float"/>
      <cvParam accession="MS:1000515" name="intensity array"/>
      <binary>%s</binary>
    </binaryDataArray>
  </binaryDataArrayList>
</spectrum></spectrumList></run></mzML>`, b64Floats64([]float64{1, 2}), b64Floats64([]float64{9}))

	res, err := Parse([]byte(broken), "broken.mzML")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	d := res.Document
	if d.TotalSpectra != 1 {
		t.Fatalf("spectrum dropped, TotalSpectra = %d", d.TotalSpectra)
	}
	if len(d.Spectra[0].Peaks) != 0 {
		t.Errorf("expected empty peak list, got %d peaks", len(d.Spectra[0].Peaks))
	}
	if len(res.DecodeErrs) == 0 {
		t.Error("expected decode diagnostics")
	}
	if !d.Degraded {
		t.Error("expected document flagged degraded")
	}
}

func TestParseMzXML(t *testing.T) {
	// Interleaved (mz, intensity) pairs, 32-bit.
	pairs := []float64{180.063, 1500, 181.07, 50}
	doc := []byte(fmt.Sprintf(`<?xml version="1.0"?>
<mzXML xmlns="http://sashimi.sourceforge.net/schema_revision/mzXML_3.2">
  <msRun scanCount="1">
    <scan num="7" msLevel="1" retentionTime="PT90S" peaksCount="2" totIonCurrent="1550">
      <peaks precision="32" compressionType="none">%s</peaks>
    </scan>
  </msRun>
</mzXML>`, b64Floats32(pairs)))

	res, err := Parse(doc, "sample.mzXML")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	d := res.Document
	if res.Format != FormatMzXML {
		t.Errorf("format = %v, want mzXML", res.Format)
	}
	s := d.Spectra[0]
	if s.ScanNumber != 7 {
		t.Errorf("ScanNumber = %d, want 7", s.ScanNumber)
	}
	// PT90S normalized to 1.5 minutes.
	if math.Abs(s.RetentionTime-1.5) > 1e-9 {
		t.Errorf("RetentionTime = %v, want 1.5", s.RetentionTime)
	}
	if len(s.Peaks) != 2 {
		t.Fatalf("got %d peaks, want 2", len(s.Peaks))
	}
	if float32(s.Peaks[0].Mz) != 180.063 || s.Peaks[0].Intensity != 1500 {
		t.Errorf("peak 0 = %+v", s.Peaks[0])
	}
	if s.TotalIonCurrent != 1550 {
		t.Errorf("TIC = %v, want declared 1550", s.TotalIonCurrent)
	}
}

func TestParseUnknownFormat(t *testing.T) {
	_, err := Parse([]byte(`<html><body>not ms data</body></html>`), "page.html")
	if err == nil {
		t.Fatal("expected format error")
	}
	if !errors.IsCode(err, errors.CodeUnknownFormat) {
		t.Errorf("error code = %v, want %v", errors.GetCode(err), errors.CodeUnknownFormat)
	}
}

func TestParseBatchIsolatesFailures(t *testing.T) {
	good := mzMLDoc(mzMLSpectrumXML(0, 10, []float64{100}, []float64{10}))
	files := map[string][]byte{
		"good.mzML": good,
		"bad.txt":   []byte("plain text"),
	}

	results, err := ParseBatch(context.Background(), files)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Document.FileName != "good.mzML" {
		t.Errorf("unexpected document %q", results[0].Document.FileName)
	}
	if err == nil {
		t.Error("expected aggregated error for the bad file")
	}
}

func TestParseBatchLimit(t *testing.T) {
	files := map[string][]byte{}
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("s%d.mzML", i)
		files[name] = mzMLDoc(mzMLSpectrumXML(0, 10, []float64{100}, []float64{10}))
	}

	// A serial limit and the zero fallback both parse every file.
	for _, limit := range []int{1, 0} {
		results, err := ParseBatchLimit(context.Background(), files, limit)
		if err != nil {
			t.Fatalf("limit=%d: %v", limit, err)
		}
		if len(results) != len(files) {
			t.Errorf("limit=%d: got %d results, want %d", limit, len(results), len(files))
		}
	}
}

func TestMzXMLRetentionTimeForms(t *testing.T) {
	cases := map[string]float64{
		"PT12.5S":  12.5 / 60,
		"PT2M30S":  2.5,
		"PT1H":     60,
		"90":       1.5,
		"":         0,
	}
	for in, want := range cases {
		if got := parseMzXMLRetentionTime(in); math.Abs(got-want) > 1e-9 {
			t.Errorf("parseMzXMLRetentionTime(%q) = %v, want %v", in, got, want)
		}
	}
}
