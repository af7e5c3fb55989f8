package msdata

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/decode"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

type mzXMLFile struct {
	XMLName xml.Name `xml:"mzXML"`
	MsRun   struct {
		Instrument struct {
			Model struct {
				Value string `xml:"value,attr"`
			} `xml:"msModel"`
		} `xml:"msInstrument"`
		Scans []mzXMLScan `xml:"scan"`
	} `xml:"msRun"`
}

type mzXMLScan struct {
	Num               int        `xml:"num,attr"`
	MSLevel           int        `xml:"msLevel,attr"`
	RetentionTime     string     `xml:"retentionTime,attr"`
	BasePeakMz        float64    `xml:"basePeakMz,attr"`
	BasePeakIntensity float64    `xml:"basePeakIntensity,attr"`
	TotIonCurrent     float64    `xml:"totIonCurrent,attr"`
	PeaksCount        int        `xml:"peaksCount,attr"`
	Peaks             mzXMLPeaks `xml:"peaks"`
	// mzXML nests fragmentation scans inside their parent scan.
	Children []mzXMLScan `xml:"scan"`
}

type mzXMLPeaks struct {
	Precision       int    `xml:"precision,attr"`
	CompressionType string `xml:"compressionType,attr"`
	Body            string `xml:",chardata"`
}

type mzXMLParser struct{}

func (mzXMLParser) parse(raw []byte, fileName string, diag *parseDiagnostics) (*model.SampleDocument, error) {
	var file mzXMLFile
	if err := xml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, errors.CodeMalformedXML, "mzXML parse failed").
			WithContext("file", fileName)
	}

	doc := &model.SampleDocument{
		FileName:        fileName,
		InstrumentModel: file.MsRun.Instrument.Model.Value,
	}

	var walk func(scans []mzXMLScan)
	walk = func(scans []mzXMLScan) {
		for _, sc := range scans {
			doc.Spectra = append(doc.Spectra, convertMzXMLScan(sc, len(doc.Spectra), diag))
			walk(sc.Children)
		}
	}
	walk(file.MsRun.Scans)

	// mzXML has no chromatogram elements; the caller synthesizes a TIC
	// trace from the spectra.
	return doc, nil
}

func convertMzXMLScan(sc mzXMLScan, index int, diag *parseDiagnostics) model.Spectrum {
	s := model.Spectrum{
		ID:                "scan=" + strconv.Itoa(scanNum(sc, index)),
		ScanNumber:        scanNum(sc, index),
		MSLevel:           sc.MSLevel,
		RetentionTime:     parseMzXMLRetentionTime(sc.RetentionTime),
		BasePeakMz:        sc.BasePeakMz,
		BasePeakIntensity: sc.BasePeakIntensity,
		TotalIonCurrent:   sc.TotIonCurrent,
	}
	if s.MSLevel < 1 {
		s.MSLevel = 1
	}

	s.Peaks = decodeMzXMLPeaks(sc.Peaks, sc.PeaksCount, diag)
	s.ComputeSummary()
	return s
}

func scanNum(sc mzXMLScan, index int) int {
	if sc.Num > 0 {
		return sc.Num
	}
	return index + 1
}

// decodeMzXMLPeaks decodes the interleaved m/z-intensity pair array of a
// <peaks> element and splits it into Peak records.
func decodeMzXMLPeaks(peaks mzXMLPeaks, peaksCount int, diag *parseDiagnostics) []model.Peak {
	precision := decode.Precision32
	if peaks.Precision == 64 {
		precision = decode.Precision64
	}
	compression := decode.CompressionNone
	if strings.EqualFold(peaks.CompressionType, "zlib") {
		compression = decode.CompressionZlib
	}

	res := decode.Decode(strings.TrimSpace(peaks.Body), decode.Options{
		Length:      peaksCount * 2,
		Precision:   precision,
		Compression: compression,
		ArrayType:   decode.ArrayTypeMz,
	})
	if res.Err != nil {
		diag.record(res.Err)
		return []model.Peak{}
	}

	mzValues := make([]float64, 0, peaksCount)
	intValues := make([]float64, 0, peaksCount)
	for i := 0; i+1 < len(res.Values); i += 2 {
		mzValues = append(mzValues, res.Values[i])
		intValues = append(intValues, res.Values[i+1])
	}
	return zipPeaks(mzValues, intValues)
}

// parseMzXMLRetentionTime accepts ISO-8601 durations ("PT12.5S",
// "PT2M30S") and bare second counts, normalized to minutes.
func parseMzXMLRetentionTime(rt string) float64 {
	rt = strings.TrimSpace(rt)
	if rt == "" {
		return 0
	}
	if strings.HasPrefix(rt, "PT") {
		return parseISODuration(rt[2:]) / 60
	}
	if v, err := strconv.ParseFloat(rt, 64); err == nil {
		return v / 60
	}
	return 0
}

// parseISODuration returns the total seconds of a duration body such as
// "2M30.5S" or "1H2M3S".
func parseISODuration(body string) float64 {
	var total float64
	var num strings.Builder
	for _, r := range body {
		switch r {
		case 'H', 'h':
			v, _ := strconv.ParseFloat(num.String(), 64)
			total += v * 3600
			num.Reset()
		case 'M', 'm':
			v, _ := strconv.ParseFloat(num.String(), 64)
			total += v * 60
			num.Reset()
		case 'S', 's':
			v, _ := strconv.ParseFloat(num.String(), 64)
			total += v
			num.Reset()
		default:
			num.WriteRune(r)
		}
	}
	return total
}
