package msdata

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/decode"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// Controlled-vocabulary accessions used by the mzML dialect.
const (
	cvMzArray           = "MS:1000514"
	cvIntensityArray    = "MS:1000515"
	cvTimeArray         = "MS:1000595"
	cv32BitFloat        = "MS:1000521"
	cv64BitFloat        = "MS:1000523"
	cvZlibCompression   = "MS:1000574"
	cvNoCompression     = "MS:1000576"
	cvMSLevel           = "MS:1000511"
	cvScanStartTime     = "MS:1000016"
	cvBasePeakMz        = "MS:1000504"
	cvBasePeakIntensity = "MS:1000505"
	cvTotalIonCurrent   = "MS:1000285"
	cvInstrumentModel   = "MS:1000031"
	cvIsolationTargetMz = "MS:1000827"
)

// cvParam is one controlled-vocabulary term attached to an element.
type cvParam struct {
	Accession string `xml:"accession,attr"`
	Name      string `xml:"name,attr"`
	Value     string `xml:"value,attr"`
	UnitName  string `xml:"unitName,attr"`
}

type mzMLFile struct {
	XMLName xml.Name `xml:"mzML"`
	Instr   struct {
		Configs []struct {
			CvParams []cvParam `xml:"cvParam"`
		} `xml:"instrumentConfiguration"`
	} `xml:"instrumentConfigurationList"`
	Run struct {
		SpectrumList struct {
			Spectra []mzMLSpectrum `xml:"spectrum"`
		} `xml:"spectrumList"`
		ChromatogramList struct {
			Chromatograms []mzMLChromatogram `xml:"chromatogram"`
		} `xml:"chromatogramList"`
	} `xml:"run"`
}

type mzMLSpectrum struct {
	Index int    `xml:"index,attr"`
	ID    string `xml:"id,attr"`

	// DefaultArrayLength is the spectrum-level length declaration; the
	// per-array arrayLength attribute is optional and usually absent.
	DefaultArrayLength int `xml:"defaultArrayLength,attr"`

	CvParams []cvParam `xml:"cvParam"`
	ScanList struct {
		Scans []struct {
			CvParams []cvParam `xml:"cvParam"`
		} `xml:"scan"`
	} `xml:"scanList"`
	Arrays mzMLBinaryArrayList `xml:"binaryDataArrayList"`
}

type mzMLChromatogram struct {
	Index              int       `xml:"index,attr"`
	ID                 string    `xml:"id,attr"`
	DefaultArrayLength int       `xml:"defaultArrayLength,attr"`
	CvParams           []cvParam `xml:"cvParam"`
	Precursor struct {
		IsolationWindow struct {
			CvParams []cvParam `xml:"cvParam"`
		} `xml:"isolationWindow"`
	} `xml:"precursor"`
	Arrays mzMLBinaryArrayList `xml:"binaryDataArrayList"`
}

type mzMLBinaryArrayList struct {
	Arrays []mzMLBinaryArray `xml:"binaryDataArray"`
}

type mzMLBinaryArray struct {
	ArrayLength int       `xml:"arrayLength,attr"`
	CvParams    []cvParam `xml:"cvParam"`
	Binary      string    `xml:"binary"`
}

func findParam(params []cvParam, accession string) (cvParam, bool) {
	for _, p := range params {
		if p.Accession == accession {
			return p, true
		}
	}
	return cvParam{}, false
}

func paramFloat(params []cvParam, accession string) (float64, bool) {
	p, ok := findParam(params, accession)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// decodeOptions reads an array's declared precision, compression and
// semantic type from its cvParams. Undeclared fields take the format
// defaults: 32-bit, uncompressed, m/z.
func (a *mzMLBinaryArray) decodeOptions(declaredLength int) decode.Options {
	length := a.ArrayLength
	if length <= 0 {
		length = declaredLength
	}
	opts := decode.DefaultOptions(length)
	if _, ok := findParam(a.CvParams, cv64BitFloat); ok {
		opts.Precision = decode.Precision64
	}
	if _, ok := findParam(a.CvParams, cvZlibCompression); ok {
		opts.Compression = decode.CompressionZlib
	}
	if _, ok := findParam(a.CvParams, cvIntensityArray); ok {
		opts.ArrayType = decode.ArrayTypeIntensity
	} else if _, ok := findParam(a.CvParams, cvTimeArray); ok {
		opts.ArrayType = decode.ArrayTypeTime
	}
	return opts
}

type mzMLParser struct{}

func (mzMLParser) parse(raw []byte, fileName string, diag *parseDiagnostics) (*model.SampleDocument, error) {
	// indexedmzML wraps the real document; unwrap before decoding.
	var wrapper struct {
		XMLName xml.Name
		MzML    *mzMLFile `xml:"mzML"`
	}
	var file mzMLFile
	if err := xml.Unmarshal(raw, &wrapper); err == nil && wrapper.XMLName.Local == "indexedmzML" && wrapper.MzML != nil {
		file = *wrapper.MzML
	} else if err := xml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, errors.CodeMalformedXML, "mzML parse failed").
			WithContext("file", fileName)
	}

	doc := &model.SampleDocument{FileName: fileName}
	for _, ic := range file.Instr.Configs {
		if p, ok := findParam(ic.CvParams, cvInstrumentModel); ok {
			doc.InstrumentModel = p.Name
			break
		}
		for _, p := range ic.CvParams {
			if strings.HasPrefix(p.Accession, "MS:") && p.Name != "" {
				doc.InstrumentModel = p.Name
				break
			}
		}
	}

	for i, sp := range file.Run.SpectrumList.Spectra {
		doc.Spectra = append(doc.Spectra, convertMzMLSpectrum(sp, i, diag))
	}

	for _, ch := range file.Run.ChromatogramList.Chromatograms {
		doc.Chromatograms = append(doc.Chromatograms, convertMzMLChromatogram(ch, diag))
	}

	return doc, nil
}

func convertMzMLSpectrum(sp mzMLSpectrum, index int, diag *parseDiagnostics) model.Spectrum {
	s := model.Spectrum{
		ID:         sp.ID,
		ScanNumber: scanNumberFromID(sp.ID, index),
		MSLevel:    1,
	}
	if v, ok := paramFloat(sp.CvParams, cvMSLevel); ok && v >= 1 {
		s.MSLevel = int(v)
	}
	if v, ok := paramFloat(sp.CvParams, cvBasePeakMz); ok {
		s.BasePeakMz = v
	}
	if v, ok := paramFloat(sp.CvParams, cvBasePeakIntensity); ok {
		s.BasePeakIntensity = v
	}
	if v, ok := paramFloat(sp.CvParams, cvTotalIonCurrent); ok {
		s.TotalIonCurrent = v
	}

	for _, scan := range sp.ScanList.Scans {
		if p, ok := findParam(scan.CvParams, cvScanStartTime); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64); err == nil {
				s.RetentionTime = normalizeRT(v, p.UnitName)
			}
			break
		}
	}

	mzValues, intValues := decodeArrayPair(sp.Arrays, sp.DefaultArrayLength, diag)
	s.Peaks = zipPeaks(mzValues, intValues)
	s.ComputeSummary()
	return s
}

func convertMzMLChromatogram(ch mzMLChromatogram, diag *parseDiagnostics) model.Chromatogram {
	c := model.Chromatogram{ID: ch.ID}
	if v, ok := paramFloat(ch.Precursor.IsolationWindow.CvParams, cvIsolationTargetMz); ok {
		c.PrecursorMz = v
	}

	for _, arr := range ch.Arrays.Arrays {
		opts := arr.decodeOptions(ch.DefaultArrayLength)
		res := decode.Decode(strings.TrimSpace(arr.Binary), opts)
		if res.Err != nil {
			diag.record(res.Err)
			continue
		}
		switch opts.ArrayType {
		case decode.ArrayTypeTime:
			c.TimeArray = res.Values
		case decode.ArrayTypeIntensity:
			c.IntensityArray = res.Values
		}
	}

	// Invariant: both axes are the same length.
	if len(c.TimeArray) != len(c.IntensityArray) {
		n := len(c.TimeArray)
		if len(c.IntensityArray) < n {
			n = len(c.IntensityArray)
		}
		c.TimeArray = c.TimeArray[:n]
		c.IntensityArray = c.IntensityArray[:n]
	}
	return c
}

// decodeArrayPair locates the m/z and intensity arrays in a binary array
// list and decodes both. declaredLength is the spectrum's
// defaultArrayLength, used for arrays that carry no arrayLength of
// their own. A failed decode leaves that side empty; the caller zips
// positionally and truncates to the shorter side.
func decodeArrayPair(list mzMLBinaryArrayList, declaredLength int, diag *parseDiagnostics) ([]float64, []float64) {
	var mzValues, intValues []float64
	for _, arr := range list.Arrays {
		opts := arr.decodeOptions(declaredLength)
		res := decode.Decode(strings.TrimSpace(arr.Binary), opts)
		if res.Err != nil {
			diag.record(res.Err)
		}
		switch opts.ArrayType {
		case decode.ArrayTypeMz:
			mzValues = res.Values
		case decode.ArrayTypeIntensity:
			intValues = res.Values
		}
	}
	return mzValues, intValues
}

// scanNumberFromID extracts the scan number from ids like
// "controllerType=0 controllerNumber=1 scan=42". Falls back to index+1.
func scanNumberFromID(id string, index int) int {
	for _, field := range strings.Fields(id) {
		if n, ok := strings.CutPrefix(field, "scan="); ok {
			if v, err := strconv.Atoi(n); err == nil {
				return v
			}
		}
	}
	return index + 1
}

// normalizeRT converts a scan start time to minutes.
func normalizeRT(value float64, unit string) float64 {
	switch strings.ToLower(unit) {
	case "second", "seconds", "s":
		return value / 60
	default:
		return value
	}
}
