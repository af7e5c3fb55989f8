package msdata

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format identifies a supported instrument file dialect.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatMzML
	FormatMzXML
)

func (f Format) String() string {
	switch f {
	case FormatMzML:
		return "mzML"
	case FormatMzXML:
		return "mzXML"
	default:
		return "unknown"
	}
}

// DetectFormat identifies the dialect from the document root element,
// falling back to the file extension when the content is ambiguous.
func DetectFormat(path string, sample []byte) Format {
	// Root element wins over extension. indexedmzML wraps mzML.
	if bytes.Contains(sample, []byte("<mzML")) || bytes.Contains(sample, []byte("<indexedmzML")) {
		return FormatMzML
	}
	if bytes.Contains(sample, []byte("<mzXML")) || bytes.Contains(sample, []byte("<msRun")) {
		return FormatMzXML
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mzml":
		return FormatMzML
	case ".mzxml":
		return FormatMzXML
	}
	return FormatUnknown
}
