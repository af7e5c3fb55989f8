// Package decode implements binary spectral array decoding.
//
// Instrument interchange files carry peak data as base64-encoded,
// optionally zlib-compressed little-endian IEEE-754 float arrays. The
// decoder degrades gracefully: malformed payloads produce an empty
// array and a diagnostic error, never a process-wide fault.
package decode

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"io"
	"math"

	"github.com/metaboflow/metaboflow/internal/pool"
	"github.com/metaboflow/metaboflow/pkg/errors"
)

// Scratch buffers for the per-spectrum decode loop. Decoded values are
// copied into the result before the buffers return to the pool.
var payloadPool = pool.NewBufferPool(pool.DefaultBufferSize)

// Precision is the declared bit width of each encoded value.
type Precision int

const (
	Precision32 Precision = 32
	Precision64 Precision = 64
)

// BytesPerValue returns the encoded size of one value.
func (p Precision) BytesPerValue() int {
	if p == Precision64 {
		return 8
	}
	return 4
}

// Compression identifies the payload compression scheme.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZlib Compression = "zlib"
)

// ArrayType is the semantic type of a decoded array.
type ArrayType string

const (
	ArrayTypeMz        ArrayType = "mz"
	ArrayTypeIntensity ArrayType = "intensity"
	ArrayTypeTime      ArrayType = "time"
)

// Result holds one decoded array. Err, when set, explains why Values is
// shorter than declared (or empty); it is diagnostic, not fatal.
type Result struct {
	Values    []float64
	ArrayType ArrayType
	Err       error
}

// Options declares how a binary payload is encoded.
type Options struct {
	Length      int
	Precision   Precision
	Compression Compression
	ArrayType   ArrayType
}

// DefaultOptions matches the format default for undeclared arrays:
// 32-bit, uncompressed, m/z.
func DefaultOptions(length int) Options {
	return Options{
		Length:      length,
		Precision:   Precision32,
		Compression: CompressionNone,
		ArrayType:   ArrayTypeMz,
	}
}

// Decode decodes one base64 binary array into float64 values.
//
// NaN and infinite values are dropped, so the output may be shorter than
// the declared length. A buffer shorter than length*bytesPerValue yields
// an empty result with a length-mismatch error: partial reads would
// silently misalign every following value.
func Decode(base64Text string, opts Options) Result {
	res := Result{ArrayType: opts.ArrayType, Values: []float64{}}
	if opts.Length <= 0 || base64Text == "" {
		return res
	}

	buf := payloadPool.Get()
	defer payloadPool.Put(buf)
	buf.Grow(base64.StdEncoding.DecodedLen(len(base64Text)))

	dst := buf.Data[:base64.StdEncoding.DecodedLen(len(base64Text))]
	n, err := base64.StdEncoding.Decode(dst, []byte(base64Text))
	if err != nil {
		res.Err = errors.Wrap(err, errors.CodeDecodeBase64, "malformed base64 payload")
		return res
	}
	raw := dst[:n]

	switch opts.Compression {
	case CompressionZlib:
		inflated := payloadPool.Get()
		defer payloadPool.Put(inflated)
		if err := inflate(inflated, raw); err != nil {
			res.Err = errors.Wrap(err, errors.CodeDecodeCompression, "zlib inflate failed")
			return res
		}
		raw = inflated.Data
	case CompressionNone, "":
		// raw bytes are the value buffer
	default:
		res.Err = errors.New(errors.CodeDecodeCompression, "unsupported compression scheme").
			WithContext("compression", string(opts.Compression))
		return res
	}

	bpv := opts.Precision.BytesPerValue()
	if len(raw) < opts.Length*bpv {
		res.Err = errors.DecodeLengthMismatch(opts.Length, len(raw))
		return res
	}

	values := make([]float64, 0, opts.Length)
	for i := 0; i < opts.Length; i++ {
		var v float64
		off := i * bpv
		if opts.Precision == Precision64 {
			v = math.Float64frombits(binary.LittleEndian.Uint64(raw[off : off+8]))
		} else {
			v = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[off : off+4])))
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		values = append(values, v)
	}
	res.Values = values
	return res
}

func inflate(out *pool.ByteBuffer, raw []byte) error {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer zr.Close()
	_, err = io.Copy(out, zr)
	return err
}
