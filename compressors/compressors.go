// Package compressors provides the cell codecs used by the columnar engine.
package compressors

import (
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/replaystore/core"
)

// ErrIncompressible is returned by block compressors that cannot shrink the input.
// Callers store such cells uncompressed.
var ErrIncompressible = errors.New("data is incompressible")

// MaxCellSize is the largest uncompressed cell the codecs accept.
const MaxCellSize = 1 << 30

// SizedDecompressor is implemented by codecs that can decode straight into a
// buffer of a known uncompressed length.
type SizedDecompressor interface {
	DecompressSized(data []byte, size int) ([]byte, error)
}

// New returns the compressor for the given type.
func New(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type %d", t)
	}
}

// DecompressAll decompresses data fully into memory.
func DecompressAll(c core.Compressor, data []byte) ([]byte, error) {
	rc, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%s decompress read: %w", c.Type(), err)
	}
	return out, nil
}

// DecompressExact decompresses data whose uncompressed length is known to be
// size. A result of any other length is an error.
func DecompressExact(c core.Compressor, data []byte, size int) ([]byte, error) {
	if size < 0 || size > MaxCellSize {
		return nil, fmt.Errorf("%s: uncompressed size %d out of range", c.Type(), size)
	}
	var (
		out []byte
		err error
	)
	if sd, ok := c.(SizedDecompressor); ok {
		out, err = sd.DecompressSized(data, size)
	} else {
		out, err = DecompressAll(c, data)
	}
	if err != nil {
		return nil, err
	}
	if len(out) != size {
		return nil, fmt.Errorf("%s: decompressed %d bytes, expected %d", c.Type(), len(out), size)
	}
	return out, nil
}
