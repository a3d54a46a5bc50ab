package core

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FileHeader is a standard header for all persistent log and manifest files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// Check verifies the magic number and format version.
func (h *FileHeader) Check(magic uint32) error {
	if h.Magic != magic {
		return fmt.Errorf("invalid magic number: got %x, want %x", h.Magic, magic)
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return fmt.Errorf("unsupported format version %d (max %d)", h.Version, FormatVersion)
	}
	return nil
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}
