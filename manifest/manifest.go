// Package manifest reads and writes the columnar engine's schema file.
package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/sys"
)

// ErrCorrupt is returned when the manifest fails validation.
var ErrCorrupt = errors.New("manifest is corrupt")

// ColumnFamily is one column family of the wide-column layout.
type ColumnFamily struct {
	Kind core.DataType
	Name string
}

// DefaultColumnFamilies has one family per record kind.
func DefaultColumnFamilies() []ColumnFamily {
	families := make([]ColumnFamily, 0, len(core.DataTypes))
	for _, kind := range core.DataTypes {
		families = append(families, ColumnFamily{Kind: kind, Name: kind.String()})
	}
	return families
}

// Manifest describes the layout of a columnar data directory.
type Manifest struct {
	Version        uint8
	CreatedAt      time.Time
	Compression    core.CompressionType
	ColumnFamilies []ColumnFamily
}

// New returns a manifest for a fresh data directory.
func New(compression core.CompressionType) Manifest {
	return Manifest{
		Version:        core.FormatVersion,
		CreatedAt:      time.Now().UTC(),
		Compression:    compression,
		ColumnFamilies: DefaultColumnFamilies(),
	}
}

// HasFamily reports whether the manifest declares a family for kind.
func (m Manifest) HasFamily(kind core.DataType) bool {
	for _, cf := range m.ColumnFamilies {
		if cf.Kind == kind {
			return true
		}
	}
	return false
}

// MissingFamilies returns the default families the manifest lacks.
func (m Manifest) MissingFamilies() []ColumnFamily {
	var missing []ColumnFamily
	for _, cf := range DefaultColumnFamilies() {
		if !m.HasFamily(cf.Kind) {
			missing = append(missing, cf)
		}
	}
	return missing
}

// Write atomically replaces the manifest in dir.
// Layout: FileHeader | family count (2 LE) | {kind (1) | uvarint name len | name}... | crc32 (4 LE)
func Write(dir string, m Manifest) error {
	var buf bytes.Buffer
	header := core.NewFileHeader(core.ManifestMagicNumber, m.Compression)
	if !m.CreatedAt.IsZero() {
		header.CreatedAt = m.CreatedAt.UnixNano()
	}
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to encode manifest header: %w", err)
	}

	var scratch [binary.MaxVarintLen64]byte
	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(m.ColumnFamilies)))
	buf.Write(scratch[:2])
	for _, cf := range m.ColumnFamilies {
		buf.WriteByte(byte(cf.Kind))
		n := binary.PutUvarint(scratch[:], uint64(len(cf.Name)))
		buf.Write(scratch[:n])
		buf.WriteString(cf.Name)
	}
	binary.LittleEndian.PutUint32(scratch[:4], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(scratch[:4])

	if err := sys.WriteFileAtomic(filepath.Join(dir, core.ManifestFileName), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Read loads the manifest from dir. It reports whether the file existed;
// a missing manifest is not an error.
func Read(dir string) (Manifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, core.ManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := decode(data)
	if err != nil {
		return Manifest{}, true, err
	}
	return m, true, nil
}

func decode(data []byte) (Manifest, error) {
	if len(data) < 4 {
		return Manifest{}, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return Manifest{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	r := bytes.NewReader(body)
	var header core.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return Manifest{}, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if err := header.Check(core.ManifestMagicNumber); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	m := Manifest{
		Version:     header.Version,
		CreatedAt:   time.Unix(0, header.CreatedAt).UTC(),
		Compression: header.CompressorType,
	}
	var count [2]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return Manifest{}, fmt.Errorf("%w: family count: %v", ErrCorrupt, err)
	}
	n := binary.LittleEndian.Uint16(count[:])
	for i := uint16(0); i < n; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: family %d: %v", ErrCorrupt, i, err)
		}
		nameLen, err := binary.ReadUvarint(r)
		if err != nil || nameLen > uint64(r.Len()) {
			return Manifest{}, fmt.Errorf("%w: family %d name", ErrCorrupt, i)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return Manifest{}, fmt.Errorf("%w: family %d name: %v", ErrCorrupt, i, err)
		}
		m.ColumnFamilies = append(m.ColumnFamilies, ColumnFamily{Kind: core.DataType(kind), Name: string(name)})
	}
	if r.Len() != 0 {
		return Manifest{}, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return m, nil
}
