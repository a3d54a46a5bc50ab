package core

import "fmt"

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used by the durable engine.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// ManifestMagicNumber identifies the columnar schema manifest.
	ManifestMagicNumber uint32 = 0x5250534D // "RPSM"
)

// WALMagic is kept as the short name used by segment headers.
const WALMagic = WALMagicNumber

// --- File Names & Prefixes ---
const (
	// ManifestFileName is the name of the file describing the column families.
	ManifestFileName = "MANIFEST"
	// WALDirName is the directory holding WAL segments inside a data dir.
	WALDirName = "wal"
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// LockFileName is the base name of the data directory lock.
	LockFileName = "LOCK"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default maximum size for a WAL segment file.
	WALMaxSegmentSize = 64 * 1024 * 1024 // 64 MB
)

// WALSyncMode defines how frequently the WAL is synced to disk.
type WALSyncMode string

const (
	WALSyncAlways   WALSyncMode = "always"   // fsync after every append
	WALSyncDisabled WALSyncMode = "disabled" // leave syncing to the OS, tests only
)

// ParseWALSyncMode validates a configured sync mode.
func ParseWALSyncMode(s string) (WALSyncMode, error) {
	switch WALSyncMode(s) {
	case "", WALSyncAlways:
		return WALSyncAlways, nil
	case WALSyncDisabled:
		return WALSyncDisabled, nil
	default:
		return "", fmt.Errorf("unknown wal sync mode %q", s)
	}
}
