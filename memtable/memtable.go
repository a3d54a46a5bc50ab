// Package memtable holds the in-memory ordered index of rows for the
// columnar engine. Every row lives here for the lifetime of the engine; the
// WAL is the durable copy it is rebuilt from.
package memtable

import (
	"bytes"
	"sync"

	"github.com/INLOpen/skiplist"
)

// Entry is a row key and its stored cell.
type Entry struct {
	Key   []byte
	Value []byte
}

// size returns the estimated memory size of the entry.
func (e *Entry) size() int64 {
	return int64(len(e.Key) + len(e.Value))
}

// Memtable is an ordered map from row key to cell, safe for concurrent use.
type Memtable struct {
	mu        sync.RWMutex
	data      *skiplist.SkipList[[]byte, *Entry]
	sizeBytes int64
}

// New creates an empty memtable ordered by raw key bytes.
func New() *Memtable {
	return &Memtable{
		data: skiplist.NewWithComparator[[]byte, *Entry](bytes.Compare),
	}
}

// Put inserts or replaces key. It reports whether an entry was replaced,
// which only happens when a WAL record is replayed twice.
func (m *Memtable) Put(key, value []byte) (replaced bool) {
	entry := &Entry{Key: key, Value: value}

	m.mu.Lock()
	defer m.mu.Unlock()

	oldNode := m.data.Insert(key, entry)
	if oldNode != nil {
		m.sizeBytes -= oldNode.Value().size()
		replaced = true
	}
	m.sizeBytes += entry.size()
	return replaced
}

// ScanPrefix returns every entry whose key starts with prefix, in key order.
// The returned entries must not be modified.
func (m *Memtable) ScanPrefix(prefix []byte) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	iter := m.data.NewIterator()
	for ok := iter.Seek(prefix); ok; ok = iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		out = append(out, *iter.Value())
	}
	return out
}

// Len returns the number of entries in the memtable.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// Size returns the estimated memory held by keys and cells.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}
