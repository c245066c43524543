// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Package table implements the persisted allowlist: a single file holding a
// fixed number of record slots behind a small checksummed header that carries
// the table's version token.
//
// File layout:
//
//	0   magic "GKT1"
//	4   capacity (uint32, big endian)
//	8   count    (uint32, big endian)
//	12  version length (uint8)
//	13  version, zero padded to MaxVersionLen bytes
//	59  flags (bit 0: sealed)
//	60  CRC-32 (IEEE) of bytes 0..59
//	64  capacity * record.SlotSize bytes of slots
//
// Records are only ever appended to a table that is being built; the live
// table is swapped as a whole with Replace. A table is sealed once it has
// been fully written and checked, and only sealed tables may go live.
package table

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/toeirei/gatekeeper/internal/logging"
	"github.com/toeirei/gatekeeper/internal/record"
)

const (
	// Sentinel is the version of a table that has never been synced. It cannot
	// match a remote token, so the first sync always transfers.
	Sentinel = "DEADBEEF"
	// MaxVersionLen bounds the version token stored in the header.
	MaxVersionLen = 46
	// MaxCapacity bounds the slot count of a single table.
	MaxCapacity = 1 << 20

	headerSize  = 64
	flagsOffset = 59
	crcOffset   = 60

	flagSealed byte = 1 << 0
	scanChunk  = 256
)

var magic = []byte("GKT1")

// Table is an open table file.
type Table struct {
	fs       afero.Fs
	path     string
	f        afero.File
	capacity int
	count    int
	version  string
	sealed   bool
}

// Size returns the file size of a table with the given capacity.
func Size(capacity int) int64 {
	return headerSize + int64(capacity)*record.SlotSize
}

// Create allocates a new table at path, replacing any file already there.
// The new table is empty and carries the Sentinel version.
func Create(fs afero.Fs, path string, capacity int) (*Table, error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, fmt.Errorf("table capacity %d out of range [1, %d]", capacity, MaxCapacity)
	}
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, storageFault("create "+path, err)
	}
	t := &Table{fs: fs, path: path, f: f, capacity: capacity, version: Sentinel}
	if err := f.Truncate(Size(capacity)); err != nil {
		_ = f.Close()
		return nil, storageFault("allocate "+path, err)
	}
	if err := t.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

// Open opens an existing table. It returns ErrNotFound when path does not
// exist and ErrStorageFault when the file is not a well-formed table.
func Open(fs afero.Fs, path string) (*Table, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, storageFault("open "+path, err)
	}
	t := &Table{fs: fs, path: path, f: f}
	if err := t.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

// Path returns the file the table lives in.
func (t *Table) Path() string { return t.path }

// Capacity returns the fixed maximum number of records.
func (t *Table) Capacity() int { return t.capacity }

// Count returns the number of occupied slots.
func (t *Table) Count() int { return t.count }

// Version returns the version token of the table contents.
func (t *Table) Version() string { return t.version }

// Sealed reports whether the table was marked complete with Seal.
func (t *Table) Sealed() bool { return t.sealed }

// Seal marks the table as complete. A sealed table accepts no more records.
func (t *Table) Seal() error {
	if t.f == nil {
		return ErrClosed
	}
	if t.sealed {
		return nil
	}
	t.sealed = true
	if err := t.writeHeader(); err != nil {
		t.sealed = false
		return err
	}
	return nil
}

// SetVersion stores a new version token in the header.
func (t *Table) SetVersion(token string) error {
	if t.f == nil {
		return ErrClosed
	}
	if len(token) > MaxVersionLen {
		return fmt.Errorf("version token of %d bytes exceeds %d", len(token), MaxVersionLen)
	}
	prev := t.version
	t.version = token
	if err := t.writeHeader(); err != nil {
		t.version = prev
		return err
	}
	return nil
}

// Append writes rec into the next free slot.
func (t *Table) Append(rec record.Record) error {
	if t.f == nil {
		return ErrClosed
	}
	if t.sealed {
		return fmt.Errorf("append to sealed table %s", t.path)
	}
	if t.count >= t.capacity {
		return ErrTableFull
	}
	slot, err := record.Encode(rec.Key)
	if err != nil {
		return err
	}
	if _, err := t.f.WriteAt(slot, slotOffset(t.count)); err != nil {
		return storageFault("write slot", err)
	}
	t.count++
	if err := t.writeHeader(); err != nil {
		t.count--
		return err
	}
	return nil
}

// Contains reports whether key occupies any slot. Unreadable slots are
// skipped.
func (t *Table) Contains(key string) (bool, error) {
	found := false
	err := t.scan(func(i int, k string) bool {
		if k == key {
			logging.Debugf("key %s found in %s, slot %d", key, t.path, i)
			found = true
			return false
		}
		return true
	})
	return found, err
}

// Keys returns every readable key in slot order.
func (t *Table) Keys() ([]string, error) {
	keys := make([]string, 0, t.count)
	err := t.scan(func(_ int, k string) bool {
		keys = append(keys, k)
		return true
	})
	return keys, err
}

// Close flushes and closes the file. Closing twice is a no-op.
func (t *Table) Close() error {
	if t.f == nil {
		return nil
	}
	f := t.f
	t.f = nil
	serr := f.Sync()
	if cerr := f.Close(); cerr != nil {
		return storageFault("close "+t.path, cerr)
	}
	if serr != nil {
		return storageFault("sync "+t.path, serr)
	}
	return nil
}

func (t *Table) scan(fn func(i int, key string) bool) error {
	if t.f == nil {
		return ErrClosed
	}
	buf := make([]byte, scanChunk*record.SlotSize)
	for start := 0; start < t.count; start += scanChunk {
		n := t.count - start
		if n > scanChunk {
			n = scanChunk
		}
		chunk := buf[:n*record.SlotSize]
		if _, err := t.f.ReadAt(chunk, slotOffset(start)); err != nil && !errors.Is(err, io.EOF) {
			return storageFault("read slots", err)
		}
		for j := 0; j < n; j++ {
			key, err := record.Decode(chunk[j*record.SlotSize : (j+1)*record.SlotSize])
			if err != nil {
				logging.Warnf("table %s: unreadable slot %d: %v", t.path, start+j, err)
				continue
			}
			if !fn(start+j, key) {
				return nil
			}
		}
	}
	return nil
}

func slotOffset(i int) int64 {
	return headerSize + int64(i)*record.SlotSize
}

func (t *Table) writeHeader() error {
	h := make([]byte, headerSize)
	copy(h[0:4], magic)
	binary.BigEndian.PutUint32(h[4:8], uint32(t.capacity))
	binary.BigEndian.PutUint32(h[8:12], uint32(t.count))
	h[12] = byte(len(t.version))
	copy(h[13:13+MaxVersionLen], t.version)
	if t.sealed {
		h[flagsOffset] |= flagSealed
	}
	binary.BigEndian.PutUint32(h[crcOffset:], crc32.ChecksumIEEE(h[:crcOffset]))
	if _, err := t.f.WriteAt(h, 0); err != nil {
		return storageFault("write header", err)
	}
	return nil
}

func (t *Table) readHeader() error {
	h := make([]byte, headerSize)
	if _, err := t.f.ReadAt(h, 0); err != nil {
		return storageFault("read header of "+t.path, err)
	}
	if string(h[0:4]) != string(magic) {
		return storageFault("bad magic in "+t.path, nil)
	}
	if binary.BigEndian.Uint32(h[crcOffset:]) != crc32.ChecksumIEEE(h[:crcOffset]) {
		return storageFault("header checksum mismatch in "+t.path, nil)
	}
	capacity := int(binary.BigEndian.Uint32(h[4:8]))
	count := int(binary.BigEndian.Uint32(h[8:12]))
	vlen := int(h[12])
	flags := h[flagsOffset]
	if capacity < 1 || capacity > MaxCapacity || count > capacity || vlen > MaxVersionLen || flags&^flagSealed != 0 {
		return storageFault(fmt.Sprintf("implausible header in %s (capacity %d, count %d)", t.path, capacity, count), nil)
	}
	fi, err := t.f.Stat()
	if err != nil {
		return storageFault("stat "+t.path, err)
	}
	if fi.Size() != Size(capacity) {
		return storageFault(fmt.Sprintf("%s is %d bytes, want %d", t.path, fi.Size(), Size(capacity)), nil)
	}
	t.capacity = capacity
	t.count = count
	t.version = string(h[13 : 13+vlen])
	t.sealed = flags&flagSealed != 0
	return nil
}
