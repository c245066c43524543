// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.
package table

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/toeirei/gatekeeper/internal/record"
)

func key(i int) string {
	return fmt.Sprintf("%032x", i)
}

func TestCreate_IsEmptyWithSentinel(t *testing.T) {
	fs := afero.NewMemMapFs()
	tb, err := Create(fs, "/t.tbl", 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tb.Close()

	if tb.Version() != Sentinel || tb.Count() != 0 || tb.Capacity() != 10 {
		t.Fatalf("unexpected fresh table: version=%q count=%d cap=%d", tb.Version(), tb.Count(), tb.Capacity())
	}
	fi, err := fs.Stat("/t.tbl")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != Size(10) {
		t.Fatalf("file size = %d; want %d", fi.Size(), Size(10))
	}
}

func TestCreate_RejectsBadCapacity(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, c := range []int{0, -1, MaxCapacity + 1} {
		if _, err := Create(fs, "/t.tbl", c); err == nil {
			t.Fatalf("Create(cap=%d) succeeded; want error", c)
		}
	}
}

func TestAppendContainsReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	tb, err := Create(fs, "/t.tbl", 600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 550; i++ {
		if err := tb.Append(record.Record{Key: key(i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := tb.SetVersion(strings.Repeat("1", 32)); err != nil {
		t.Fatalf("SetVersion: %v", err)
	}
	if err := tb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tb, err = Open(fs, "/t.tbl")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tb.Close()
	if tb.Count() != 550 || tb.Version() != strings.Repeat("1", 32) {
		t.Fatalf("reopened count=%d version=%q", tb.Count(), tb.Version())
	}
	// key 549 lives in the third scan chunk.
	for _, i := range []int{0, 300, 549} {
		ok, err := tb.Contains(key(i))
		if err != nil || !ok {
			t.Fatalf("Contains(%d) = %v, %v; want true", i, ok, err)
		}
	}
	ok, err := tb.Contains(key(550))
	if err != nil || ok {
		t.Fatalf("Contains(550) = %v, %v; want false", ok, err)
	}
	keys, err := tb.Keys()
	if err != nil || len(keys) != 550 || keys[10] != key(10) {
		t.Fatalf("Keys() len=%d err=%v", len(keys), err)
	}
}

func TestAppend_TableFull(t *testing.T) {
	fs := afero.NewMemMapFs()
	tb, _ := Create(fs, "/t.tbl", 2)
	defer tb.Close()
	_ = tb.Append(record.Record{Key: key(1)})
	_ = tb.Append(record.Record{Key: key(2)})
	if err := tb.Append(record.Record{Key: key(3)}); !errors.Is(err, ErrTableFull) {
		t.Fatalf("err = %v; want ErrTableFull", err)
	}
	if tb.Count() != 2 {
		t.Fatalf("count = %d; want 2", tb.Count())
	}
}

func TestAppend_RejectsMalformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	tb, _ := Create(fs, "/t.tbl", 2)
	defer tb.Close()
	if err := tb.Append(record.Record{Key: "short"}); !errors.Is(err, record.ErrMalformedRecord) {
		t.Fatalf("err = %v; want ErrMalformedRecord", err)
	}
	if tb.Count() != 0 {
		t.Fatalf("malformed record was counted")
	}
}

func TestSetVersion_TooLong(t *testing.T) {
	fs := afero.NewMemMapFs()
	tb, _ := Create(fs, "/t.tbl", 1)
	defer tb.Close()
	if err := tb.SetVersion(strings.Repeat("x", MaxVersionLen+1)); err == nil {
		t.Fatalf("expected error for oversized version")
	}
	if tb.Version() != Sentinel {
		t.Fatalf("version changed on failure: %q", tb.Version())
	}
}

func TestOpen_NotFound(t *testing.T) {
	_, err := Open(afero.NewMemMapFs(), "/missing.tbl")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v; want ErrNotFound", err)
	}
}

func TestOpen_CorruptIsStorageFault(t *testing.T) {
	fs := afero.NewMemMapFs()
	tb, _ := Create(fs, "/t.tbl", 4)
	_ = tb.Append(record.Record{Key: key(1)})
	_ = tb.Close()

	cases := map[string]func(b []byte) []byte{
		"garbage":   func(b []byte) []byte { return []byte("not a table at all") },
		"flip bit":  func(b []byte) []byte { b[9] ^= 0xff; return b },
		"truncated": func(b []byte) []byte { return b[:len(b)-1] },
	}
	for name, mutate := range cases {
		orig, _ := afero.ReadFile(fs, "/t.tbl")
		path := "/" + strings.ReplaceAll(name, " ", "_") + ".tbl"
		if err := afero.WriteFile(fs, path, mutate(append([]byte(nil), orig...)), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Open(fs, path); !errors.Is(err, ErrStorageFault) {
			t.Fatalf("%s: err = %v; want ErrStorageFault", name, err)
		}
	}
}

func TestClosedTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	tb, _ := Create(fs, "/t.tbl", 1)
	if err := tb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tb.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := tb.Contains(key(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Contains on closed table: %v", err)
	}
	if err := tb.Append(record.Record{Key: key(1)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append on closed table: %v", err)
	}
}

func TestSeal(t *testing.T) {
	fs := afero.NewMemMapFs()
	tb, err := Create(fs, "/t.tbl", 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tb.Sealed() {
		t.Fatalf("new table is sealed")
	}
	_ = tb.Append(record.Record{Key: key(1)})
	if err := tb.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := tb.Append(record.Record{Key: key(2)}); err == nil {
		t.Fatalf("Append to sealed table succeeded")
	}
	_ = tb.Close()

	tb, err = Open(fs, "/t.tbl")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = tb.Close() }()
	if !tb.Sealed() || tb.Count() != 1 {
		t.Fatalf("sealed=%v count=%d after reopen", tb.Sealed(), tb.Count())
	}

	raw, _ := afero.ReadFile(fs, "/t.tbl")
	raw[flagsOffset] |= 0x80
	binary.BigEndian.PutUint32(raw[crcOffset:], crc32.ChecksumIEEE(raw[:crcOffset]))
	_ = afero.WriteFile(fs, "/flags.tbl", raw, 0o600)
	if _, err := Open(fs, "/flags.tbl"); !errors.Is(err, ErrStorageFault) {
		t.Fatalf("unknown flag accepted: %v", err)
	}
}
