// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Package snapshot reads and writes zstd compressed copies of an allowlist
// table. The decompressed stream is a one line header followed by the table
// body in the same delimiter-separated form the remote authority serves:
//
//	gatekeeper-snapshot-v1 <version> <body length>\n
//	<key>\n
//	<key>\n
//	...
package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/toeirei/gatekeeper/internal/record"
)

const magic = "gatekeeper-snapshot-v1"

// maxHeader bounds the header line so a garbage file cannot make us buffer
// the whole stream.
const maxHeader = 128

// ErrFormat means the stream is not a snapshot this version understands.
var ErrFormat = errors.New("invalid snapshot")

// Export writes version and keys to w as a compressed snapshot.
func Export(w io.Writer, version string, keys []string) error {
	if version == "" || strings.ContainsAny(version, " \t\r\n") {
		return fmt.Errorf("%w: unusable version %q", ErrFormat, version)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	bw := bufio.NewWriter(zw)

	length := int64(len(keys)) * record.SlotSize
	if _, err := fmt.Fprintf(bw, "%s %s %d\n", magic, version, length); err != nil {
		_ = zw.Close()
		return fmt.Errorf("could not write snapshot header: %w", err)
	}
	for _, k := range keys {
		slot, err := record.Encode(k)
		if err != nil {
			_ = zw.Close()
			return err
		}
		slot[len(slot)-1] = record.Delimiter
		if _, err := bw.Write(slot); err != nil {
			_ = zw.Close()
			return fmt.Errorf("could not write snapshot body: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = zw.Close()
		return fmt.Errorf("could not flush snapshot: %w", err)
	}
	return zw.Close()
}

// Reader streams the body of a snapshot.
type Reader struct {
	Version string
	// Length is the body length recorded in the header.
	Length int64

	zr   *zstd.Decoder
	body *bufio.Reader
}

// NewReader decompresses r and parses the snapshot header. The body is left
// unread for the caller; it is not validated here.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	br := bufio.NewReaderSize(zr, 4096)

	hdr, err := br.ReadSlice('\n')
	if err != nil || len(hdr) > maxHeader {
		zr.Close()
		if err == nil || errors.Is(err, bufio.ErrBufferFull) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header line", ErrFormat)
		}
		return nil, fmt.Errorf("could not read snapshot: %w", err)
	}
	fields := strings.Fields(string(hdr))
	if len(fields) != 3 || fields[0] != magic {
		zr.Close()
		return nil, fmt.Errorf("%w: bad header %q", ErrFormat, strings.TrimSpace(string(hdr)))
	}
	length, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || length < 0 {
		zr.Close()
		return nil, fmt.Errorf("%w: bad body length %q", ErrFormat, fields[2])
	}
	return &Reader{Version: fields[1], Length: length, zr: zr, body: br}, nil
}

func (s *Reader) Read(p []byte) (int, error) { return s.body.Read(p) }

// Close releases the decoder.
func (s *Reader) Close() error {
	s.zr.Close()
	return nil
}
