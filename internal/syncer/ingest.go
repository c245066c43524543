// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package syncer

import (
	"bufio"
	"errors"
	"io"

	"github.com/toeirei/gatekeeper/internal/logging"
	"github.com/toeirei/gatekeeper/internal/record"
	"github.com/toeirei/gatekeeper/internal/table"
)

// maxKept is enough of a line to tell a valid record from an oversized one.
const maxKept = record.KeyWidth + 1

type ingestStats struct {
	received  int64
	records   int
	malformed int
	full      bool
}

// ingest streams delimiter-separated records from body into staging. Bad
// lines are counted and skipped. A full table stops ingestion before the
// overflowing line is counted, so the byte totals no longer match.
func ingest(body io.Reader, staging *table.Table, declared int64) (ingestStats, error) {
	var st ingestStats
	br := bufio.NewReaderSize(io.LimitReader(body, declared+1), 4096)
	for {
		line, n, terminated, err := nextLine(br)
		if n == 0 && errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			st.received += n
			return st, transportError("read body", err)
		}
		if !terminated {
			st.received += n
			st.malformed++
			logging.Warnf("garbled data: trailing %d bytes without delimiter", n)
			return st, nil
		}

		rec, verr := record.ValidateLine(line)
		if verr != nil {
			st.received += n
			st.malformed++
			logging.Warnf("garbled data, rejected row %q: %v", line, verr)
			continue
		}
		if aerr := staging.Append(rec); aerr != nil {
			if errors.Is(aerr, table.ErrTableFull) {
				st.full = true
				logging.Warnf("staging table full after %d records", st.records)
				return st, nil
			}
			return st, aerr
		}
		st.received += n
		st.records++
	}
}

// nextLine reads one chunk up to and including the delimiter. n counts every
// byte consumed; line keeps at most maxKept bytes of the chunk, without the
// delimiter.
func nextLine(br *bufio.Reader) (line []byte, n int64, terminated bool, err error) {
	for {
		frag, rerr := br.ReadSlice(record.Delimiter)
		n += int64(len(frag))
		switch {
		case rerr == nil:
			return keep(line, frag[:len(frag)-1]), n, true, nil
		case errors.Is(rerr, bufio.ErrBufferFull):
			line = keep(line, frag)
		default:
			return keep(line, frag), n, false, rerr
		}
	}
}

func keep(line, frag []byte) []byte {
	if room := maxKept - len(line); room > 0 {
		if len(frag) > room {
			frag = frag[:room]
		}
		line = append(line, frag...)
	}
	return line
}
