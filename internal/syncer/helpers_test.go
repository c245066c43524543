// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.
package syncer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/toeirei/gatekeeper/internal/record"
	"github.com/toeirei/gatekeeper/internal/table"
)

const livePath = "/data/allowlist.tbl"

var (
	keyA = strings.Repeat("a", record.KeyWidth-1) + "1"
	keyB = strings.Repeat("b", record.KeyWidth-1) + "2"
	keyC = strings.Repeat("c", record.KeyWidth-1) + "3"
	ver1 = strings.Repeat("1", DefaultTokenWidth)
	ver2 = strings.Repeat("2", DefaultTokenWidth)
)

func body(keys ...string) string {
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(record.Delimiter)
	}
	return b.String()
}

// remote is a fake allowlist backend serving both protocol variants.
type remote struct {
	mu        sync.Mutex
	etag      string // header value for mode A, raw body for mode B
	body      string
	bodyHits  int
	versHits  int
	notModTag string // ETag sent with 304, if any
}

func (rm *remote) set(etag, body string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.etag, rm.body = etag, body
}

func (rm *remote) conditional(w http.ResponseWriter, r *http.Request) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	tok, _ := NormalizeToken(rm.etag, DefaultTokenWidth)
	if r.Header.Get("If-None-Match") == `"`+tok+`"` {
		if rm.notModTag != "" {
			w.Header().Set("ETag", rm.notModTag)
		}
		w.WriteHeader(http.StatusNotModified)
		return
	}
	rm.bodyHits++
	w.Header().Set("ETag", rm.etag)
	w.Header().Set("Content-Length", strconv.Itoa(len(rm.body)))
	_, _ = io.WriteString(w, rm.body)
}

func (rm *remote) version(w http.ResponseWriter, r *http.Request) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.versHits++
	_, _ = io.WriteString(w, rm.etag+"\n")
}

func (rm *remote) table(w http.ResponseWriter, r *http.Request) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.bodyHits++
	w.Header().Set("Content-Length", strconv.Itoa(len(rm.body)))
	_, _ = io.WriteString(w, rm.body)
}

func (rm *remote) hits() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.bodyHits
}

func conditionalServer(t *testing.T, rm *remote) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(rm.conditional))
	t.Cleanup(srv.Close)
	return srv
}

func twoEndpointServer(t *testing.T, rm *remote) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/version", rm.version)
	mux.HandleFunc("/table", rm.table)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func client() *http.Client {
	return &http.Client{Timeout: 2 * time.Second}
}

// stubFetcher serves a fixed probe without any network.
type stubFetcher struct {
	version string
	body    string
	length  int64
	err     error
}

func (s stubFetcher) Probe(context.Context, string) (*Probe, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Probe{
		Version: s.version,
		open: func(context.Context) (*Body, error) {
			return &Body{ReadCloser: io.NopCloser(strings.NewReader(s.body)), Length: s.length}, nil
		},
	}, nil
}

type memRecorder struct{ got []Outcome }

func (m *memRecorder) Record(_ context.Context, o Outcome) error {
	m.got = append(m.got, o)
	return nil
}

type fixture struct {
	fs     afero.Fs
	engine *Engine
	live   *table.Table
	rec    *memRecorder
}

func newFixture(t *testing.T, f Fetcher, capacity int) *fixture {
	t.Helper()
	return newFixtureOn(t, afero.NewMemMapFs(), f, capacity)
}

func newFixtureOn(t *testing.T, fs afero.Fs, f Fetcher, capacity int) *fixture {
	t.Helper()
	if err := table.Mount(fs, "/data"); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	live, err := table.Create(fs, livePath, capacity)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec := &memRecorder{}
	e, err := New(Options{Fs: fs, LivePath: livePath, Capacity: capacity, Fetcher: f, Timeout: time.Second, Recorder: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fx := &fixture{fs: fs, engine: e, live: live, rec: rec}
	t.Cleanup(func() {
		if fx.live != nil {
			_ = fx.live.Close()
		}
	})
	return fx
}

func (fx *fixture) sync(t *testing.T) Outcome {
	t.Helper()
	live, out := fx.engine.Sync(context.Background(), fx.live)
	if live == nil {
		t.Fatalf("engine returned no live table: %+v", out)
	}
	fx.live = live
	return out
}

func (fx *fixture) contains(t *testing.T, key string) bool {
	t.Helper()
	ok, err := fx.live.Contains(key)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	return ok
}

// liveBytes returns the raw bytes of the live table file.
func (fx *fixture) liveBytes(t *testing.T) []byte {
	t.Helper()
	b, err := afero.ReadFile(fx.fs, livePath)
	if err != nil {
		t.Fatalf("read live: %v", err)
	}
	return b
}

func (fx *fixture) assertUnchanged(t *testing.T, before []byte) {
	t.Helper()
	if !bytes.Equal(before, fx.liveBytes(t)) {
		t.Fatalf("live table changed")
	}
	if table.Exists(fx.fs, fx.engine.StagingPath()) {
		t.Fatalf("staging table left behind")
	}
}
