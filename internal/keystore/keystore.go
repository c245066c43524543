// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keystore is the lookup facade over the live allowlist table. It
// boots the storage medium, answers membership queries and runs syncs.
// Every failure collapses to a false answer; callers that need details use
// SyncOutcome and Status.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/toeirei/gatekeeper/internal/logging"
	"github.com/toeirei/gatekeeper/internal/snapshot"
	"github.com/toeirei/gatekeeper/internal/syncer"
	"github.com/toeirei/gatekeeper/internal/table"
)

// DefaultFile is the name of the live table inside the data directory.
const DefaultFile = "allowlist.tbl"

// DefaultCapacity matches the record budget of the reference hardware.
const DefaultCapacity = 500

// Options configures Open.
type Options struct {
	// Fs defaults to the operating system filesystem.
	Fs       afero.Fs
	Dir      string
	File     string
	Capacity int
	Fetcher  syncer.Fetcher
	Timeout  time.Duration
	Recorder syncer.Recorder
}

// Status is a point-in-time view of the store.
type Status struct {
	Path     string
	Version  string
	Count    int
	Capacity int
	// Last is the most recent sync or restore of this process, if any.
	Last *syncer.Outcome
}

// Store owns the live table. It is safe for concurrent use, but syncs are
// serialized.
type Store struct {
	mu       sync.Mutex
	fs       afero.Fs
	dir      string
	path     string
	capacity int
	engine   *syncer.Engine
	live   *table.Table
	last   *syncer.Outcome
	closed bool
}

// Open mounts the medium and opens or creates the live table. Only an
// unusable medium is fatal.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Dir == "" {
		return nil, errors.New("keystore: no data directory")
	}
	if opts.File == "" {
		opts.File = DefaultFile
	}
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}

	if err := table.Mount(opts.Fs, opts.Dir); err != nil {
		logging.Warnf("mounting %s failed, formatting: %v", opts.Dir, err)
		if err := table.Format(opts.Fs, opts.Dir); err != nil {
			return nil, fmt.Errorf("keystore: medium unusable: %w", err)
		}
	}

	s := &Store{
		fs:       opts.Fs,
		dir:      opts.Dir,
		path:     filepath.Join(opts.Dir, opts.File),
		capacity: opts.Capacity,
	}
	engine, err := syncer.New(syncer.Options{
		Fs:       opts.Fs,
		LivePath: s.path,
		Capacity: opts.Capacity,
		Fetcher:  opts.Fetcher,
		Timeout:  opts.Timeout,
		Recorder: opts.Recorder,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine

	live, err := s.boot()
	if err != nil {
		return nil, err
	}
	s.live = live
	logging.Infof("allowlist %s: version %s, %d/%d records", s.path, live.Version(), live.Count(), live.Capacity())
	return s, nil
}

// boot opens the live table, promoting a sealed staging table left by an
// interrupted commit. A missing or unreadable table is replaced by an empty
// one unless a sealed staging table is still waiting to be promoted.
func (s *Store) boot() (*table.Table, error) {
	live, err := s.engine.Recover()
	switch {
	case err == nil:
		return live, nil
	case table.Exists(s.fs, s.engine.StagingPath()):
		return nil, err
	case errors.Is(err, table.ErrNotFound):
		logging.Infof("no allowlist at %s, creating an empty one", s.path)
		return table.Create(s.fs, s.path, s.capacity)
	case errors.Is(err, table.ErrStorageFault):
		logging.Warnf("allowlist %s unreadable, recreating: %v", s.path, err)
		live, err = table.Create(s.fs, s.path, s.capacity)
		if err == nil {
			return live, nil
		}
		logging.Warnf("recreating %s failed, formatting %s: %v", s.path, s.dir, err)
		if err := table.Format(s.fs, s.dir); err != nil {
			return nil, fmt.Errorf("keystore: medium unusable: %w", err)
		}
		return table.Create(s.fs, s.path, s.capacity)
	default:
		return nil, err
	}
}

// current returns the live table, booting it again if a previous commit
// left none open. Callers hold s.mu.
func (s *Store) current() (*table.Table, error) {
	if s.closed {
		return nil, table.ErrClosed
	}
	if s.live != nil {
		return s.live, nil
	}
	live, err := s.boot()
	if err != nil {
		return nil, err
	}
	logging.Infof("allowlist %s reopened: version %s, %d records", s.path, live.Version(), live.Count())
	s.live = live
	return live, nil
}

// SetRecorder attaches r to every later sync and restore.
func (s *Store) SetRecorder(r syncer.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.SetRecorder(r)
}

// Contains reports whether key is in the live table. Any failure is a miss.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, err := s.current()
	if err != nil {
		logging.Errorf("lookup: %v", err)
		return false
	}
	ok, err := live.Contains(key)
	if err != nil {
		logging.Errorf("lookup: %v", err)
		return false
	}
	return ok
}

// Sync refreshes the live table from the remote authority and reports
// whether it now matches.
func (s *Store) Sync(ctx context.Context) bool {
	return s.SyncOutcome(ctx).OK()
}

// SyncOutcome is Sync with the full result.
func (s *Store) SyncOutcome(ctx context.Context) syncer.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, err := s.current()
	if err != nil {
		return syncer.Outcome{State: syncer.Failed, Err: err}
	}
	live, out := s.engine.Sync(ctx, live)
	s.live = live
	s.last = &out
	return out
}

// Restore installs a snapshot read from r. The snapshot goes through the
// same validation as a remote body.
func (s *Store) Restore(ctx context.Context, r io.Reader) (syncer.Outcome, error) {
	sr, err := snapshot.NewReader(r)
	if err != nil {
		return syncer.Outcome{State: syncer.Failed, Err: err}, err
	}
	defer func() { _ = sr.Close() }()

	s.mu.Lock()
	defer s.mu.Unlock()
	live, err := s.current()
	if err != nil {
		return syncer.Outcome{State: syncer.Failed, Err: err}, err
	}
	live, out := s.engine.Apply(ctx, live, sr.Version, sr, sr.Length)
	s.live = live
	s.last = &out
	if !out.OK() {
		if out.Err != nil {
			return out, out.Err
		}
		return out, fmt.Errorf("restore ended in state %s", out.State)
	}
	return out, nil
}

// Export writes a snapshot of the live table to w.
func (s *Store) Export(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, err := s.current()
	if err != nil {
		return err
	}
	keys, err := live.Keys()
	if err != nil {
		return err
	}
	return snapshot.Export(w, live.Version(), keys)
}

// Keys lists the live table.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, err := s.current()
	if err != nil {
		return nil, err
	}
	return live.Keys()
}

// Status describes the live table.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Path: s.path, Last: s.last}
	if live, err := s.current(); err == nil {
		st.Version = live.Version()
		st.Count = live.Count()
		st.Capacity = live.Capacity()
	}
	return st
}

// Close closes the live table.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.live == nil {
		return nil
	}
	err := s.live.Close()
	s.live = nil
	return err
}
