// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Package syncer refreshes the live allowlist table from the remote
// authority.
//
// A sync walks a small state machine:
//
//	Idle -> CheckingVersion -> UpToDate
//	                        -> Fetching -> Validating -> Committing -> Done (committed)
//	                                                  -> Rejecting  -> Done (not committed)
//	any network or storage fault -> Failed
//
// The body is streamed into a staging table. The staging table replaces the
// live one only when every line parsed and the byte count matches the length
// the transport declared; otherwise it is thrown away and the live table is
// left as it was.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/toeirei/gatekeeper/internal/logging"
	"github.com/toeirei/gatekeeper/internal/table"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a whole sync attempt, network calls included.
const DefaultTimeout = 30 * time.Second

const tracerName = "github.com/toeirei/gatekeeper/internal/syncer"

// Recorder receives every finished attempt.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Options configures an Engine.
type Options struct {
	Fs          afero.Fs
	LivePath    string
	StagingPath string // defaults to LivePath + ".staging"
	Capacity    int
	Fetcher     Fetcher
	Timeout     time.Duration
	Recorder    Recorder
}

// Engine owns the staging table and the commit of a sync. It is not safe
// for concurrent use.
type Engine struct {
	fs          afero.Fs
	livePath    string
	stagingPath string
	capacity    int
	fetcher     Fetcher
	timeout     time.Duration
	recorder    Recorder
	tracer      trace.Tracer
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Fs == nil {
		return nil, errors.New("syncer: no filesystem")
	}
	if opts.LivePath == "" {
		return nil, errors.New("syncer: no live table path")
	}
	if opts.Capacity < 1 || opts.Capacity > table.MaxCapacity {
		return nil, fmt.Errorf("syncer: capacity %d out of range", opts.Capacity)
	}
	if opts.StagingPath == "" {
		opts.StagingPath = opts.LivePath + ".staging"
	}
	if opts.StagingPath == opts.LivePath {
		return nil, errors.New("syncer: staging path equals live path")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{
		fs:          opts.Fs,
		livePath:    opts.LivePath,
		stagingPath: opts.StagingPath,
		capacity:    opts.Capacity,
		fetcher:     opts.Fetcher,
		timeout:     opts.Timeout,
		recorder:    opts.Recorder,
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// SetRecorder replaces the recorder that receives finished attempts.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// StagingPath returns where staging tables are built.
func (e *Engine) StagingPath() string { return e.stagingPath }

// Sync brings live up to date with the remote authority. It returns the
// table callers must use from now on: live itself, or the freshly opened
// replacement after a commit. The returned table is nil when the commit left
// no open table; callers recover with Recover.
func (e *Engine) Sync(ctx context.Context, live *table.Table) (*table.Table, Outcome) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "gatekeeper.sync")
	defer span.End()

	r := e.begin(span, SourceRemote, live)
	live = e.sync(ctx, r, live)
	e.finish(ctx, r, live)
	return live, r.out
}

// Apply installs a table body obtained out of band, such as a snapshot,
// through the same validation and commit path as Sync.
func (e *Engine) Apply(ctx context.Context, live *table.Table, version string, body io.Reader, declared int64) (*table.Table, Outcome) {
	ctx, span := e.tracer.Start(ctx, "gatekeeper.apply")
	defer span.End()

	r := e.begin(span, SourceSnapshot, live)
	r.out.RemoteVersion = version
	if live == nil {
		r.fail(table.ErrClosed)
	} else if len(version) == 0 || len(version) > table.MaxVersionLen {
		r.fail(fmt.Errorf("%w: %q", ErrInvalidVersionToken, version))
	} else {
		live = e.apply(ctx, r, live, version, body, declared)
	}
	e.finish(ctx, r, live)
	return live, r.out
}

type run struct {
	out  Outcome
	span trace.Span
}

func (r *run) enter(s State) {
	logging.Debugf("sync %s: %s -> %s", r.out.ID, r.out.State, s)
	r.out.State = s
	r.span.AddEvent(s.String())
}

func (r *run) fail(err error) {
	r.enter(Failed)
	r.out.Err = err
}

func (e *Engine) begin(span trace.Span, source string, live *table.Table) *run {
	r := &run{
		out: Outcome{
			ID:      uuid.NewString(),
			Source:  source,
			State:   Idle,
			Started: time.Now(),
		},
		span: span,
	}
	if live != nil {
		r.out.LocalVersion = live.Version()
	}
	return r
}

func (e *Engine) sync(ctx context.Context, r *run, live *table.Table) *table.Table {
	if live == nil {
		r.fail(table.ErrClosed)
		return nil
	}
	if e.fetcher == nil {
		r.fail(fmt.Errorf("%w: no fetch strategy configured", ErrTransport))
		return live
	}

	r.enter(CheckingVersion)
	local := live.Version()
	probe, err := e.fetcher.Probe(ctx, local)
	if err != nil {
		r.fail(err)
		return live
	}
	defer probe.Close()
	r.out.RemoteVersion = probe.Version

	if probe.NotModified {
		if probe.Version != "" && probe.Version != local {
			r.fail(fmt.Errorf("%w: not-modified answer names %q but local is %q", ErrInvalidVersionToken, probe.Version, local))
			return live
		}
		r.enter(UpToDate)
		return live
	}
	if probe.Version == local {
		r.enter(UpToDate)
		return live
	}

	r.enter(Fetching)
	body, err := probe.Open(ctx)
	if err != nil {
		r.fail(err)
		return live
	}
	defer body.Close()
	return e.apply(ctx, r, live, probe.Version, body, body.Length)
}

func (e *Engine) apply(ctx context.Context, r *run, live *table.Table, version string, body io.Reader, declared int64) *table.Table {
	r.out.BytesExpected = declared
	if declared < 0 {
		r.fail(fmt.Errorf("%w: no body length declared", ErrIncompleteTransfer))
		return live
	}

	staging, err := table.Create(e.fs, e.stagingPath, e.capacity)
	if err != nil {
		r.fail(err)
		return live
	}
	if err := staging.SetVersion(version); err != nil {
		_ = staging.Close()
		e.discard()
		r.fail(err)
		return live
	}

	r.enter(Validating)
	st, err := ingest(body, staging, declared)
	r.out.BytesReceived = st.received
	r.out.Records = st.records
	r.out.Malformed = st.malformed
	if err == nil {
		err = ctx.Err()
	}
	var reason error
	if err == nil {
		if reason = verdict(st, declared); reason == nil {
			err = staging.Seal()
		}
	}
	if cerr := staging.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		e.discard()
		r.fail(err)
		return live
	}

	if reason != nil {
		r.enter(Rejecting)
		logging.Warnf("rejecting table update %s: %v", version, reason)
		e.discard()
		r.out.Err = reason
		r.enter(Done)
		return live
	}

	r.enter(Committing)
	if err := live.Close(); err != nil {
		logging.Warnf("closing live table before replace: %v", err)
	}
	if err := table.Replace(e.fs, e.livePath, e.stagingPath); err != nil {
		r.fail(err)
		if !table.Exists(e.fs, e.livePath) {
			// The sealed staging table is now the only copy.
			logging.Errorf("live table %s gone after failed replace, keeping %s", e.livePath, e.stagingPath)
			return nil
		}
		e.discard()
		prev, oerr := table.Open(e.fs, e.livePath)
		if oerr != nil {
			logging.Errorf("reopening previous table after failed replace: %v", oerr)
			return nil
		}
		return prev
	}
	r.out.Committed = true
	fresh, err := table.Open(e.fs, e.livePath)
	if err != nil {
		// Committed on disk but not usable for lookups; Outcome.OK is false.
		r.fail(err)
		return nil
	}
	r.enter(Done)
	return fresh
}

// Recover opens the live table after a restart or after a commit that left
// no open table. When the live table is missing and a sealed staging table
// is present, the staging table is promoted. Any other staging table is
// discarded. A sealed staging table that cannot be promoted is kept, and the
// error is returned so the caller can retry.
func (e *Engine) Recover() (*table.Table, error) {
	if table.Exists(e.fs, e.stagingPath) {
		if table.Exists(e.fs, e.livePath) {
			logging.Infof("removing stale staging table %s", e.stagingPath)
			e.discard()
		} else if err := e.promote(); err != nil {
			return nil, err
		}
	}
	return table.Open(e.fs, e.livePath)
}

func (e *Engine) promote() error {
	st, err := table.Open(e.fs, e.stagingPath)
	if err != nil {
		logging.Warnf("discarding unreadable staging table: %v", err)
		e.discard()
		return nil
	}
	sealed, version := st.Sealed(), st.Version()
	if err := st.Close(); err != nil {
		return err
	}
	if !sealed {
		logging.Infof("discarding incomplete staging table %s", e.stagingPath)
		e.discard()
		return nil
	}
	if err := table.Replace(e.fs, e.livePath, e.stagingPath); err != nil {
		return fmt.Errorf("promoting %s: %w", e.stagingPath, err)
	}
	logging.Infof("promoted staging table %s to %s, version %s", e.stagingPath, e.livePath, version)
	return nil
}

func verdict(st ingestStats, declared int64) error {
	switch {
	case st.full:
		return fmt.Errorf("%w: %w after %d records", ErrIncompleteTransfer, table.ErrTableFull, st.records)
	case st.received != declared:
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrIncompleteTransfer, declared, st.received)
	case st.malformed > 0:
		return fmt.Errorf("%w: %d malformed records", ErrRejected, st.malformed)
	}
	return nil
}

func (e *Engine) discard() {
	if err := table.Discard(e.fs, e.stagingPath); err != nil {
		logging.Warnf("discarding staging table: %v", err)
	}
}

func (e *Engine) finish(ctx context.Context, r *run, live *table.Table) {
	o := &r.out
	o.Duration = time.Since(o.Started)
	if live != nil {
		o.Version = live.Version()
	}

	r.span.SetAttributes(
		attribute.String("gatekeeper.sync.id", o.ID),
		attribute.String("gatekeeper.sync.source", o.Source),
		attribute.String("gatekeeper.sync.state", o.State.String()),
		attribute.Bool("gatekeeper.sync.committed", o.Committed),
		attribute.String("gatekeeper.table.version", o.Version),
		attribute.Int64("gatekeeper.sync.bytes_expected", o.BytesExpected),
		attribute.Int64("gatekeeper.sync.bytes_received", o.BytesReceived),
		attribute.Int("gatekeeper.sync.records", o.Records),
		attribute.Int("gatekeeper.sync.malformed", o.Malformed),
	)
	if o.OK() {
		r.span.SetStatus(codes.Ok, "")
		logging.Infof("sync %s: %s, version %s (%d bytes, %d records, %s)", o.ID, o.State, o.Version, o.BytesReceived, o.Records, o.Duration.Round(time.Millisecond))
	} else {
		if o.Err != nil {
			r.span.RecordError(o.Err)
			r.span.SetStatus(codes.Error, o.Err.Error())
		}
		logging.Errorf("sync %s: %s: %v (live version %s)", o.ID, o.State, o.Err, o.Version)
	}

	if e.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.recorder.Record(rctx, *o); err != nil {
		logging.Warnf("recording sync %s: %v", o.ID, err)
	}
}
