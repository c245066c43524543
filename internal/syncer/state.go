// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package syncer

import "time"

// State is a step of a sync attempt.
type State int

const (
	Idle State = iota
	CheckingVersion
	UpToDate
	Fetching
	Validating
	Committing
	Rejecting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckingVersion:
		return "checking-version"
	case UpToDate:
		return "up-to-date"
	case Fetching:
		return "fetching"
	case Validating:
		return "validating"
	case Committing:
		return "committing"
	case Rejecting:
		return "rejecting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Source tells where an update came from.
const (
	SourceRemote   = "remote"
	SourceSnapshot = "snapshot"
)

// Outcome describes a finished sync attempt.
type Outcome struct {
	ID     string
	Source string
	// State is the terminal state: UpToDate, Done or Failed.
	State     State
	Committed bool

	LocalVersion  string
	RemoteVersion string
	// Version is the live table version after the attempt.
	Version string

	BytesExpected int64
	BytesReceived int64
	Records       int
	Malformed     int

	Started  time.Time
	Duration time.Duration
	Err      error
}

// OK reports whether the live table is now known to match the remote copy.
// It does not imply that anything was transferred. A commit whose table
// could not be reopened is Committed but Failed, and not OK: the new table is
// on disk but cannot serve lookups until it is booted again.
func (o Outcome) OK() bool {
	return o.State == UpToDate || (o.State == Done && o.Committed)
}
