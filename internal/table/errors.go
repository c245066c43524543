// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package table

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageFault reports a medium that is unavailable or holds a corrupt table.
	ErrStorageFault = errors.New("storage fault")
	// ErrNotFound is returned by Open when no table exists at the path.
	ErrNotFound = errors.New("table not found")
	// ErrTableFull is returned by Append once capacity is reached.
	ErrTableFull = errors.New("table full")
	// ErrClosed is returned when a closed table is used.
	ErrClosed = errors.New("table closed")
)

func storageFault(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrStorageFault, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFault, op, err)
}
