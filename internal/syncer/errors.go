// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidVersionToken means the remote version token is missing,
	// malformed, or contradicts a not-modified answer.
	ErrInvalidVersionToken = errors.New("invalid version token")
	// ErrTransport covers connection failures and unexpected HTTP statuses.
	ErrTransport = errors.New("transport failure")
	// ErrTimeout means a network call ran into its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrIncompleteTransfer means the consumed bytes do not match the declared length.
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	// ErrRejected means the body contained malformed records.
	ErrRejected = errors.New("update rejected")
)

func transportError(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
