// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Package record defines the fixed-width representation of an allowlist entry,
// both on the wire (one delimiter-terminated line per key) and on disk (one
// NUL-terminated slot per key).
package record

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// KeyWidth is the length of a key: an MD5 hex digest of a credential UID.
	KeyWidth = 32
	// SlotSize is the on-disk size of a record: the key plus its terminator.
	SlotSize = KeyWidth + 1
	// Delimiter separates records in a remote body.
	Delimiter byte = '\n'

	terminator byte = 0
)

// ErrMalformedRecord is returned for any candidate that does not fit a slot.
var ErrMalformedRecord = errors.New("malformed record")

// Record is one authorized credential.
type Record struct {
	Key string
}

// ValidateLine checks a raw line (without its delimiter) and returns the
// record it holds. Failures wrap ErrMalformedRecord and are recoverable.
func ValidateLine(line []byte) (Record, error) {
	if err := check(line); err != nil {
		return Record{}, err
	}
	return Record{Key: string(line)}, nil
}

// Encode renders key into a slot of exactly SlotSize bytes.
func Encode(key string) ([]byte, error) {
	if err := check([]byte(key)); err != nil {
		return nil, err
	}
	slot := make([]byte, SlotSize)
	copy(slot, key)
	slot[KeyWidth] = terminator
	return slot, nil
}

// Decode is the inverse of Encode.
func Decode(slot []byte) (string, error) {
	if len(slot) != SlotSize {
		return "", fmt.Errorf("%w: slot is %d bytes, want %d", ErrMalformedRecord, len(slot), SlotSize)
	}
	if slot[KeyWidth] != terminator {
		return "", fmt.Errorf("%w: slot not terminated", ErrMalformedRecord)
	}
	if err := check(slot[:KeyWidth]); err != nil {
		return "", err
	}
	return string(slot[:KeyWidth]), nil
}

func check(b []byte) error {
	switch {
	case len(b) < KeyWidth:
		return fmt.Errorf("%w: too short (%d bytes)", ErrMalformedRecord, len(b))
	case len(b) > KeyWidth:
		return fmt.Errorf("%w: too long (%d bytes)", ErrMalformedRecord, len(b))
	case bytes.IndexByte(b, Delimiter) >= 0:
		return fmt.Errorf("%w: embedded delimiter", ErrMalformedRecord)
	case bytes.IndexByte(b, terminator) >= 0:
		return fmt.Errorf("%w: embedded NUL", ErrMalformedRecord)
	}
	return nil
}
