// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Package gate is the access decision loop of a door controller: sync at
// boot, admit known credentials, and refresh once on a miss.
package gate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/toeirei/gatekeeper/internal/logging"
)

// Decision is the answer for one presented credential.
type Decision int

const (
	Denied Decision = iota
	Granted
)

func (d Decision) String() string {
	if d == Granted {
		return "granted"
	}
	return "denied"
}

// Lookup is the allowlist the gate consults.
type Lookup interface {
	Contains(key string) bool
	Sync(ctx context.Context) bool
}

// Connectivity reports whether the remote authority can be reached.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Gate ties a Lookup to a connectivity check. A nil Link counts as always
// online.
type Gate struct {
	Store Lookup
	Link  Connectivity
}

func (g *Gate) online(ctx context.Context) bool {
	return g.Link == nil || g.Link.Online(ctx)
}

// Boot runs the unconditional startup sync when the authority is reachable.
func (g *Gate) Boot(ctx context.Context) bool {
	if !g.online(ctx) {
		logging.Warnf("offline at boot, using the cached allowlist")
		return false
	}
	return g.Store.Sync(ctx)
}

// Admit decides on key. A miss triggers one sync and one more lookup, so a
// freshly enrolled credential works without waiting for the next refresh.
func (g *Gate) Admit(ctx context.Context, key string) Decision {
	if g.Store.Contains(key) {
		return Granted
	}
	if !g.online(ctx) {
		logging.Debugf("key %s unknown and offline", key)
		return Denied
	}
	logging.Debugf("key %s unknown, syncing", key)
	if !g.Store.Sync(ctx) {
		return Denied
	}
	if g.Store.Contains(key) {
		return Granted
	}
	return Denied
}

// HashUID derives the allowlist key of a raw credential UID: the lower-case
// hex MD5 digest.
func HashUID(uid []byte) string {
	sum := md5.Sum(uid)
	return hex.EncodeToString(sum[:])
}

// DialProbe checks connectivity with a TCP dial.
type DialProbe struct {
	Addr    string
	Timeout time.Duration
}

// ProbeFor builds a DialProbe for the host serving rawURL.
func ProbeFor(rawURL string, timeout time.Duration) (DialProbe, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DialProbe{}, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return DialProbe{}, fmt.Errorf("%q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return DialProbe{Addr: net.JoinHostPort(u.Hostname(), port), Timeout: timeout}, nil
}

// Online implements Connectivity.
func (p DialProbe) Online(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		logging.Debugf("connectivity probe %s: %v", p.Addr, err)
		return false
	}
	_ = conn.Close()
	return true
}
