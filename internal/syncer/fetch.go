// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package syncer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultTokenWidth is the width of the version tokens served by the
// allowlist backend (an MD5 hex digest).
const DefaultTokenWidth = 32

// Fetcher is a conditional-fetch strategy against the remote authority.
type Fetcher interface {
	// Probe learns the remote version relative to local. When the remote
	// copy differs, the returned Probe can open the body.
	Probe(ctx context.Context, local string) (*Probe, error)
}

// Body is a remote table body and the length the transport declared for it.
// Length is negative when no length was declared.
type Body struct {
	io.ReadCloser
	Length int64
}

// Probe is the answer to a version check.
type Probe struct {
	// Version is the normalized remote token. It may be empty on a
	// not-modified answer that carried no token.
	Version     string
	NotModified bool

	open    func(ctx context.Context) (*Body, error)
	release func()
	opened  bool
}

// Open returns the body of the remote table. The caller owns the body.
func (p *Probe) Open(ctx context.Context) (*Body, error) {
	if p.open == nil {
		return nil, fmt.Errorf("%w: no body to open", ErrTransport)
	}
	p.opened = true
	return p.open(ctx)
}

// Close releases resources held by a probe whose body was never opened.
func (p *Probe) Close() {
	if !p.opened && p.release != nil {
		p.release()
	}
	p.release = nil
}

// NormalizeToken strips weak-validator and quote decoration from an entity
// tag and checks the result is exactly width characters.
func NormalizeToken(raw string, width int) (string, error) {
	tok := strings.TrimSpace(raw)
	tok = strings.TrimPrefix(tok, "W/")
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		tok = tok[1 : len(tok)-1]
	}
	if len(tok) != width {
		return "", fmt.Errorf("%w: %q is %d characters, want %d", ErrInvalidVersionToken, raw, len(tok), width)
	}
	if strings.ContainsAny(tok, "\" \t\r\n") {
		return "", fmt.Errorf("%w: %q contains quotes or whitespace", ErrInvalidVersionToken, raw)
	}
	return tok, nil
}

func tokenWidth(w int) int {
	if w <= 0 {
		return DefaultTokenWidth
	}
	return w
}

func get(ctx context.Context, client *http.Client, url string, hdr http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s: %w", ErrTransport, url, err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	// Declared lengths must describe the bytes we read.
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError("GET "+url, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func unexpectedStatus(url string, resp *http.Response) error {
	drain(resp)
	return fmt.Errorf("%w: GET %s: unexpected status %s", ErrTransport, url, resp.Status)
}
