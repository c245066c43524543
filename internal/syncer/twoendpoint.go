// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package syncer

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const maxVersionBody = 256

// TwoEndpointFetcher reads a bare version token from VersionURL and, when it
// differs, the table body from URL.
type TwoEndpointFetcher struct {
	Client     *http.Client
	VersionURL string
	URL        string
	TokenWidth int
}

// Probe implements Fetcher.
func (c *TwoEndpointFetcher) Probe(ctx context.Context, local string) (*Probe, error) {
	resp, err := get(ctx, c.Client, c.VersionURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(c.VersionURL, resp)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxVersionBody+1))
	drain(resp)
	if err != nil {
		return nil, transportError("read "+c.VersionURL, err)
	}
	if len(raw) > maxVersionBody {
		return nil, fmt.Errorf("%w: version body from %s exceeds %d bytes", ErrInvalidVersionToken, c.VersionURL, maxVersionBody)
	}
	tok, err := NormalizeToken(string(raw), tokenWidth(c.TokenWidth))
	if err != nil {
		return nil, err
	}
	if tok == local {
		return &Probe{Version: tok, NotModified: true}, nil
	}
	return &Probe{Version: tok, open: c.body}, nil
}

func (c *TwoEndpointFetcher) body(ctx context.Context) (*Body, error) {
	resp, err := get(ctx, c.Client, c.URL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(c.URL, resp)
	}
	return &Body{ReadCloser: resp.Body, Length: resp.ContentLength}, nil
}
