// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package syncer

import (
	"context"
	"fmt"
	"net/http"
)

// ConditionalFetcher talks to a single endpoint with If-None-Match. The
// entity tag of the response is the table version.
type ConditionalFetcher struct {
	Client     *http.Client
	URL        string
	TokenWidth int
}

// Probe implements Fetcher.
func (c *ConditionalFetcher) Probe(ctx context.Context, local string) (*Probe, error) {
	hdr := http.Header{}
	hdr.Set("If-None-Match", `"`+local+`"`)
	resp, err := get(ctx, c.Client, c.URL, hdr)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusNotModified:
		drain(resp)
		p := &Probe{NotModified: true}
		if etag := resp.Header.Get("ETag"); etag != "" {
			tok, err := NormalizeToken(etag, tokenWidth(c.TokenWidth))
			if err != nil {
				return nil, err
			}
			p.Version = tok
		}
		return p, nil
	case http.StatusOK:
	default:
		return nil, unexpectedStatus(c.URL, resp)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		drain(resp)
		return nil, fmt.Errorf("%w: response from %s carries no ETag", ErrInvalidVersionToken, c.URL)
	}
	tok, err := NormalizeToken(etag, tokenWidth(c.TokenWidth))
	if err != nil {
		drain(resp)
		return nil, err
	}

	body := &Body{ReadCloser: resp.Body, Length: resp.ContentLength}
	return &Probe{
		Version: tok,
		open:    func(context.Context) (*Body, error) { return body, nil },
		release: func() { drain(resp) },
	}, nil
}
