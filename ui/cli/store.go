// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/afero"
	"github.com/toeirei/gatekeeper/internal/config"
	"github.com/toeirei/gatekeeper/internal/i18n"
	"github.com/toeirei/gatekeeper/internal/journal"
	"github.com/toeirei/gatekeeper/internal/keystore"
	"github.com/toeirei/gatekeeper/internal/logging"
	"github.com/toeirei/gatekeeper/internal/syncer"
)

// storeFs is the medium the CLI opens tables on. Tests swap it.
var storeFs afero.Fs = afero.NewOsFs()

// services bundles what a command opened and must close.
type services struct {
	store   *keystore.Store
	journal *journal.Journal
}

func (s *services) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logging.Warnf("closing allowlist: %v", err)
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logging.Warnf("closing journal: %v", err)
		}
	}
}

// newFetcher builds the fetch strategy configured in c. It returns nil when
// no sync URL is set; syncs then fail with a transport error.
func newFetcher(c *config.Config) syncer.Fetcher {
	if c.Sync.URL == "" {
		return nil
	}
	client := &http.Client{Timeout: c.Sync.Timeout}
	if c.Sync.Mode == config.ModeTwoEndpoint {
		return &syncer.TwoEndpointFetcher{
			Client:     client,
			VersionURL: c.Sync.VersionURL,
			URL:        c.Sync.URL,
			TokenWidth: c.Sync.TokenWidth,
		}
	}
	return &syncer.ConditionalFetcher{Client: client, URL: c.Sync.URL, TokenWidth: c.Sync.TokenWidth}
}

func openJournal(ctx context.Context, c *config.Config) (*journal.Journal, error) {
	if c.Journal.Type == "" {
		return nil, nil
	}
	return journal.Open(ctx, c.Journal.Type, c.Journal.Dsn)
}

// openServices opens the allowlist and, when configured, the journal. The
// journal is opened last: booting the store may format its directory.
func openServices(ctx context.Context) (*services, error) {
	c := &appConfig
	svc := &services{}

	st, err := keystore.Open(ctx, keystore.Options{
		Fs:       storeFs,
		Dir:      c.Store.Dir,
		File:     c.Store.File,
		Capacity: c.Store.Capacity,
		Fetcher:  newFetcher(c),
		Timeout:  c.Sync.Timeout,
	})
	if err != nil {
		return nil, errors.New(i18n.T("store.error_open", err))
	}
	svc.store = st

	// A journal failure is logged, never fatal.
	j, err := openJournal(ctx, c)
	if err != nil {
		logging.Warnf("journal unavailable: %v", err)
	} else if j != nil {
		svc.journal = j
		st.SetRecorder(j)
	}
	return svc, nil
}
