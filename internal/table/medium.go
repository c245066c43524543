// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package table

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const probeName = ".gatekeeper-probe"

// Mount makes sure dir on fs exists and accepts writes.
func Mount(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return storageFault("mkdir "+dir, err)
	}
	probe := filepath.Join(dir, probeName)
	f, err := fs.OpenFile(probe, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return storageFault("probe "+dir, err)
	}
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	_ = fs.Remove(probe)
	if werr != nil {
		return storageFault("probe write "+dir, werr)
	}
	if cerr != nil {
		return storageFault("probe close "+dir, cerr)
	}
	return nil
}

// Format wipes dir and mounts it again. Every table in dir is lost.
func Format(fs afero.Fs, dir string) error {
	if err := fs.RemoveAll(dir); err != nil {
		return storageFault("wipe "+dir, err)
	}
	return Mount(fs, dir)
}

// Replace atomically substitutes the table at livePath with the fully
// written and closed table at stagingPath. On failure the live table is
// untouched, except on media that refuse to rename over an existing file:
// there the live table is removed first, and if the second rename fails only
// the staging table is left. Callers must then keep it and promote it later.
func Replace(fs afero.Fs, livePath, stagingPath string) error {
	if _, err := fs.Stat(stagingPath); err != nil {
		return storageFault("stat staging "+stagingPath, err)
	}
	if err := fs.Rename(stagingPath, livePath); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return storageFault("rename "+stagingPath, err)
		}
		if rmErr := fs.Remove(livePath); rmErr != nil {
			return storageFault("remove "+livePath, rmErr)
		}
		if err := fs.Rename(stagingPath, livePath); err != nil {
			return storageFault("rename "+stagingPath+" after removing "+livePath, err)
		}
	}
	syncDir(fs, filepath.Dir(livePath))
	return nil
}

// Discard removes a staging table. A missing file is not an error.
func Discard(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageFault("remove "+path, err)
	}
	return nil
}

// Exists reports whether a file is present at path.
func Exists(fs afero.Fs, path string) bool {
	ok, err := afero.Exists(fs, path)
	return err == nil && ok
}

func syncDir(fs afero.Fs, dir string) {
	d, err := fs.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
