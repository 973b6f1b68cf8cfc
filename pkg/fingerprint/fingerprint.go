// Package fingerprint tracks the SHA-256 content hash of every
// production path at its last committed write. The tracker is the
// pipeline's drift oracle: a mismatch between a file's current bytes
// and its saved fingerprint means something wrote to production
// outside the review pipeline.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/store"
)

// Hash returns the lower-case hex SHA-256 of data. The algorithm is
// fixed; all fingerprints in the store use it.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tracker persists per-path fingerprints through the store and reads
// current production bytes through the workspace filesystem.
type Tracker struct {
	store store.Store
	fs    afero.Fs
	root  string
}

// New creates a tracker reading production files under root.
func New(st store.Store, fs afero.Fs, root string) *Tracker {
	return &Tracker{store: st, fs: fs, root: root}
}

// Get returns the saved fingerprint for path, or nil when none exists.
func (t *Tracker) Get(ctx context.Context, path string) (*contracts.Fingerprint, error) {
	fp, err := t.store.GetFingerprint(ctx, path)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fp, nil
}

// Save records hash as the authoritative fingerprint for path.
func (t *Tracker) Save(ctx context.Context, path, hash string) error {
	return t.store.SaveFingerprint(ctx, &contracts.Fingerprint{
		Path:       path,
		Hash:       hash,
		ModifiedAt: time.Now().UTC(),
	})
}

// HasChanged compares the production file's current bytes to the last
// saved hash. It reports true when no prior fingerprint exists: an
// untracked file is treated as changed, to be safe.
func (t *Tracker) HasChanged(ctx context.Context, path string) (bool, error) {
	fp, err := t.Get(ctx, path)
	if err != nil {
		return true, err
	}
	if fp == nil {
		return true, nil
	}
	current, err := t.readProduction(path)
	if err != nil {
		return true, err
	}
	return Hash(current) != fp.Hash, nil
}

// CurrentHash hashes the production file's bytes right now. A missing
// file hashes as empty content, matching how submit captures originals.
func (t *Tracker) CurrentHash(path string) (string, error) {
	data, err := t.readProduction(path)
	if err != nil {
		return "", err
	}
	return Hash(data), nil
}

func (t *Tracker) readProduction(path string) ([]byte, error) {
	full := t.root + "/" + path
	data, err := afero.ReadFile(t.fs, full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", contracts.ErrFilesystem, path, err)
	}
	return data, nil
}
