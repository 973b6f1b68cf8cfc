// Package sandbox isolates proposed content from production files.
// Approved content is written to a sandbox tree first; only after the
// during-sync pipeline passes is the staged file promoted into the
// production tree. Both trees sit behind afero so tests run entirely
// in memory.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/voidsync/voidsync/pkg/contracts"
)

// MaxFileSize caps a single file's content at ingress.
const MaxFileSize = 5 * 1024 * 1024

// Workspace pairs the production tree with its sandbox shadow.
type Workspace struct {
	fs          afero.Fs
	root        string
	sandboxRoot string
}

// New builds a workspace over the given filesystem. Roots are created
// lazily on first write.
func New(fs afero.Fs, root, sandboxRoot string) *Workspace {
	return &Workspace{fs: fs, root: root, sandboxRoot: sandboxRoot}
}

// Root returns the production root.
func (w *Workspace) Root() string { return w.root }

// CheckSize rejects content over MaxFileSize.
func CheckSize(content string) error {
	if len(content) > MaxFileSize {
		return fmt.Errorf("%w: content is %d bytes, limit is %d", contracts.ErrInvalidInput, len(content), MaxFileSize)
	}
	return nil
}

// ReadProduction returns the production file's content. A missing file
// reads as the empty string: a change against an absent file is a
// create, not an error.
func (w *Workspace) ReadProduction(path string) (string, error) {
	return w.read(filepath.Join(w.root, filepath.FromSlash(path)))
}

// ReadStaged returns the sandbox copy, empty string when absent.
func (w *Workspace) ReadStaged(path string) (string, error) {
	return w.read(filepath.Join(w.sandboxRoot, filepath.FromSlash(path)))
}

// Stage writes content into the sandbox tree.
func (w *Workspace) Stage(path, content string) error {
	if err := CheckSize(content); err != nil {
		return err
	}
	return w.write(filepath.Join(w.sandboxRoot, filepath.FromSlash(path)), content)
}

// Rollback discards the sandbox copy. Missing files are fine; the
// rollback of a failed stage must itself never fail on absence.
func (w *Workspace) Rollback(path string) error {
	full := filepath.Join(w.sandboxRoot, filepath.FromSlash(path))
	if err := w.fs.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: rollback %s: %v", contracts.ErrFilesystem, path, err)
	}
	return nil
}

// Promote copies the staged file into the production tree and removes
// the sandbox copy.
func (w *Workspace) Promote(path string) error {
	staged := filepath.Join(w.sandboxRoot, filepath.FromSlash(path))
	data, err := afero.ReadFile(w.fs, staged)
	if err != nil {
		return fmt.Errorf("%w: promote %s: no staged copy: %v", contracts.ErrFilesystem, path, err)
	}
	if err := w.write(filepath.Join(w.root, filepath.FromSlash(path)), string(data)); err != nil {
		return err
	}
	return w.Rollback(path)
}

func (w *Workspace) read(full string) (string, error) {
	data, err := afero.ReadFile(w.fs, full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("%w: read %s: %v", contracts.ErrFilesystem, full, err)
	}
	return string(data), nil
}

func (w *Workspace) write(full, content string) error {
	if err := w.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir for %s: %v", contracts.ErrFilesystem, full, err)
	}
	if err := afero.WriteFile(w.fs, full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", contracts.ErrFilesystem, full, err)
	}
	return nil
}
