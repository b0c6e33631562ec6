package document

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Workspace is a temporary directory private to one request.
// Release deletes it together with everything written into it.
type Workspace struct {
	dir string
}

// NewWorkspace creates a uniquely named directory under baseDir. The request id
// is part of the name so leftovers can be traced, but uniqueness comes from os.MkdirTemp.
func NewWorkspace(baseDir, requestID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(baseDir, fmt.Sprintf("facever-%s-*", filepath.Base(requestID)))
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string {
	return w.dir
}

// Create writes r to a new file inside the workspace and returns its path.
func (w *Workspace) Create(name string, r io.Reader) (string, error) {
	path := filepath.Join(w.dir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// Release removes the workspace. It is safe to call on a nil workspace and more than once.
func (w *Workspace) Release() error {
	if w == nil || w.dir == "" {
		return nil
	}
	return os.RemoveAll(w.dir)
}
