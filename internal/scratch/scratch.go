// Package scratch manages an isolated temporary directory for utterance WAV
// files and converted audio. Every file xvoice creates on disk lives inside a
// [Dir] so that a single [Dir.Remove] releases all of them.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/xvoice/xvoice/pkg/audio"
)

// Dir is a private temporary directory. It is safe for concurrent use.
type Dir struct {
	path string

	mu      sync.Mutex
	removed bool
}

// New creates a fresh directory under parent (the system temp dir when
// parent is empty).
func New(parent, prefix string) (*Dir, error) {
	if prefix == "" {
		prefix = "xvoice-"
	}
	p, err := os.MkdirTemp(parent, prefix)
	if err != nil {
		return nil, fmt.Errorf("scratch: create dir: %w", err)
	}
	return &Dir{path: p}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// File returns a unique, not yet existing path inside the directory, e.g.
// "<dir>/utterance_<uuid>.wav".
func (d *Dir) File(prefix, ext string) string {
	return filepath.Join(d.path, prefix+"_"+uuid.NewString()+ext)
}

// WriteUtterance serialises frames as a mono 16-bit WAV file inside the
// directory and returns its path.
func (d *Dir) WriteUtterance(frames []audio.Frame) (string, error) {
	d.mu.Lock()
	removed := d.removed
	d.mu.Unlock()
	if removed {
		return "", fmt.Errorf("scratch: write to removed dir %s", d.path)
	}
	p := d.File("utterance", ".wav")
	if err := audio.WriteWAV(p, frames); err != nil {
		return "", err
	}
	return p, nil
}

// Remove deletes the directory and everything in it. Calling Remove more than
// once is a no-op.
func (d *Dir) Remove() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return nil
	}
	d.removed = true
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("scratch: remove %s: %w", d.path, err)
	}
	return nil
}
