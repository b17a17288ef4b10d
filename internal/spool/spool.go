// Package spool stages whole-file content streams on disk while they are in
// flight between repositories. Every transfer is written to a temp file
// first, so a slow or failing destination never holds a source stream open.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Spool owns a directory of staged transfer files.
type Spool struct {
	dir string

	mu  sync.Mutex
	seq int
}

// Open creates the spool directory if needed and removes any staged files a
// previous run left behind.
func Open(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}

	return &Spool{dir: dir}, nil
}

// StagedFile is one fully written transfer awaiting delivery. The consumer
// owns it and must call Remove when done.
type StagedFile struct {
	path string
	size int64
}

// Stage copies r to a new spool file.
func (s *Spool) Stage(r io.Reader) (*StagedFile, error) {
	s.mu.Lock()
	s.seq++
	path := filepath.Join(s.dir, fmt.Sprintf("transfer-%06d.part", s.seq))
	s.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write spool file: %w", err)
	}

	return &StagedFile{path: path, size: written}, nil
}

// Size returns the staged content length in bytes.
func (f *StagedFile) Size() int64 { return f.size }

// Open returns a fresh reader over the staged content.
func (f *StagedFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// Remove deletes the staged file.
func (f *StagedFile) Remove() {
	os.Remove(f.path)
}
