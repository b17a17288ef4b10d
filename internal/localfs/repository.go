// Package localfs implements the local repository: a real directory subtree
// mirrored by the engine, observed through filesystem notifications.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/engine"
	"github.com/driveberry/driveberry/pkg/checksum"
	"github.com/driveberry/driveberry/pkg/pathutil"
)

// Repository is the local filesystem side of the synchronizer. Entry
// identity is the path itself, so manifest ids and paths coincide.
type Repository struct {
	core *engine.RepoCore
	root string

	coalesceWindow time.Duration

	watch *watcher
	coal  *coalescer
}

// Options tune the local repository.
type Options struct {
	// CoalesceWindow is how long raw watcher events are held for
	// coalescing. Zero means 2 s.
	CoalesceWindow time.Duration
}

// NewRepository creates the local repository rooted at root.
func NewRepository(root, manifestPath string, opts Options, log *zap.Logger) (*Repository, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat sync root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sync root %s is not a directory", root)
	}
	if opts.CoalesceWindow <= 0 {
		opts.CoalesceWindow = 2 * time.Second
	}

	return &Repository{
		core:           engine.NewRepoCore(engine.TagLocal, manifestPath, log),
		root:           filepath.Clean(root),
		coalesceWindow: opts.CoalesceWindow,
	}, nil
}

// Core returns the shared repository state.
func (r *Repository) Core() *engine.RepoCore { return r.core }

// Root returns the OS path of the synchronized subtree.
func (r *Repository) Root() string { return r.root }

// Snapshot returns the manifest contents keyed by path.
func (r *Repository) Snapshot() (map[string]engine.FileInfo, map[string]bool) {
	r.core.Lock()
	defer r.core.Unlock()
	return r.core.Snapshot()
}

// Exists checks the filesystem itself, not the shadow model: after a replay
// the entry must actually be present on disk.
func (r *Repository) Exists(_ context.Context, info engine.ChangeInfo) (bool, error) {
	fi, err := os.Stat(pathutil.ToOS(r.root, info.NewPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return fi.IsDir() == info.IsFolder, nil
}

// CreateOrUpdateFile writes content to info.NewPath atomically (temp file
// then rename), then records the write in the echo ledger and the manifest
// under the same lock, so the watcher event it causes classifies as a no-op.
func (r *Repository) CreateOrUpdateFile(_ context.Context, info engine.ChangeInfo, content io.Reader, size int64) error {
	r.core.Lock()
	defer r.core.Unlock()

	abs := pathutil.ToOS(r.root, info.NewPath)
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", info.NewPath, err)
	}

	tmp, err := os.CreateTemp(dir, ".driveberry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", info.NewPath, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", info.NewPath, err)
	}
	if size >= 0 && written != size {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: wrote %d bytes, expected %d", info.NewPath, written, size)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", info.NewPath, err)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s after write: %w", info.NewPath, err)
	}

	r.core.Echo().Record(info.NewPath)
	r.registerParentsLocked(info.NewPath)
	r.core.Manifest().PutFile(info.NewPath, engine.FileInfo{
		Path:     info.NewPath,
		Size:     written,
		ModTime:  fi.ModTime().UTC(),
		Checksum: info.NewChecksum,
	})
	return nil
}

// CreateFolder creates the folder chain down to path.
func (r *Repository) CreateFolder(_ context.Context, path string) error {
	r.core.Lock()
	defer r.core.Unlock()

	if err := os.MkdirAll(pathutil.ToOS(r.root, path), 0o755); err != nil {
		return fmt.Errorf("create folder %s: %w", path, err)
	}
	r.core.Echo().Record(path)
	r.registerParentsLocked(path)
	r.core.Manifest().PutFolder(path, path)
	return nil
}

// registerParentsLocked records any missing parent folders of path.
func (r *Repository) registerParentsLocked(path string) {
	m := r.core.Manifest()
	for parent := pathutil.Parent(path); parent != "."; parent = pathutil.Parent(parent) {
		if _, ok := m.IDByPath(parent); ok {
			break
		}
		m.PutFolder(parent, parent)
		r.core.Echo().Record(parent)
	}
}

// MoveFile relocates a file to newPath.
func (r *Repository) MoveFile(ctx context.Context, oldPath, newPath string) error {
	return r.move(ctx, oldPath, newPath)
}

// MoveFolder relocates a folder subtree to newPath.
func (r *Repository) MoveFolder(ctx context.Context, oldPath, newPath string) error {
	return r.move(ctx, oldPath, newPath)
}

func (r *Repository) move(_ context.Context, oldPath, newPath string) error {
	r.core.Lock()
	defer r.core.Unlock()

	from := pathutil.ToOS(r.root, oldPath)
	to := pathutil.ToOS(r.root, newPath)

	if _, err := os.Stat(from); err != nil {
		return fmt.Errorf("move %s: %w", oldPath, err)
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("move %s -> %s: %w", oldPath, newPath, engine.ErrDestinationExists)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", newPath, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move %s -> %s: %w", oldPath, newPath, err)
	}

	r.core.Echo().Record(oldPath)
	r.core.Echo().Record(newPath)
	r.registerParentsLocked(newPath)
	r.rekeyLocked(oldPath, newPath)
	return nil
}

// rekeyLocked rewrites manifest entries for a moved path. Local identity is
// the path, so moved entries change id as well as path.
func (r *Repository) rekeyLocked(oldPath, newPath string) {
	m := r.core.Manifest()

	if info, ok := m.FileByPath(oldPath); ok {
		m.Remove(oldPath)
		info.Path = newPath
		m.PutFile(newPath, info)
		return
	}
	if !m.IsFolderPath(oldPath) {
		return
	}

	files, folders := r.core.Snapshot()
	m.RemoveSubtree(oldPath)
	m.PutFolder(newPath, newPath)
	for path, info := range files {
		if pathutil.IsWithin(oldPath, path) {
			moved := newPath + path[len(oldPath):]
			info.Path = moved
			m.PutFile(moved, info)
		}
	}
	for path := range folders {
		if path != oldPath && pathutil.IsWithin(oldPath, path) {
			moved := newPath + path[len(oldPath):]
			m.PutFolder(moved, moved)
		}
	}
}

// RemoveFile deletes a file. A path that is already gone is success.
func (r *Repository) RemoveFile(_ context.Context, path string) error {
	r.core.Lock()
	defer r.core.Unlock()

	if err := os.Remove(pathutil.ToOS(r.root, path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	r.core.Echo().Record(path)
	r.core.Manifest().RemoveSubtree(path)
	return nil
}

// RemoveFolder deletes a folder subtree. Already gone is success.
func (r *Repository) RemoveFolder(_ context.Context, path string) error {
	r.core.Lock()
	defer r.core.Unlock()

	if err := os.RemoveAll(pathutil.ToOS(r.root, path)); err != nil {
		return fmt.Errorf("remove folder %s: %w", path, err)
	}
	r.core.Echo().Record(path)
	r.core.Manifest().RemoveSubtree(path)
	return nil
}

// GetFileContentStream opens the whole content of the file at info.NewPath.
func (r *Repository) GetFileContentStream(_ context.Context, info engine.ChangeInfo) (io.ReadCloser, int64, error) {
	f, err := os.Open(pathutil.ToOS(r.root, info.NewPath))
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", info.NewPath, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", info.NewPath, err)
	}
	return f, fi.Size(), nil
}

// statFile builds a manifest record from the file's current on-disk state.
func (r *Repository) statFile(rel string) (engine.FileInfo, error) {
	abs := pathutil.ToOS(r.root, rel)
	fi, err := os.Stat(abs)
	if err != nil {
		return engine.FileInfo{}, err
	}
	return engine.FileInfo{
		Path:     rel,
		Size:     fi.Size(),
		ModTime:  fi.ModTime().UTC(),
		Checksum: checksum.File(abs),
	}, nil
}
