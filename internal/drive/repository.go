package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/engine"
	"github.com/driveberry/driveberry/pkg/checksum"
	"github.com/driveberry/driveberry/pkg/pathutil"
)

// Repository is the Google Drive side of the synchronizer. Manifest paths
// are rooted at the root folder's display name ("My Drive"); paths crossing
// the engine.Repository interface are canonical, with that root stripped.
type Repository struct {
	core *engine.RepoCore
	api  API

	rootID   string
	rootName string

	pollInterval  time.Duration
	errorInterval time.Duration

	mon *poller
}

// Options tune the cloud repository.
type Options struct {
	// PollInterval is the pause between change feed sweeps. Zero means 5 s.
	PollInterval time.Duration
	// ErrorInterval is the pause after a transport failure. Zero means 10 s.
	ErrorInterval time.Duration
}

// NewRepository creates the cloud repository. manifestPath is the fixed
// manifest file in the working directory.
func NewRepository(api API, manifestPath string, opts Options, log *zap.Logger) *Repository {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ErrorInterval <= 0 {
		opts.ErrorInterval = 10 * time.Second
	}
	return &Repository{
		core:          engine.NewRepoCore(engine.TagCloud, manifestPath, log),
		api:           api,
		pollInterval:  opts.PollInterval,
		errorInterval: opts.ErrorInterval,
	}
}

// Core returns the shared repository state.
func (r *Repository) Core() *engine.RepoCore { return r.core }

// resolveRoot fetches and caches the root folder identity.
func (r *Repository) resolveRoot(ctx context.Context) error {
	if r.rootID != "" {
		return nil
	}
	id, name, err := r.api.Root(ctx)
	if err != nil {
		return fmt.Errorf("resolve drive root: %w", err)
	}
	r.rootID = id
	r.rootName = name
	return nil
}

// rel converts a manifest path to a canonical repository path.
func (r *Repository) rel(manifestPath string) string {
	if manifestPath == r.rootName {
		return "."
	}
	prefix := r.rootName + "/"
	if len(manifestPath) > len(prefix) && manifestPath[:len(prefix)] == prefix {
		return manifestPath[len(prefix):]
	}
	return manifestPath
}

// abs converts a canonical repository path to a manifest path.
func (r *Repository) abs(rel string) string {
	if rel == "." || rel == "" {
		return r.rootName
	}
	return r.rootName + "/" + rel
}

// relChange converts a manifest-space change to canonical paths.
func (r *Repository) relChange(c *engine.ChangeInfo) engine.ChangeInfo {
	out := *c
	out.NewPath = r.rel(c.NewPath)
	if c.OldPath != "" {
		out.OldPath = r.rel(c.OldPath)
	}
	return out
}

// Snapshot returns the manifest contents keyed by canonical path. The root
// folder entry itself is the repository root and is excluded.
func (r *Repository) Snapshot() (map[string]engine.FileInfo, map[string]bool) {
	r.core.Lock()
	defer r.core.Unlock()

	m := r.core.Manifest()
	files := make(map[string]engine.FileInfo, m.FileCount())
	for _, info := range m.Files() {
		rel := r.rel(info.Path)
		info.Path = rel
		files[rel] = info
	}
	folders := make(map[string]bool, m.FolderCount())
	for _, path := range m.Folders() {
		if path == r.rootName {
			continue
		}
		folders[r.rel(path)] = true
	}
	return files, folders
}

// Exists reports whether the entry described by info is present in the
// shadow model.
func (r *Repository) Exists(_ context.Context, info engine.ChangeInfo) (bool, error) {
	r.core.Lock()
	defer r.core.Unlock()

	m := r.core.Manifest()
	path := r.abs(info.NewPath)
	if info.IsFolder {
		return m.IsFolderPath(path), nil
	}
	_, ok := m.FileByPath(path)
	return ok, nil
}

// CreateOrUpdateFile uploads content to info.NewPath, creating parent
// folders as needed, then records its own write in the echo ledger and the
// manifest so the change feed entry it causes classifies as a no-op.
func (r *Repository) CreateOrUpdateFile(ctx context.Context, info engine.ChangeInfo, content io.Reader, size int64) error {
	if err := r.resolveRoot(ctx); err != nil {
		return err
	}

	r.core.Lock()
	defer r.core.Unlock()

	m := r.core.Manifest()
	path := r.abs(info.NewPath)

	var uploaded *File
	if id, ok := m.IDByPath(path); ok {
		f, err := r.api.UpdateContent(ctx, id, content)
		if err != nil {
			return fmt.Errorf("update %s: %w", info.NewPath, err)
		}
		uploaded = f
	} else {
		parentID, err := r.ensureFolderLocked(ctx, pathutil.Parent(path))
		if err != nil {
			return err
		}
		f, err := r.api.UploadFile(ctx, pathutil.Base(path), parentID, content)
		if err != nil {
			return fmt.Errorf("upload %s: %w", info.NewPath, err)
		}
		uploaded = f
	}

	r.core.Echo().Record(info.NewPath)
	sum := uploaded.MD5Checksum
	if sum == "" {
		sum = info.NewChecksum
	}
	m.PutFile(uploaded.ID, engine.FileInfo{
		Path:     path,
		Size:     size,
		ModTime:  uploaded.ModifiedTime,
		Checksum: sum,
	})
	return nil
}

// CreateFolder creates the folder chain down to path.
func (r *Repository) CreateFolder(ctx context.Context, path string) error {
	if err := r.resolveRoot(ctx); err != nil {
		return err
	}
	r.core.Lock()
	defer r.core.Unlock()
	_, err := r.ensureFolderLocked(ctx, r.abs(path))
	return err
}

// ensureFolderLocked resolves the folder id for a manifest path, creating
// missing folders along the chain. Callers hold the repository lock.
func (r *Repository) ensureFolderLocked(ctx context.Context, path string) (string, error) {
	m := r.core.Manifest()

	if path == r.rootName || path == "." || path == "" {
		if _, ok := m.FolderByID(r.rootID); !ok {
			m.PutFolder(r.rootID, r.rootName)
		}
		return r.rootID, nil
	}
	if id, ok := m.IDByPath(path); ok {
		if _, isFolder := m.FolderByID(id); !isFolder {
			return "", fmt.Errorf("path %q is a file, expected a folder", r.rel(path))
		}
		return id, nil
	}

	parentID, err := r.ensureFolderLocked(ctx, pathutil.Parent(path))
	if err != nil {
		return "", err
	}

	created, err := r.api.CreateFolder(ctx, pathutil.Base(path), parentID)
	if err != nil {
		return "", fmt.Errorf("create folder %s: %w", r.rel(path), err)
	}

	r.core.Echo().Record(r.rel(path))
	m.PutFolder(created.ID, path)
	return created.ID, nil
}

// MoveFile relocates a file to newPath.
func (r *Repository) MoveFile(ctx context.Context, oldPath, newPath string) error {
	return r.move(ctx, oldPath, newPath)
}

// MoveFolder relocates a folder subtree to newPath.
func (r *Repository) MoveFolder(ctx context.Context, oldPath, newPath string) error {
	return r.move(ctx, oldPath, newPath)
}

func (r *Repository) move(ctx context.Context, oldPath, newPath string) error {
	if err := r.resolveRoot(ctx); err != nil {
		return err
	}

	r.core.Lock()
	defer r.core.Unlock()

	m := r.core.Manifest()
	from := r.abs(oldPath)
	to := r.abs(newPath)

	id, ok := m.IDByPath(from)
	if !ok {
		return fmt.Errorf("move %s: %w", oldPath, ErrNotFound)
	}
	if _, occupied := m.IDByPath(to); occupied {
		return fmt.Errorf("move %s -> %s: %w", oldPath, newPath, engine.ErrDestinationExists)
	}

	oldParentID, err := r.ensureFolderLocked(ctx, pathutil.Parent(from))
	if err != nil {
		return err
	}
	newParentID, err := r.ensureFolderLocked(ctx, pathutil.Parent(to))
	if err != nil {
		return err
	}

	if _, err := r.api.Move(ctx, id, oldParentID, newParentID, pathutil.Base(to)); err != nil {
		return fmt.Errorf("move %s -> %s: %w", oldPath, newPath, err)
	}

	r.core.Echo().Record(oldPath)
	r.core.Echo().Record(newPath)
	m.RegisterMove(from, to)
	return nil
}

// RemoveFile deletes a file. A path that is already gone is success.
func (r *Repository) RemoveFile(ctx context.Context, path string) error {
	return r.remove(ctx, path)
}

// RemoveFolder deletes a folder subtree. Already gone is success.
func (r *Repository) RemoveFolder(ctx context.Context, path string) error {
	return r.remove(ctx, path)
}

func (r *Repository) remove(ctx context.Context, path string) error {
	if err := r.resolveRoot(ctx); err != nil {
		return err
	}

	r.core.Lock()
	defer r.core.Unlock()

	m := r.core.Manifest()
	abs := r.abs(path)

	id, ok := m.IDByPath(abs)
	if !ok {
		return nil
	}

	if err := r.api.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete %s: %w", path, err)
	}

	r.core.Echo().Record(path)
	m.RemoveSubtree(abs)
	return nil
}

// GetFileContentStream opens the whole content of the file at info.NewPath.
func (r *Repository) GetFileContentStream(ctx context.Context, info engine.ChangeInfo) (io.ReadCloser, int64, error) {
	r.core.Lock()
	m := r.core.Manifest()
	path := r.abs(info.NewPath)
	id, ok := m.IDByPath(path)
	var size int64 = -1
	if fi, isFile := m.FileByPath(path); isFile {
		size = fi.Size
	}
	r.core.Unlock()

	if !ok {
		return nil, 0, fmt.Errorf("content of %s: %w", info.NewPath, ErrNotFound)
	}

	rc, err := r.api.Download(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", info.NewPath, err)
	}
	return rc, size, nil
}

// registerFeedEntry applies one change feed entry to the manifest and
// returns the canonical change it implies. Callers hold the repository lock.
func (r *Repository) registerFeedEntry(ctx context.Context, ch *Change) *engine.ChangeInfo {
	m := r.core.Manifest()

	if ch.Removed || (ch.File != nil && ch.File.Trashed) {
		if ci := m.RegisterRemoval(engine.TagCloud, ch.FileID); ci != nil {
			out := r.relChange(ci)
			return &out
		}
		return nil
	}
	if ch.File == nil {
		return nil
	}

	f := ch.File
	parentPath, ok := r.parentPathLocked(f)
	if !ok {
		// The entry moved outside the synchronized hierarchy; for a known
		// id that is a removal, otherwise it never concerned us.
		if ci := m.RegisterRemoval(engine.TagCloud, feedEntryID(f)); ci != nil {
			out := r.relChange(ci)
			return &out
		}
		return nil
	}
	path := pathutil.Join(parentPath, f.Name)

	var ci *engine.ChangeInfo
	switch {
	case f.IsFolder():
		ci = m.RegisterFolderChange(engine.TagCloud, f.ID, path)
	case f.IsFolderShortcut():
		ci = m.RegisterFolderChange(engine.TagCloud, f.ShortcutTargetID, path)
	case f.IsShortcut():
		target, err := r.api.GetFile(ctx, f.ShortcutTargetID)
		if err != nil {
			r.core.Log().Warn("failed to resolve shortcut target",
				zap.String("shortcut", f.ID), zap.Error(err))
			return nil
		}
		ci = m.RegisterChange(engine.TagCloud, f.ID, engine.FileInfo{
			Path:     path,
			Size:     target.Size,
			ModTime:  target.ModifiedTime,
			Checksum: orUnknown(target.MD5Checksum),
		})
	default:
		ci = m.RegisterChange(engine.TagCloud, f.ID, engine.FileInfo{
			Path:     path,
			Size:     f.Size,
			ModTime:  f.ModifiedTime,
			Checksum: orUnknown(f.MD5Checksum),
		})
	}

	if ci == nil {
		return nil
	}
	out := r.relChange(ci)
	return &out
}

// parentPathLocked resolves the manifest path of an entry's parent folder.
func (r *Repository) parentPathLocked(f *File) (string, bool) {
	if len(f.Parents) == 0 {
		return "", false
	}
	parent := f.Parents[0]
	if parent == r.rootID {
		return r.rootName, true
	}
	return r.core.Manifest().FolderByID(parent)
}

// feedEntryID is the manifest identity of a feed entry: the shortcut target
// for folder shortcuts, the file id otherwise.
func feedEntryID(f *File) string {
	if f.IsFolderShortcut() {
		return f.ShortcutTargetID
	}
	return f.ID
}

func orUnknown(sum string) string {
	if sum == "" {
		return checksum.Unknown
	}
	return sum
}
