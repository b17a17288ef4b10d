package drive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/engine"
	"github.com/driveberry/driveberry/pkg/pathutil"
)

// shortcutTarget is one folder-shortcut discovered during the scan, queued
// for recursive listing under its apparent path.
type shortcutTarget struct {
	targetID string
	path     string // manifest path where the shortcut appears
}

// BuildManifest lists the entire owned hierarchy and replaces the manifest.
//
// Pass one fetches all folders plus every shortcut, filters folder-shortcuts
// client side (the query language cannot see the target mime type), and
// computes absolute paths by walking parent links. Pass two lists non-folder
// items, resolving file-shortcut targets to the target's content metadata
// under the shortcut's own parent and name. Pass three recursively lists the
// children of each folder-shortcut target under the shortcut's apparent
// path, appending freshly discovered folder-shortcuts to the worklist; a
// visited set over target ids keeps shortcut cycles from looping. Finally a
// fresh feed cursor is obtained and the dirty flag cleared.
func (r *Repository) BuildManifest(ctx context.Context) error {
	if err := r.resolveRoot(ctx); err != nil {
		return err
	}

	m := engine.NewManifest()
	m.PutFolder(r.rootID, r.rootName)

	// Pass one: folders and shortcuts.
	query := fmt.Sprintf("(mimeType = '%s' or mimeType = '%s') and trashed = false",
		folderMimeType, shortcutMimeType)
	items, err := r.listAll(ctx, query)
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}

	byID := make(map[string]*File, len(items))
	for _, f := range items {
		byID[f.ID] = f
	}

	paths := map[string]string{r.rootID: r.rootName}
	var worklist []shortcutTarget

	for _, f := range items {
		if !f.IsFolder() {
			continue
		}
		path, ok := r.folderPath(f, byID, paths)
		if !ok {
			continue // orphan: parent chain does not reach the root
		}
		m.PutFolder(f.ID, path)
	}
	for _, f := range items {
		if !f.IsFolderShortcut() {
			continue
		}
		if _, seen := paths[f.ShortcutTargetID]; seen {
			continue // target already reachable; first recording wins
		}
		parentPath, ok := r.parentPathIn(f, paths)
		if !ok {
			continue
		}
		path := pathutil.Join(parentPath, f.Name)
		m.PutFolder(f.ShortcutTargetID, path)
		paths[f.ShortcutTargetID] = path
		worklist = append(worklist, shortcutTarget{targetID: f.ShortcutTargetID, path: path})
	}

	// Pass two: non-folder items.
	fileQuery := fmt.Sprintf("mimeType != '%s' and trashed = false", folderMimeType)
	files, err := r.listAll(ctx, fileQuery)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	for _, f := range files {
		if f.IsFolderShortcut() {
			continue // handled in pass one
		}
		parentPath, ok := r.parentPathIn(f, paths)
		if !ok {
			continue
		}
		path := pathutil.Join(parentPath, f.Name)

		if f.IsShortcut() {
			target, err := r.api.GetFile(ctx, f.ShortcutTargetID)
			if err != nil {
				r.core.Log().Warn("skipping unresolvable shortcut",
					zap.String("shortcut", f.ID), zap.Error(err))
				continue
			}
			m.PutFile(f.ID, engine.FileInfo{
				Path:     path,
				Size:     target.Size,
				ModTime:  target.ModifiedTime,
				Checksum: orUnknown(target.MD5Checksum),
			})
			continue
		}

		m.PutFile(f.ID, engine.FileInfo{
			Path:     path,
			Size:     f.Size,
			ModTime:  f.ModifiedTime,
			Checksum: orUnknown(f.MD5Checksum),
		})
	}

	// Pass three: recurse into folder-shortcut targets.
	visited := make(map[string]bool)
	for len(worklist) > 0 {
		target := worklist[0]
		worklist = worklist[1:]
		if visited[target.targetID] {
			continue
		}
		visited[target.targetID] = true

		more, err := r.listShortcutChildren(ctx, m, target)
		if err != nil {
			r.core.Log().Warn("failed to list shortcut target",
				zap.String("target", target.targetID), zap.Error(err))
			continue
		}
		worklist = append(worklist, more...)
	}

	cursor, err := r.api.GetStartPageToken(ctx)
	if err != nil {
		return fmt.Errorf("get start page token: %w", err)
	}
	m.SetCursor(cursor)
	m.MarkClean()

	r.core.Lock()
	r.core.ReplaceManifest(m)
	r.core.Unlock()

	r.core.Log().Info("cloud hierarchy scanned",
		zap.Int("folders", m.FolderCount()),
		zap.Int("files", m.FileCount()))
	return nil
}

// listShortcutChildren records the children of one folder-shortcut target
// beneath its apparent path and returns any folder-shortcuts found there.
func (r *Repository) listShortcutChildren(ctx context.Context, m *engine.Manifest, target shortcutTarget) ([]shortcutTarget, error) {
	children, err := r.listAll(ctx, fmt.Sprintf("'%s' in parents and trashed = false", target.targetID))
	if err != nil {
		return nil, err
	}

	var more []shortcutTarget
	for _, f := range children {
		path := pathutil.Join(target.path, f.Name)
		switch {
		case f.IsFolder():
			m.PutFolder(f.ID, path)
			more = append(more, shortcutTarget{targetID: f.ID, path: path})
		case f.IsFolderShortcut():
			if _, known := m.FolderByID(f.ShortcutTargetID); !known {
				m.PutFolder(f.ShortcutTargetID, path)
			}
			more = append(more, shortcutTarget{targetID: f.ShortcutTargetID, path: path})
		case f.IsShortcut():
			resolved, err := r.api.GetFile(ctx, f.ShortcutTargetID)
			if err != nil {
				continue
			}
			m.PutFile(f.ID, engine.FileInfo{
				Path:     path,
				Size:     resolved.Size,
				ModTime:  resolved.ModifiedTime,
				Checksum: orUnknown(resolved.MD5Checksum),
			})
		default:
			m.PutFile(f.ID, engine.FileInfo{
				Path:     path,
				Size:     f.Size,
				ModTime:  f.ModifiedTime,
				Checksum: orUnknown(f.MD5Checksum),
			})
		}
	}
	return more, nil
}

// listAll drains every page of a Files.List query.
func (r *Repository) listAll(ctx context.Context, query string) ([]*File, error) {
	var all []*File
	pageToken := ""
	for {
		files, next, err := r.api.ListFiles(ctx, query, pageToken)
		if err != nil {
			return nil, err
		}
		all = append(all, files...)
		if next == "" {
			return all, nil
		}
		pageToken = next
	}
}

// folderPath computes a folder's absolute manifest path by walking parent
// links, memoizing into paths. Returns false for orphans whose chain never
// reaches the root.
func (r *Repository) folderPath(f *File, byID map[string]*File, paths map[string]string) (string, bool) {
	if path, ok := paths[f.ID]; ok {
		return path, true
	}
	if len(f.Parents) == 0 {
		return "", false
	}

	parent := f.Parents[0]
	parentPath, ok := paths[parent]
	if !ok {
		pf, known := byID[parent]
		if !known {
			return "", false
		}
		parentPath, ok = r.folderPath(pf, byID, paths)
		if !ok {
			return "", false
		}
	}

	path := pathutil.Join(parentPath, f.Name)
	paths[f.ID] = path
	return path, true
}

// parentPathIn resolves an item's parent path from the memoized path map.
func (r *Repository) parentPathIn(f *File, paths map[string]string) (string, bool) {
	if len(f.Parents) == 0 {
		return "", false
	}
	path, ok := paths[f.Parents[0]]
	return path, ok
}
