package engine

import (
	"fmt"
	"time"

	"github.com/driveberry/driveberry/pkg/checksum"
	"github.com/driveberry/driveberry/pkg/pathutil"
)

// FileInfo is one manifest record for a file.
type FileInfo struct {
	// Path is repository-relative, forward-slash delimited.
	Path string
	// Size is -1 when unknown.
	Size int64
	// ModTime is UTC.
	ModTime time.Time
	// Checksum is a hex digest, checksum.Unknown when not computed, or
	// checksum.Unreadable when requested but unreadable.
	Checksum string
}

// sameContent reports whether two records describe identical content.
// Unknown checksums compare by size only.
func (f FileInfo) sameContent(o FileInfo) bool {
	if f.Size >= 0 && o.Size >= 0 && f.Size != o.Size {
		return false
	}
	if checksum.IsKnown(f.Checksum) && checksum.IsKnown(o.Checksum) {
		return f.Checksum == o.Checksum
	}
	return true
}

// Manifest is the persistent shadow model of one repository's tree. It is not
// internally synchronized: every access happens under the owning repository's
// lock.
type Manifest struct {
	cursor  string
	folders map[string]string   // id -> folder path
	files   map[string]FileInfo // id -> file record
	reverse map[string]string   // path -> id, union of files and folders
	dirty   bool
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{
		folders: make(map[string]string),
		files:   make(map[string]FileInfo),
		reverse: make(map[string]string),
	}
}

// Cursor returns the continuation cursor for the incremental change feed
// (empty for the local repository).
func (m *Manifest) Cursor() string { return m.cursor }

// SetCursor stores a new continuation cursor and marks the manifest dirty.
func (m *Manifest) SetCursor(cursor string) {
	if cursor == m.cursor {
		return
	}
	m.cursor = cursor
	m.dirty = true
}

// Dirty reports whether the manifest has unsaved mutations.
func (m *Manifest) Dirty() bool { return m.dirty }

// MarkClean clears the dirty flag. Called by Save on success and by the
// cloud builder once a full scan completes.
func (m *Manifest) MarkClean() { m.dirty = false }

// FileCount returns the number of file records.
func (m *Manifest) FileCount() int { return len(m.files) }

// FolderCount returns the number of folder records.
func (m *Manifest) FolderCount() int { return len(m.folders) }

// FileByID returns the file record for id.
func (m *Manifest) FileByID(id string) (FileInfo, bool) {
	info, ok := m.files[id]
	return info, ok
}

// FolderByID returns the folder path for id.
func (m *Manifest) FolderByID(id string) (string, bool) {
	path, ok := m.folders[id]
	return path, ok
}

// IDByPath returns the id registered at path, over files and folders.
func (m *Manifest) IDByPath(path string) (string, bool) {
	id, ok := m.reverse[path]
	return id, ok
}

// FileByPath returns the file record registered at path.
func (m *Manifest) FileByPath(path string) (FileInfo, bool) {
	id, ok := m.reverse[path]
	if !ok {
		return FileInfo{}, false
	}
	info, ok := m.files[id]
	return info, ok
}

// IsFolderPath reports whether path is registered as a folder.
func (m *Manifest) IsFolderPath(path string) bool {
	id, ok := m.reverse[path]
	if !ok {
		return false
	}
	_, ok = m.folders[id]
	return ok
}

// Files returns a copy of the file map.
func (m *Manifest) Files() map[string]FileInfo {
	out := make(map[string]FileInfo, len(m.files))
	for id, info := range m.files {
		out[id] = info
	}
	return out
}

// Folders returns a copy of the folder map.
func (m *Manifest) Folders() map[string]string {
	out := make(map[string]string, len(m.folders))
	for id, path := range m.folders {
		out[id] = path
	}
	return out
}

// PutFile inserts or replaces a file record, maintaining the reverse index.
func (m *Manifest) PutFile(id string, info FileInfo) {
	if old, ok := m.files[id]; ok {
		delete(m.reverse, old.Path)
	}
	m.files[id] = info
	m.reverse[info.Path] = id
	m.dirty = true
}

// PutFolder inserts or replaces a folder record, maintaining the reverse
// index.
func (m *Manifest) PutFolder(id, path string) {
	if old, ok := m.folders[id]; ok {
		delete(m.reverse, old)
	}
	m.folders[id] = path
	m.reverse[path] = id
	m.dirty = true
}

// Remove deletes the record for id from whichever kind holds it.
func (m *Manifest) Remove(id string) {
	if info, ok := m.files[id]; ok {
		delete(m.files, id)
		delete(m.reverse, info.Path)
		m.dirty = true
		return
	}
	if path, ok := m.folders[id]; ok {
		delete(m.folders, id)
		delete(m.reverse, path)
		m.dirty = true
	}
}

// RegisterChange applies an observed file state for id to the shadow model
// and returns the canonical change it implies, or nil when the event is a
// no-op. source is the tag stamped on the returned change.
func (m *Manifest) RegisterChange(source, id string, info FileInfo) *ChangeInfo {
	old, known := m.files[id]
	if !known {
		m.PutFile(id, info)
		return &ChangeInfo{
			Source:      source,
			Type:        Created,
			NewPath:     info.Path,
			NewChecksum: info.Checksum,
		}
	}

	pathChanged := old.Path != info.Path
	contentChanged := !old.sameContent(info)

	if !pathChanged && !contentChanged {
		if old != info {
			// Refresh metadata that does not affect classification.
			m.files[id] = info
			m.dirty = true
		}
		return nil
	}

	m.PutFile(id, info)

	switch {
	case !pathChanged:
		return &ChangeInfo{
			Source:      source,
			Type:        Modified,
			NewPath:     info.Path,
			NewChecksum: info.Checksum,
			OldChecksum: old.Checksum,
		}
	case !contentChanged:
		kind := Moved
		if pathutil.Parent(info.Path) == pathutil.Parent(old.Path) {
			kind = Renamed
		}
		return &ChangeInfo{
			Source:      source,
			Type:        kind,
			NewPath:     info.Path,
			OldPath:     old.Path,
			NewChecksum: info.Checksum,
			OldChecksum: old.Checksum,
		}
	default:
		return &ChangeInfo{
			Source:      source,
			Type:        MovedAndModified,
			NewPath:     info.Path,
			OldPath:     old.Path,
			NewChecksum: info.Checksum,
			OldChecksum: old.Checksum,
		}
	}
}

// RegisterFolderChange applies an observed folder state. Folder
// classification has no content comparison: equal paths are a no-op, a path
// change for a known id is a Moved (Renamed within the same parent), and an
// unknown id is a Created.
func (m *Manifest) RegisterFolderChange(source, id, path string) *ChangeInfo {
	old, known := m.folders[id]
	if !known {
		m.PutFolder(id, path)
		return &ChangeInfo{
			Source:      source,
			Type:        Created,
			NewPath:     path,
			IsFolder:    true,
			NewChecksum: checksum.Unknown,
		}
	}
	if old == path {
		return nil
	}

	m.moveSubtree(old, path)
	m.PutFolder(id, path)

	kind := Moved
	if pathutil.Parent(path) == pathutil.Parent(old) {
		kind = Renamed
	}
	return &ChangeInfo{
		Source:      source,
		Type:        kind,
		NewPath:     path,
		OldPath:     old,
		IsFolder:    true,
		NewChecksum: checksum.Unknown,
	}
}

// RegisterRemoval records the removal or trashing of a known id and returns
// the implied Removed change, or nil when the id was never known.
func (m *Manifest) RegisterRemoval(source, id string) *ChangeInfo {
	if info, ok := m.files[id]; ok {
		m.Remove(id)
		return &ChangeInfo{
			Source:      source,
			Type:        Removed,
			NewPath:     info.Path,
			NewChecksum: info.Checksum,
		}
	}
	if path, ok := m.folders[id]; ok {
		m.Remove(id)
		return &ChangeInfo{
			Source:      source,
			Type:        Removed,
			NewPath:     path,
			IsFolder:    true,
			NewChecksum: checksum.Unknown,
		}
	}
	return nil
}

// RegisterMove injects a synthetic move into the shadow model, updating the
// path indices without producing a change. Used when the cloud repository
// itself moves an entry; the local side re-keys its manifest directly.
func (m *Manifest) RegisterMove(from, to string) {
	id, ok := m.reverse[from]
	if !ok {
		return
	}
	if info, isFile := m.files[id]; isFile {
		info.Path = to
		m.PutFile(id, info)
		return
	}
	m.moveSubtree(from, to)
	m.PutFolder(id, to)
}

// RemoveSubtree removes the entry at path and, when it is a folder,
// everything beneath it.
func (m *Manifest) RemoveSubtree(path string) {
	id, ok := m.reverse[path]
	if !ok {
		return
	}
	if _, isFile := m.files[id]; isFile {
		m.Remove(id)
		return
	}
	for fid, info := range m.files {
		if pathutil.IsWithin(path, info.Path) {
			delete(m.files, fid)
			delete(m.reverse, info.Path)
		}
	}
	for fid, p := range m.folders {
		if fid != id && pathutil.IsWithin(path, p) {
			delete(m.folders, fid)
			delete(m.reverse, p)
		}
	}
	m.Remove(id)
}

// moveSubtree rewrites the paths of every entry beneath a folder that is
// moving from oldPath to newPath.
func (m *Manifest) moveSubtree(oldPath, newPath string) {
	for id, info := range m.files {
		if pathutil.IsWithin(oldPath, info.Path) && info.Path != oldPath {
			delete(m.reverse, info.Path)
			info.Path = newPath + info.Path[len(oldPath):]
			m.files[id] = info
			m.reverse[info.Path] = id
		}
	}
	for id, p := range m.folders {
		if p != oldPath && pathutil.IsWithin(oldPath, p) {
			delete(m.reverse, p)
			p = newPath + p[len(oldPath):]
			m.folders[id] = p
			m.reverse[p] = id
		}
	}
	m.dirty = true
}

// CheckInvariants verifies the structural invariants of the path indices.
// A violation indicates a bug in the engine, not bad input.
func (m *Manifest) CheckInvariants() error {
	for id, info := range m.files {
		if got, ok := m.reverse[info.Path]; !ok || got != id {
			return fmt.Errorf("file %s at %q not indexed (reverse has %q)", id, info.Path, got)
		}
	}
	for id, path := range m.folders {
		if got, ok := m.reverse[path]; !ok || got != id {
			return fmt.Errorf("folder %s at %q not indexed (reverse has %q)", id, path, got)
		}
		if _, dup := m.files[id]; dup {
			return fmt.Errorf("id %s is both file and folder", id)
		}
	}
	if len(m.reverse) != len(m.files)+len(m.folders) {
		return fmt.Errorf("reverse index has %d entries, want %d",
			len(m.reverse), len(m.files)+len(m.folders))
	}
	return nil
}
