package localfs

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/engine"
	"github.com/driveberry/driveberry/pkg/checksum"
	"github.com/driveberry/driveberry/pkg/pathutil"
)

// BuildManifest walks the subtree and replaces the manifest. Folders are
// recorded by their relative path (identity = path); files get their size,
// mtime, and a freshly computed checksum.
func (r *Repository) BuildManifest(ctx context.Context) error {
	m := engine.NewManifest()

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.core.Log().Warn("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := pathutil.FromOS(r.root, path)
		if relErr != nil || rel == "." {
			return nil
		}

		if d.IsDir() {
			m.PutFolder(rel, rel)
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		m.PutFile(rel, engine.FileInfo{
			Path:     rel,
			Size:     info.Size(),
			ModTime:  info.ModTime().UTC(),
			Checksum: checksum.File(path),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", r.root, err)
	}

	r.core.Lock()
	r.core.ReplaceManifest(m)
	r.core.Unlock()

	r.core.Log().Info("local tree scanned",
		zap.Int("folders", m.FolderCount()),
		zap.Int("files", m.FileCount()))
	return nil
}
