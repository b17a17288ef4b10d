package engine

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/metrics"
	"github.com/driveberry/driveberry/pkg/checksum"
	"github.com/driveberry/driveberry/pkg/pathutil"
)

// DownstreamOnlyPrefix names the subtree that is mirrored one-way from the
// cloud to the local tree. Local edits beneath it are overwritten during
// reconciliation; everything else synchronizes bidirectionally.
const DownstreamOnlyPrefix = "Mirror"

// Reconcile closes the divergence accumulated while the engine was not
// running. The cloud side is protected by the persisted feed cursor; the
// local side is not, so both trees are compared entry by entry.
//
// remotePrecedence is true iff the cloud manifest was freshly built rather
// than resumed: with no cursor history, a cloud entry missing locally means
// "download it", not "the user deleted it locally".
func (e *Engine) Reconcile(ctx context.Context) {
	cloudFiles, cloudFolders := e.cloud.Snapshot()
	localFiles, localFolders := e.local.Snapshot()

	e.log.Info("reconciling",
		zap.Int("cloud_files", len(cloudFiles)),
		zap.Int("cloud_folders", len(cloudFolders)),
		zap.Int("local_files", len(localFiles)),
		zap.Int("local_folders", len(localFolders)),
		zap.Bool("remote_precedence", e.remotePrecedence))

	// Phase 1: cloud entries with no local counterpart. Folders first, in
	// path order, so parents exist before their children replay.
	for _, path := range sortedKeys(cloudFolders) {
		if localFolders[path] {
			continue
		}
		e.reconcileMissingLocally(ChangeInfo{
			IsFolder:    true,
			NewPath:     path,
			NewChecksum: checksum.Unknown,
		}, path == DownstreamOnlyPrefix)
	}
	for _, path := range sortedFileKeys(cloudFiles) {
		if _, ok := localFiles[path]; ok {
			continue
		}
		e.reconcileMissingLocally(ChangeInfo{
			NewPath:     path,
			NewChecksum: cloudFiles[path].Checksum,
		}, false)
	}

	e.proc.WaitIdle()

	// Phase 2: local entries with no cloud counterpart, plus files whose
	// content diverged.
	for _, path := range sortedKeys(localFolders) {
		if cloudFolders[path] {
			continue
		}
		e.reconcileMissingInCloud(ChangeInfo{
			IsFolder:    true,
			NewPath:     path,
			NewChecksum: checksum.Unknown,
		})
	}
	for _, path := range sortedFileKeys(localFiles) {
		local := localFiles[path]
		cloud, inCloud := cloudFiles[path]

		if !inCloud {
			e.reconcileMissingInCloud(ChangeInfo{
				NewPath:     path,
				NewChecksum: local.Checksum,
			})
			continue
		}
		if local.sameContent(cloud) {
			continue
		}
		if pathutil.IsWithin(DownstreamOnlyPrefix, path) {
			e.enqueueReconcile("cloud_to_local", ChangeInfo{
				Source:      TagCloud,
				Type:        Modified,
				NewPath:     path,
				NewChecksum: cloud.Checksum,
				OldChecksum: local.Checksum,
			})
		} else {
			e.enqueueReconcile("local_to_cloud", ChangeInfo{
				Source:      TagLocal,
				Type:        Modified,
				NewPath:     path,
				NewChecksum: local.Checksum,
				OldChecksum: cloud.Checksum,
			})
		}
	}

	e.proc.WaitIdle()
	e.log.Info("reconciliation complete")
}

// reconcileMissingLocally handles a cloud entry absent from the local tree.
// prefixRoot marks the downstream-only root folder itself, which is always
// materialized and never treated as a local deletion.
func (e *Engine) reconcileMissingLocally(c ChangeInfo, prefixRoot bool) {
	switch {
	case prefixRoot || pathutil.IsWithin(DownstreamOnlyPrefix, c.NewPath):
		c.Source = TagCloud
		c.Type = Created
		e.enqueueReconcile("cloud_to_local", c)
	case e.remotePrecedence:
		c.Source = TagCloud
		c.Type = Created
		e.enqueueReconcile("cloud_to_local", c)
	default:
		// The local deletion is canonical: replay it against the cloud.
		c.Source = TagLocal
		c.Type = Removed
		e.enqueueReconcile("local_to_cloud", c)
	}
}

// reconcileMissingInCloud handles a local entry absent from the cloud tree.
func (e *Engine) reconcileMissingInCloud(c ChangeInfo) {
	if pathutil.IsWithin(DownstreamOnlyPrefix, c.NewPath) {
		// Downstream-only means the cloud is truth: drop the local copy.
		c.Source = TagCloud
		c.Type = Removed
		e.enqueueReconcile("cloud_to_local", c)
		return
	}
	c.Source = TagLocal
	c.Type = Created
	e.enqueueReconcile("local_to_cloud", c)
}

func (e *Engine) enqueueReconcile(direction string, c ChangeInfo) {
	metrics.RecordReconcileAction(direction, c.Type.String())
	e.log.Debug("reconcile",
		zap.String("direction", direction),
		zap.String("kind", c.Type.String()),
		zap.String("path", c.NewPath),
		zap.Bool("folder", c.IsFolder))
	e.proc.QueueChange(c)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFileKeys(m map[string]FileInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
