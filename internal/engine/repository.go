package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy errors surfaced to callers.
var (
	// ErrDestinationExists is returned by Move operations when the target
	// path is already occupied.
	ErrDestinationExists = errors.New("move destination already exists")
)

// Repository is one side of the synchronizer. Implementations wrap either
// the Google Drive API or the local filesystem subtree. All paths crossing
// this interface are canonical: forward-slash, relative to the repository
// root.
type Repository interface {
	// Core returns the shared per-repository state (tag, manifest, lock,
	// self-echo ledger).
	Core() *RepoCore

	// BuildManifest performs a full scan and replaces the manifest contents.
	BuildManifest(ctx context.Context) error

	// Exists reports whether the entry described by info is present.
	Exists(ctx context.Context, info ChangeInfo) (bool, error)

	// CreateOrUpdateFile writes content to info.NewPath, creating parent
	// folders as needed.
	CreateOrUpdateFile(ctx context.Context, info ChangeInfo, content io.Reader, size int64) error

	// CreateFolder creates a folder at path, including missing parents.
	CreateFolder(ctx context.Context, path string) error

	// MoveFile relocates a file. Returns ErrDestinationExists when newPath
	// is occupied. A missing oldPath is a fault.
	MoveFile(ctx context.Context, oldPath, newPath string) error

	// MoveFolder relocates a folder subtree.
	MoveFolder(ctx context.Context, oldPath, newPath string) error

	// RemoveFile deletes a file. A path that is already gone is success.
	RemoveFile(ctx context.Context, path string) error

	// RemoveFolder deletes a folder subtree. Already gone is success.
	RemoveFolder(ctx context.Context, path string) error

	// GetFileContentStream opens the whole content of the file at
	// info.NewPath. The caller owns the returned stream.
	GetFileContentStream(ctx context.Context, info ChangeInfo) (io.ReadCloser, int64, error)

	// Snapshot returns the manifest contents keyed by canonical path, for
	// the reconciliation pass. Acquires the repository lock internally.
	Snapshot() (files map[string]FileInfo, folders map[string]bool)

	// StartMonitor begins observing the repository, feeding canonical
	// changes into sink. It returns after the observer tasks are running.
	StartMonitor(ctx context.Context, sink ChangeSink) error

	// WaitMonitorIdle blocks until the observer has drained its backlog:
	// the change feed on the cloud side, the coalesce queue on the local
	// side.
	WaitMonitorIdle(ctx context.Context)

	// StopMonitor stops observing. Blocks until the observer tasks exit.
	StopMonitor()
}

// ChangeSink receives canonical changes from repository observers.
type ChangeSink interface {
	QueueChange(c ChangeInfo)
}

// RepoCore is the state shared by every repository implementation: the tag,
// the manifest with its lock, the self-echo ledger, and the repository's
// named diagnostic logger.
type RepoCore struct {
	tag          string
	mu           sync.Mutex
	manifest     *Manifest
	manifestPath string
	echo         *EchoLedger
	log          *zap.Logger
}

// NewRepoCore creates the shared state for a repository.
func NewRepoCore(tag, manifestPath string, log *zap.Logger) *RepoCore {
	return &RepoCore{
		tag:          tag,
		manifest:     NewManifest(),
		manifestPath: manifestPath,
		echo:         NewEchoLedger(),
		log:          log.Named(tag),
	}
}

// Tag returns the repository's stable identity.
func (c *RepoCore) Tag() string { return c.tag }

// Log returns the repository's diagnostic logger.
func (c *RepoCore) Log() *zap.Logger { return c.log }

// Echo returns the repository's self-echo ledger.
func (c *RepoCore) Echo() *EchoLedger { return c.echo }

// Lock acquires the repository lock. The lock spans every manifest access
// and, on the local side, the write plus the manifest update that follows
// it, so the watcher cannot classify the engine's own write as external.
func (c *RepoCore) Lock() { c.mu.Lock() }

// Unlock releases the repository lock.
func (c *RepoCore) Unlock() { c.mu.Unlock() }

// Manifest returns the manifest. Callers must hold the repository lock.
func (c *RepoCore) Manifest() *Manifest { return c.manifest }

// ReplaceManifest swaps in a freshly built manifest. Callers must hold the
// repository lock.
func (c *RepoCore) ReplaceManifest(m *Manifest) { c.manifest = m }

// SaveManifest persists the manifest to its fixed path. Callers must hold
// the repository lock.
func (c *RepoCore) SaveManifest() error {
	return c.manifest.SaveFile(c.manifestPath)
}

// SaveManifestIfDirty persists the manifest when it has unsaved mutations.
// Callers must hold the repository lock.
func (c *RepoCore) SaveManifestIfDirty() error {
	if !c.manifest.Dirty() {
		return nil
	}
	return c.manifest.SaveFile(c.manifestPath)
}

// LoadManifest hydrates the manifest from its fixed path. Returns
// os.ErrNotExist when no file is present and ErrCorruptManifest when the
// file fails to parse; in both cases the caller rebuilds from a full scan.
func (c *RepoCore) LoadManifest() error {
	m, err := LoadFile(c.manifestPath)
	if err != nil {
		return err
	}
	c.manifest = m
	return nil
}

// Snapshot returns copies of the file and folder maps keyed by manifest
// path, for the reconciliation pass. Callers must hold the repository lock.
func (c *RepoCore) Snapshot() (files map[string]FileInfo, folders map[string]bool) {
	files = make(map[string]FileInfo, c.manifest.FileCount())
	for _, info := range c.manifest.files {
		files[info.Path] = info
	}
	folders = make(map[string]bool, c.manifest.FolderCount())
	for _, path := range c.manifest.folders {
		folders[path] = true
	}
	return files, folders
}

// EchoLedger records the paths the engine itself has recently written to a
// repository, so its observer can recognize the resulting events as echoes.
type EchoLedger struct {
	mu      sync.Mutex
	touched map[string]time.Time
}

// NewEchoLedger returns an empty ledger.
func NewEchoLedger() *EchoLedger {
	return &EchoLedger{touched: make(map[string]time.Time)}
}

// Record notes that the engine mutated path now.
func (l *EchoLedger) Record(path string) {
	l.mu.Lock()
	l.touched[path] = time.Now()
	l.mu.Unlock()
}

// RecentlyTouched reports whether the engine mutated path within window, and
// prunes entries older than the window as a side effect.
func (l *EchoLedger) RecentlyTouched(path string, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-window)
	for p, at := range l.touched {
		if at.Before(cutoff) {
			delete(l.touched, p)
		}
	}
	at, ok := l.touched[path]
	return ok && !at.Before(cutoff)
}
