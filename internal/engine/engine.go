package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/events"
	"github.com/driveberry/driveberry/internal/metrics"
	"github.com/driveberry/driveberry/internal/spool"
)

// Fixed filenames in the working directory.
const (
	CloudManifestName = "google_drive_manifest"
	LocalManifestName = "local_drive_manifest"
	spoolDirName      = "spool"
)

// Engine owns both repositories, the change processor, and the supervisor
// lifecycle: build or load manifests, start monitors, drain the cloud feed,
// reconcile once, then run until Stop.
type Engine struct {
	cloud Repository
	local Repository
	proc  *Processor
	log   *zap.Logger

	workDir          string
	remotePrecedence bool

	cancel context.CancelFunc
}

// New assembles an engine over the two repositories. workDir holds the
// persisted manifests, the change queue, and the transfer spool.
func New(workDir string, cloud, local Repository, bc *events.Broadcaster, log *zap.Logger) (*Engine, error) {
	sp, err := spool.Open(filepath.Join(workDir, spoolDirName))
	if err != nil {
		return nil, fmt.Errorf("open transfer spool: %w", err)
	}

	e := &Engine{
		cloud:   cloud,
		local:   local,
		log:     log.Named("engine"),
		workDir: workDir,
	}
	e.proc = NewProcessor(workDir, []Repository{cloud, local}, sp, bc, log)
	return e, nil
}

// Processor returns the engine's change processor, the sink observers feed.
func (e *Engine) Processor() *Processor { return e.proc }

// Start brings the engine up: manifests, persisted queue, processor task,
// repository monitors, and the one-time reconciliation pass. Returns once
// steady-state monitoring is running.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	fresh, err := e.prepareManifest(ctx, e.cloud)
	if err != nil {
		return fmt.Errorf("prepare %s manifest: %w", e.cloud.Core().Tag(), err)
	}
	e.remotePrecedence = fresh

	if _, err := e.prepareManifest(ctx, e.local); err != nil {
		return fmt.Errorf("prepare %s manifest: %w", e.local.Core().Tag(), err)
	}

	if err := e.proc.LoadQueue(); err != nil {
		return fmt.Errorf("load change queue: %w", err)
	}

	go e.proc.Run(ctx)

	if err := e.cloud.StartMonitor(ctx, e.proc); err != nil {
		return fmt.Errorf("start %s monitor: %w", e.cloud.Core().Tag(), err)
	}
	if err := e.local.StartMonitor(ctx, e.proc); err != nil {
		e.cloud.StopMonitor()
		return fmt.Errorf("start %s monitor: %w", e.local.Core().Tag(), err)
	}

	// The feed must be drained before reconciliation so the cloud manifest
	// reflects everything that happened while the engine was down.
	e.cloud.WaitMonitorIdle(ctx)

	e.Reconcile(ctx)
	e.saveManifests()

	e.log.Info("engine running")
	return nil
}

// Stop shuts the engine down synchronously: monitors first, then the context,
// then the processor (which works off whatever is still queued), then a final
// manifest save.
func (e *Engine) Stop() {
	e.log.Info("stopping")

	e.cloud.StopMonitor()
	e.local.StopMonitor()
	if e.cancel != nil {
		e.cancel()
	}
	e.proc.Stop()
	e.saveManifests()

	e.log.Info("stopped")
}

// prepareManifest hydrates a repository's manifest from disk, falling back
// to a full scan when the file is missing or corrupt. Returns true when the
// manifest was freshly built.
func (e *Engine) prepareManifest(ctx context.Context, repo Repository) (fresh bool, err error) {
	core := repo.Core()

	core.Lock()
	loadErr := core.LoadManifest()
	core.Unlock()

	if loadErr == nil {
		core.Log().Info("manifest resumed",
			zap.Int("files", e.countFiles(repo)),
		)
		return false, nil
	}
	if !errors.Is(loadErr, os.ErrNotExist) && !errors.Is(loadErr, ErrCorruptManifest) {
		return false, loadErr
	}
	if errors.Is(loadErr, ErrCorruptManifest) {
		core.Log().Warn("manifest corrupt, rebuilding from full scan", zap.Error(loadErr))
	}

	if err := repo.BuildManifest(ctx); err != nil {
		return false, err
	}

	core.Lock()
	err = core.SaveManifest()
	core.Unlock()
	if err != nil {
		return false, err
	}
	metrics.RecordManifestSave(core.Tag())

	core.Log().Info("manifest built from full scan",
		zap.Int("files", e.countFiles(repo)),
	)
	return true, nil
}

func (e *Engine) countFiles(repo Repository) int {
	core := repo.Core()
	core.Lock()
	defer core.Unlock()
	return core.Manifest().FileCount()
}

func (e *Engine) saveManifests() {
	for _, repo := range []Repository{e.cloud, e.local} {
		core := repo.Core()
		core.Lock()
		err := core.SaveManifestIfDirty()
		core.Unlock()
		if err != nil {
			core.Log().Error("failed to save manifest", zap.Error(err))
			continue
		}
		metrics.RecordManifestSave(core.Tag())
	}
}
