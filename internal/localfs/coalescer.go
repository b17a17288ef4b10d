package localfs

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/engine"
	"github.com/driveberry/driveberry/internal/metrics"
	"github.com/driveberry/driveberry/pkg/checksum"
	"github.com/driveberry/driveberry/pkg/pathutil"
)

// pendingEvent is one raw event waiting out the coalesce window.
type pendingEvent struct {
	ev  RawEvent
	due time.Time
}

// coalescer drains raw watcher events in FIFO order after the coalesce
// window, collapsing redundant pairs and re-synthesizing moves from
// remove/create pairs before raising canonical changes.
type coalescer struct {
	repo *Repository
	sink engine.ChangeSink

	mu    sync.Mutex
	cond  *sync.Cond
	queue []pendingEvent
	stop  bool
	done  chan struct{}
}

// StartMonitor starts the OS watcher and the coalescer pump.
func (r *Repository) StartMonitor(_ context.Context, sink engine.ChangeSink) error {
	w, err := newWatcher(r.root, r.core.Log())
	if err != nil {
		return err
	}
	r.watch = w

	c := &coalescer{
		repo: r,
		sink: sink,
		done: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	r.coal = c

	go c.feed(w.events)
	go c.pump()

	r.core.Log().Info("filesystem monitor started", zap.String("root", r.root))
	return nil
}

// WaitMonitorIdle blocks until the coalesce queue has drained.
func (r *Repository) WaitMonitorIdle(ctx context.Context) {
	c := r.coal
	if c == nil {
		return
	}
	for ctx.Err() == nil {
		c.mu.Lock()
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// StopMonitor stops the watcher and the pump.
func (r *Repository) StopMonitor() {
	if r.watch != nil {
		r.watch.stop()
		r.watch = nil
	}
	if c := r.coal; c != nil {
		c.mu.Lock()
		c.stop = true
		c.cond.Broadcast()
		c.mu.Unlock()
		<-c.done
		r.coal = nil
	}
}

// feed moves raw watcher events into the coalesce queue with a due time one
// window in the future.
func (c *coalescer) feed(events <-chan RawEvent) {
	for ev := range events {
		c.mu.Lock()
		c.queue = append(c.queue, pendingEvent{
			ev:  ev,
			due: time.Now().Add(c.repo.coalesceWindow),
		})
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// pump consumes the queue head once its window elapses.
func (c *coalescer) pump() {
	defer close(c.done)

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.stop {
			c.cond.Wait()
		}
		if c.stop {
			c.mu.Unlock()
			return
		}

		head := c.queue[0]
		wait := time.Until(head.due)
		if wait > 0 {
			c.mu.Unlock()
			if wait > 100*time.Millisecond {
				wait = 100 * time.Millisecond
			}
			time.Sleep(wait)
			continue
		}

		c.queue = c.queue[1:]
		ev, drop := c.coalesceLocked(head.ev)
		empty := len(c.queue) == 0
		c.mu.Unlock()

		if !drop {
			c.raise(ev)
		}

		if empty {
			c.checkpoint()
		}
	}
}

// coalesceLocked applies the collapse rules against the rest of the queue.
// Returns the event to raise (possibly a synthesized move) or drop=true.
func (c *coalescer) coalesceLocked(head RawEvent) (RawEvent, bool) {
	if head.Kind == RawCreated || head.Kind == RawChanged {
		kept := c.queue[:0]
		suppressed := false
		for _, p := range c.queue {
			if p.ev.Kind == RawChanged && p.ev.Path == head.Path {
				continue // redundant later modify
			}
			if p.ev.Kind == RawDeleted && p.ev.Path == head.Path {
				suppressed = true // the later delete wins
			}
			kept = append(kept, p)
		}
		c.queue = kept
		if suppressed {
			return RawEvent{}, true
		}
	}

	if head.Kind == RawCreated || head.Kind == RawDeleted {
		if moved, ok := c.resynthesizeMoveLocked(head); ok {
			return moved, false
		}
	}

	return head, false
}

// resynthesizeMoveLocked pairs a create with a delete of the same filename
// and turns them into one rename event when the file at the newer path
// still matches the manifest's record of the older path.
func (c *coalescer) resynthesizeMoveLocked(head RawEvent) (RawEvent, bool) {
	complement := RawDeleted
	if head.Kind == RawDeleted {
		complement = RawCreated
	}

	for i, p := range c.queue {
		if p.ev.Kind != complement || pathutil.Base(p.ev.Path) != pathutil.Base(head.Path) {
			continue
		}

		oldAbs, newAbs := head.Path, p.ev.Path
		if head.Kind == RawCreated {
			oldAbs, newAbs = p.ev.Path, head.Path
		}
		if !c.looksLikeMove(oldAbs, newAbs) {
			continue
		}

		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		return RawEvent{Kind: RawRenamed, Path: newAbs, OldPath: oldAbs}, true
	}
	return RawEvent{}, false
}

// looksLikeMove compares the file now at newAbs against the manifest record
// of the path that disappeared: same size, mtime, and checksum means the
// pair was one move.
func (c *coalescer) looksLikeMove(oldAbs, newAbs string) bool {
	r := c.repo

	oldRel, err := pathutil.FromOS(r.root, oldAbs)
	if err != nil {
		return false
	}

	fi, err := os.Stat(newAbs)
	if err != nil || fi.IsDir() {
		return false
	}

	r.core.Lock()
	record, known := r.core.Manifest().FileByPath(oldRel)
	r.core.Unlock()
	if !known {
		return false
	}

	if fi.Size() != record.Size || !fi.ModTime().UTC().Equal(record.ModTime) {
		return false
	}
	return checksum.File(newAbs) == record.Checksum
}

// raise maps a raw event to a canonical change and hands it to the
// processor, updating the local manifest on the way.
func (c *coalescer) raise(ev RawEvent) {
	r := c.repo

	rel, err := pathutil.FromOS(r.root, ev.Path)
	if err != nil || rel == "." {
		return
	}

	r.core.Lock()
	var ci *engine.ChangeInfo

	switch ev.Kind {
	case RawRenamed:
		oldRel, relErr := pathutil.FromOS(r.root, ev.OldPath)
		if relErr != nil {
			r.core.Unlock()
			return
		}
		ci = c.registerMoveLocked(oldRel, rel)

	case RawDeleted:
		ci = r.core.Manifest().RegisterRemoval(engine.TagLocal, rel)

	case RawCreated, RawChanged:
		fi, statErr := os.Stat(ev.Path)
		switch {
		case statErr != nil:
			// Gone again already; treat as a removal of whatever we knew.
			ci = r.core.Manifest().RegisterRemoval(engine.TagLocal, rel)
		case fi.IsDir():
			ci = r.core.Manifest().RegisterFolderChange(engine.TagLocal, rel, rel)
		default:
			info, statErr := r.statFile(rel)
			if statErr != nil {
				r.core.Unlock()
				return
			}
			ci = r.core.Manifest().RegisterChange(engine.TagLocal, rel, info)
		}
	}
	r.core.Unlock()

	if ci == nil {
		return
	}

	metrics.RecordChangeObserved(r.core.Tag(), ci.Type.String())
	r.core.Log().Info("observed change",
		zap.String("kind", ci.Type.String()),
		zap.String("path", ci.NewPath),
		zap.Bool("folder", ci.IsFolder))
	c.sink.QueueChange(*ci)
}

// registerMoveLocked applies a re-synthesized move to the manifest and
// builds the canonical change for it.
func (c *coalescer) registerMoveLocked(oldRel, newRel string) *engine.ChangeInfo {
	r := c.repo
	m := r.core.Manifest()

	record, known := m.FileByPath(oldRel)
	if !known {
		return nil
	}

	r.rekeyLocked(oldRel, newRel)

	kind := engine.Moved
	if pathutil.Parent(oldRel) == pathutil.Parent(newRel) {
		kind = engine.Renamed
	}
	return &engine.ChangeInfo{
		Source:      engine.TagLocal,
		Type:        kind,
		NewPath:     newRel,
		OldPath:     oldRel,
		NewChecksum: record.Checksum,
		OldChecksum: record.Checksum,
	}
}

// checkpoint persists the manifest once the queue drains.
func (c *coalescer) checkpoint() {
	r := c.repo
	r.core.Lock()
	err := r.core.SaveManifestIfDirty()
	r.core.Unlock()
	if err != nil {
		r.core.Log().Error("failed to save manifest", zap.Error(err))
		return
	}
	metrics.RecordManifestSave(r.core.Tag())
}
