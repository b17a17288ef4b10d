package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/events"
	"github.com/driveberry/driveberry/internal/metrics"
	"github.com/driveberry/driveberry/internal/spool"
)

const (
	// recentChangeHorizon is how long a processed change stays in the echo
	// suppression window.
	recentChangeHorizon = 60 * time.Second

	// processorRestartDelay is the pause before the processor restarts
	// after a crash.
	processorRestartDelay = 30 * time.Second

	// queueFileName is the fixed name of the persisted queue in the
	// working directory.
	queueFileName = "changes"

	// crashFilePrefix names the file written when the processor task dies.
	crashFilePrefix = "change_processor_thread_crash"
)

// ChangeEvent is a processed change plus the time it entered the recent
// window.
type ChangeEvent struct {
	Info ChangeInfo
	At   time.Time
}

// Processor is the single writer that applies each change to every
// non-originating repository, serially and durably.
type Processor struct {
	workDir string
	repos   []Repository
	spool   *spool.Spool
	bc      *events.Broadcaster
	log     *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []ChangeInfo
	recent   []ChangeEvent
	busy     bool
	stopping bool
	done     chan struct{}
}

// NewProcessor creates a processor over the given repositories. The queue is
// persisted under workDir; transfers are staged through sp.
func NewProcessor(workDir string, repos []Repository, sp *spool.Spool, bc *events.Broadcaster, log *zap.Logger) *Processor {
	p := &Processor{
		workDir: workDir,
		repos:   repos,
		spool:   sp,
		bc:      bc,
		log:     log.Named("processor"),
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Processor) queuePath() string {
	return filepath.Join(p.workDir, queueFileName)
}

// LoadQueue restores pending changes persisted by a previous run. A corrupt
// queue file is discarded: reconciliation closes whatever gap it leaves.
func (p *Processor) LoadQueue() error {
	data, err := os.ReadFile(p.queuePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	queue, err := parseQueue(string(data))
	if err != nil {
		p.log.Warn("discarding corrupt queue file", zap.Error(err))
		return nil
	}

	p.mu.Lock()
	p.queue = append(p.queue, queue...)
	metrics.SetQueueDepth(len(p.queue))
	p.mu.Unlock()

	if len(queue) > 0 {
		p.log.Info("restored pending changes", zap.Int("count", len(queue)))
	}
	return nil
}

// QueueChange enqueues a canonical change. A MovedAndModified is split into
// the Created/Removed pair before enqueueing. Changes equal to an entry in
// the recent window within the 60 s horizon are dropped as echoes.
func (p *Processor) QueueChange(c ChangeInfo) {
	if c.Type == MovedAndModified {
		p.QueueChange(ChangeInfo{
			Source:      c.Source,
			Type:        Created,
			NewPath:     c.NewPath,
			IsFolder:    c.IsFolder,
			NewChecksum: c.NewChecksum,
		})
		p.QueueChange(ChangeInfo{
			Source:      c.Source,
			Type:        Removed,
			NewPath:     c.OldPath,
			IsFolder:    c.IsFolder,
			NewChecksum: c.OldChecksum,
		})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneRecentLocked(time.Now())
	for _, ev := range p.recent {
		if ev.Info.Equal(c) {
			p.log.Debug("suppressed echo",
				zap.String("kind", c.Type.String()),
				zap.String("path", c.NewPath),
				zap.String("source", c.Source))
			metrics.RecordEchoSuppressed(c.Source)
			return
		}
	}

	p.queue = append(p.queue, c)
	metrics.SetQueueDepth(len(p.queue))
	metrics.RecordChangeQueued(c.Source, c.Type.String())
	p.persistQueueLocked()
	p.cond.Broadcast()
}

// Run is the processor task. It restarts itself after a crash until Stop is
// requested. Call in its own goroutine; Stop waits for it to exit.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.done)

	for {
		crashed := p.runOnce(ctx)
		if !crashed {
			return
		}

		metrics.RecordProcessorRestart()
		if p.sleepInterruptible(processorRestartDelay) {
			return
		}
		p.log.Info("restarting change processor")
	}
}

// runOnce executes the processing loop until stop. Returns true if the loop
// died to a panic.
func (p *Processor) runOnce(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			p.writeCrashFile(r)
		}
	}()

	for {
		p.mu.Lock()
		p.busy = false
		p.cond.Broadcast()
		p.persistQueueLocked()

		for len(p.queue) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.stopping {
			p.mu.Unlock()
			return false
		}

		head := p.queue[0]
		p.queue = p.queue[1:]
		p.busy = true
		metrics.SetQueueDepth(len(p.queue))

		now := time.Now()
		p.pruneRecentLocked(now)
		if head.Type == Created || head.Type == Removed {
			p.scrubComplementLocked(head)
		}
		p.recent = append(p.recent, ChangeEvent{Info: head, At: now})
		metrics.SetRecentWindowSize(len(p.recent))
		p.mu.Unlock()

		p.apply(ctx, head)
	}
}

// scrubComplementLocked removes recent entries on the same path with the
// complementary kind, so an out-of-order create/remove pair does not
// suppress each other forever.
func (p *Processor) scrubComplementLocked(head ChangeInfo) {
	complement := Removed
	if head.Type == Removed {
		complement = Created
	}
	kept := p.recent[:0]
	for _, ev := range p.recent {
		if ev.Info.Type == complement && ev.Info.NewPath == head.NewPath {
			continue
		}
		kept = append(kept, ev)
	}
	p.recent = kept
}

func (p *Processor) pruneRecentLocked(now time.Time) {
	cutoff := now.Add(-recentChangeHorizon)
	kept := p.recent[:0]
	for _, ev := range p.recent {
		if ev.At.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	p.recent = kept
	metrics.SetRecentWindowSize(len(p.recent))
}

// apply replays one change against every repository other than its source.
func (p *Processor) apply(ctx context.Context, c ChangeInfo) {
	source := p.repoByTag(c.Source)

	for _, dest := range p.repos {
		if dest.Core().Tag() == c.Source {
			continue
		}

		for {
			err := p.applyToRepo(ctx, source, dest, c)
			if err == nil {
				metrics.RecordChangeApplied(dest.Core().Tag(), c.Type.String(), true)
				break
			}
			if errors.Is(err, context.Canceled) && !p.isStopping() {
				// Transient cancellation: retry.
				time.Sleep(time.Second)
				continue
			}
			metrics.RecordChangeApplied(dest.Core().Tag(), c.Type.String(), false)
			dest.Core().Log().Error("failed to apply change",
				zap.String("kind", c.Type.String()),
				zap.String("path", c.NewPath),
				zap.Error(err))
			break
		}
	}

	if p.bc != nil {
		p.bc.Publish(events.Event{
			Repo:     c.Source,
			Type:     c.Type.String(),
			Path:     c.NewPath,
			OldPath:  c.OldPath,
			Folder:   c.IsFolder,
			Checksum: c.NewChecksum,
		})
	}
}

func (p *Processor) applyToRepo(ctx context.Context, source, dest Repository, c ChangeInfo) error {
	if c.IsFolder {
		switch c.Type {
		case Created, Modified:
			return dest.CreateFolder(ctx, c.NewPath)
		case Moved, Renamed:
			return dest.MoveFolder(ctx, c.OldPath, c.NewPath)
		case Removed:
			return dest.RemoveFolder(ctx, c.NewPath)
		}
		return nil
	}

	switch c.Type {
	case Created, Modified:
		return p.transferFile(ctx, source, dest, c)
	case Moved, Renamed:
		return dest.MoveFile(ctx, c.OldPath, c.NewPath)
	case Removed:
		return dest.RemoveFile(ctx, c.NewPath)
	}
	return nil
}

// transferFile streams the whole file content from the source repository
// through a spool file into the destination.
func (p *Processor) transferFile(ctx context.Context, source, dest Repository, c ChangeInfo) error {
	if source == nil {
		return fmt.Errorf("no repository with tag %q to read %q from", c.Source, c.NewPath)
	}

	start := time.Now()

	content, size, err := source.GetFileContentStream(ctx, c)
	if err != nil {
		return fmt.Errorf("open source content: %w", err)
	}

	staged, err := p.spool.Stage(content)
	content.Close()
	if err != nil {
		return fmt.Errorf("stage content: %w", err)
	}
	defer staged.Remove()

	if size < 0 {
		size = staged.Size()
	}

	r, err := staged.Open()
	if err != nil {
		return fmt.Errorf("reopen staged content: %w", err)
	}
	defer r.Close()

	if err := dest.CreateOrUpdateFile(ctx, c, r, size); err != nil {
		return err
	}

	metrics.RecordTransfer(c.Source, dest.Core().Tag(), staged.Size(), time.Since(start))
	return nil
}

func (p *Processor) repoByTag(tag string) Repository {
	for _, r := range p.repos {
		if r.Core().Tag() == tag {
			return r
		}
	}
	return nil
}

// WaitIdle blocks until the queue is empty and no change is being applied.
func (p *Processor) WaitIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 || p.busy {
		p.cond.Wait()
	}
}

// Stop requests shutdown and blocks until the processor task exits. The task
// keeps dequeuing until the queue is empty, so changes still queued at Stop
// are attempted before it exits rather than left in the queue file.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.done
}

func (p *Processor) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// sleepInterruptible sleeps for d, waking early on stop. Returns true when
// stop was requested.
func (p *Processor) sleepInterruptible(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if p.isStopping() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if remaining > time.Second {
			remaining = time.Second
		}
		time.Sleep(remaining)
	}
}

// persistQueueLocked rewrites the queue file. Callers hold p.mu. The
// processor is the file's only writer.
func (p *Processor) persistQueueLocked() {
	var b []byte
	b = fmt.Appendf(b, "%d\n", len(p.queue))
	for _, c := range p.queue {
		b = fmt.Appendf(b, "%s\n", c.Serialize())
	}

	tmp := p.queuePath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		p.log.Error("failed to persist queue", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, p.queuePath()); err != nil {
		p.log.Error("failed to persist queue", zap.Error(err))
	}
}

// parseQueue parses the queue file format: a count line followed by one
// serialized change per line.
func parseQueue(data string) ([]ChangeInfo, error) {
	lines := splitLines(data)
	if len(lines) == 0 {
		return nil, nil
	}

	var count int
	if _, err := fmt.Sscanf(lines[0], "%d", &count); err != nil {
		return nil, fmt.Errorf("bad queue length %q: %w", lines[0], err)
	}
	if count > len(lines)-1 {
		return nil, fmt.Errorf("queue claims %d entries, file has %d", count, len(lines)-1)
	}

	queue := make([]ChangeInfo, 0, count)
	for _, line := range lines[1 : count+1] {
		c, err := ParseChangeInfo(line)
		if err != nil {
			return nil, err
		}
		queue = append(queue, c)
	}
	return queue, nil
}

func splitLines(data string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if line != "" {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	if start < len(data) {
		line := data[start:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// writeCrashFile records a processor panic in the working directory.
func (p *Processor) writeCrashFile(r any) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	name := filepath.Join(p.workDir, fmt.Sprintf("%s.%s", crashFilePrefix, ts))

	body := fmt.Sprintf("change processor crashed at %s\n\n%v\n\n%s\n",
		time.Now().UTC().Format(time.RFC3339), r, debug.Stack())
	if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
		p.log.Error("failed to write crash file", zap.Error(err))
	}
	p.log.Error("change processor crashed",
		zap.Any("panic", r), zap.String("crash_file", name))
}
