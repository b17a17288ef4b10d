package drive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/engine"
	"github.com/driveberry/driveberry/internal/metrics"
)

// poller is the cloud observer task: it long-polls the incremental change
// feed from the stored cursor and emits canonical changes to the processor.
type poller struct {
	repo *Repository
	sink engine.ChangeSink

	mu   sync.Mutex
	cond *sync.Cond
	idle bool
	stop bool
	done chan struct{}
}

// StartMonitor begins polling the change feed.
func (r *Repository) StartMonitor(ctx context.Context, sink engine.ChangeSink) error {
	if err := r.resolveRoot(ctx); err != nil {
		return err
	}

	p := &poller{
		repo: r,
		sink: sink,
		done: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	r.mon = p

	go p.run(ctx)
	return nil
}

// WaitMonitorIdle blocks until a feed sweep completes with zero changes.
func (r *Repository) WaitMonitorIdle(ctx context.Context) {
	p := r.mon
	if p == nil {
		return
	}

	// Wake the waiter if the context dies while the feed is busy.
	stopWatch := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stopWatch()

	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.idle && !p.stop && ctx.Err() == nil {
		p.cond.Wait()
	}
}

// StopMonitor stops the poll loop and waits for it to exit.
func (r *Repository) StopMonitor() {
	p := r.mon
	if p == nil {
		return
	}
	p.mu.Lock()
	p.stop = true
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.done
	r.mon = nil
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)

	log := p.repo.core.Log()
	log.Info("change feed poller started")

	for {
		if p.stopping() {
			log.Info("change feed poller stopped")
			return
		}

		changes, err := p.sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transport failure: the cursor was not advanced, so the next
			// sweep resumes from the same point.
			metrics.RecordFeedError()
			log.Warn("change feed sweep failed", zap.Error(err))
			p.sleep(p.repo.errorInterval)
			continue
		}

		p.repo.core.Lock()
		if err := p.repo.core.SaveManifestIfDirty(); err != nil {
			log.Error("failed to save manifest", zap.Error(err))
		} else {
			metrics.RecordManifestSave(p.repo.core.Tag())
		}
		p.repo.core.Unlock()

		p.setIdle(changes == 0)
		p.sleep(p.repo.pollInterval)
	}
}

// sweep drains the feed from the stored cursor. Returns the number of
// change entries in the final page, so a zero result marks the feed idle.
func (p *poller) sweep(ctx context.Context) (int, error) {
	r := p.repo

	r.core.Lock()
	cursor := r.core.Manifest().Cursor()
	r.core.Unlock()

	lastPage := 0
	for {
		page, err := r.api.ListChanges(ctx, cursor)
		if err != nil {
			return 0, err
		}
		metrics.RecordFeedPage()
		lastPage = len(page.Changes)

		r.core.Lock()
		for _, ch := range page.Changes {
			ci := r.registerFeedEntry(ctx, ch)
			if ci == nil {
				continue
			}
			metrics.RecordChangeObserved(r.core.Tag(), ci.Type.String())
			r.core.Log().Info("observed change",
				zap.String("kind", ci.Type.String()),
				zap.String("path", ci.NewPath),
				zap.Bool("folder", ci.IsFolder))
			p.sink.QueueChange(*ci)
		}

		switch {
		case page.NextPageToken != "":
			cursor = page.NextPageToken
			r.core.Manifest().SetCursor(cursor)
			r.core.Unlock()
			continue
		case page.NewStartPageToken != "":
			r.core.Manifest().SetCursor(page.NewStartPageToken)
			r.core.Unlock()
			return lastPage, nil
		default:
			r.core.Unlock()
			r.core.Log().Error("change feed page carried neither a next-page nor a new-start token")
			return lastPage, nil
		}
	}
}

func (p *poller) setIdle(idle bool) {
	p.mu.Lock()
	p.idle = idle
	if idle {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

func (p *poller) stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop
}

// sleep pauses between sweeps, waking early on stop.
func (p *poller) sleep(d time.Duration) {
	deadline := time.Now().Add(d)
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.stop {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		p.mu.Unlock()
		if remaining > 250*time.Millisecond {
			remaining = 250 * time.Millisecond
		}
		time.Sleep(remaining)
		p.mu.Lock()
	}
}
