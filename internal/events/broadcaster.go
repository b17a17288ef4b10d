// Package events provides the engine's diagnostic event stream: every
// processed change is published to subscribers and served over SSE on the
// metrics listener.
package events

import (
	"sync"
	"time"

	"github.com/driveberry/driveberry/internal/metrics"
)

// Event describes one processed change.
type Event struct {
	Repo      string `json:"repo"`
	Type      string `json:"type"`
	Path      string `json:"path"`
	OldPath   string `json:"old_path,omitempty"`
	Folder    bool   `json:"folder,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster fans processed-change events out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a subscriber and returns its channel. The caller must call
// Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: events are
// dropped for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop for slow consumer.
		}
	}
	metrics.RecordEventPublished(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
