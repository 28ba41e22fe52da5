package repository

import (
	"context"
	"sync"

	"github.com/looplab/loopcore/pkg/models"
)

// replayFunc loads persisted change events with Seq > fromSeq in order.
type replayFunc func(ctx context.Context, fromSeq int64) ([]models.ChangeEvent, error)

// changeFeed fans committed change events out to subscribers and replays
// history on subscribe, so a watcher can resume after a reconnect.
type changeFeed struct {
	mu     sync.Mutex
	subs   map[int64]chan models.ChangeEvent
	nextID int64
	replay replayFunc
}

func newChangeFeed(replay replayFunc) *changeFeed {
	return &changeFeed{
		subs:   make(map[int64]chan models.ChangeEvent),
		replay: replay,
	}
}

// publish delivers an event to all live subscribers. Slow subscribers are
// skipped rather than blocking the write path; they catch up via replay on
// their next Watch.
func (f *changeFeed) publish(event models.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *changeFeed) subscribe() (int64, chan models.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	ch := make(chan models.ChangeEvent, 256)
	f.subs[id] = ch
	return id, ch
}

func (f *changeFeed) unsubscribe(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

// Watch implements Watcher. Events already persisted with Seq > fromSeq are
// replayed first; live events received while replaying are buffered and
// deduplicated by sequence number.
func (f *changeFeed) Watch(ctx context.Context, fromSeq int64) (<-chan models.ChangeEvent, error) {
	subID, live := f.subscribe()

	history, err := f.replay(ctx, fromSeq)
	if err != nil {
		f.unsubscribe(subID)
		return nil, err
	}

	out := make(chan models.ChangeEvent, 64)
	go func() {
		defer close(out)
		defer f.unsubscribe(subID)

		last := fromSeq
		for _, event := range history {
			if event.Seq <= last {
				continue
			}
			select {
			case out <- event:
				last = event.Seq
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case event := <-live:
				if event.Seq <= last {
					continue
				}
				select {
				case out <- event:
					last = event.Seq
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
