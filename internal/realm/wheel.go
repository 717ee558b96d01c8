package realm

import (
	"context"
	"sync"
	"time"
)

// wheel schedules future inbox inputs (piece ticks, interaction
// arrivals, position advances). All entries die with the realm's
// context, so a shutdown cancels every outstanding tick.
type wheel struct {
	ctx    context.Context
	mu     sync.Mutex
	timers map[uint64]*time.Timer
	next   uint64
}

func newWheel(ctx context.Context) *wheel {
	return &wheel{ctx: ctx, timers: make(map[uint64]*time.Timer)}
}

// After fires fn on the realm goroutine (via the inbox) after d.
func (w *wheel) After(d time.Duration, fire func(ctx context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	id := w.next
	w.next++
	w.timers[id] = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		if w.ctx.Err() != nil {
			return
		}
		fire(w.ctx)
	})
}

// Stop cancels every outstanding entry.
func (w *wheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
