package trace

import (
	"fmt"
	"sync"
	"time"
)

// Heartbeat emits a liveness event on a fixed interval. Heartbeats that keep
// arriving without job span ends point at a stuck job.
type Heartbeat struct {
	tracer Tracer
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// StartHeartbeat starts beating on t every interval. It returns nil when t is
// disabled or interval is not positive; Stop on nil is a no-op.
func StartHeartbeat(t Tracer, interval time.Duration) *Heartbeat {
	if t == nil || !t.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{
		tracer: t,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.loop(interval)
	return h
}

func (h *Heartbeat) loop(interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for beat := 1; ; beat++ {
		select {
		case now := <-ticker.C:
			h.tracer.Emit(&Event{
				Time:   now,
				Seq:    NextSeq(),
				Kind:   KindHeartbeat,
				Scope:  ScopeCommand,
				GID:    goroutineID(),
				Name:   "heartbeat",
				Detail: fmt.Sprintf("#%d after %s", beat, now.Sub(start).Round(time.Millisecond)),
			})
		case <-h.stop:
			return
		}
	}
}

// Stop ends the heartbeat and waits for its goroutine. Safe to call twice.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
