package live

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultOutboxCapacity holds roughly a minute of 128 ms frames.
const DefaultOutboxCapacity = 512

// Outbox is the ordered send queue shared by live backends. Frames pushed
// before [Outbox.MarkReady] are held; once ready, a single writer drains them
// in push order. Push never blocks: if the queue is full the frame is dropped,
// logged, and reported to the drop hook.
type Outbox struct {
	ch     chan []byte
	ready  chan struct{}
	quit   chan struct{}
	onDrop func()

	readyOnce sync.Once
	quitOnce  sync.Once
}

// NewOutbox returns an Outbox holding up to capacity frames. onDrop may be nil.
func NewOutbox(capacity int, onDrop func()) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &Outbox{
		ch:     make(chan []byte, capacity),
		ready:  make(chan struct{}),
		quit:   make(chan struct{}),
		onDrop: onDrop,
	}
}

// Push queues frame. It is a no-op after Stop.
func (o *Outbox) Push(frame []byte) {
	select {
	case <-o.quit:
		return
	default:
	}
	select {
	case o.ch <- frame:
	default:
		slog.Warn("live: send queue full, dropping frame", "queued", len(o.ch))
		if o.onDrop != nil {
			o.onDrop()
		}
	}
}

// MarkReady releases the writer. Idempotent.
func (o *Outbox) MarkReady() {
	o.readyOnce.Do(func() { close(o.ready) })
}

// Stop ends Run and discards queued frames. Idempotent.
func (o *Outbox) Stop() {
	o.quitOnce.Do(func() { close(o.quit) })
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int { return len(o.ch) }

// Run waits for MarkReady and then calls write for every queued frame, in
// order, until Stop is called, ctx ends, or write fails. Only the write error
// is returned; Stop and ctx cancellation return nil.
func (o *Outbox) Run(ctx context.Context, write func(frame []byte) error) error {
	select {
	case <-o.ready:
	case <-o.quit:
		return nil
	case <-ctx.Done():
		return nil
	}
	for {
		select {
		case <-o.quit:
			return nil
		case <-ctx.Done():
			return nil
		case frame := <-o.ch:
			if err := write(frame); err != nil {
				return err
			}
		}
	}
}
