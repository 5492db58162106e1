package matrix

import (
	"context"
	"sync"
)

// dispatcher runs the handler for each room on its own goroutine, draining
// that room's messages in arrival order. A room's goroutine exits once its
// queue is empty.
type dispatcher struct {
	handle MessageHandler

	mu     sync.Mutex
	queues map[string][]Message
	wg     sync.WaitGroup
}

func newDispatcher(handle MessageHandler) *dispatcher {
	return &dispatcher{handle: handle, queues: make(map[string][]Message)}
}

// Dispatch queues msg behind any pending messages of the same room.
func (d *dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.mu.Lock()
	q, running := d.queues[msg.RoomID]
	d.queues[msg.RoomID] = append(q, msg)
	d.mu.Unlock()

	if !running {
		d.wg.Add(1)
		go d.drain(ctx, msg.RoomID)
	}
}

// Wait blocks until every queued message has been handled.
func (d *dispatcher) Wait() { d.wg.Wait() }

func (d *dispatcher) drain(ctx context.Context, room string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[room]
		if len(q) == 0 {
			delete(d.queues, room)
			d.mu.Unlock()
			return
		}
		msg := q[0]
		d.queues[room] = q[1:]
		d.mu.Unlock()

		d.handle(ctx, msg)
	}
}
