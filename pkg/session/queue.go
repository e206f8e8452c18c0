package session

import (
	"sync"
	"time"
)

type lane uint8

const (
	laneControl lane = iota
	laneReliable
	laneUnreliable
)

type outbound struct {
	frame []byte
	lane  lane
}

// sendQueue holds outbound frames in three lanes. pop always prefers control
// over reliable over unreliable.
type sendQueue struct {
	mu         sync.Mutex
	control    []outbound
	reliable   []outbound
	unreliable []outbound

	controlCap    int
	reliableCap   int
	unreliableCap int

	closed  bool
	dropped uint64

	// ready is signalled when a frame is pushed or the queue closes. space is
	// signalled when a reliable slot frees up.
	ready chan struct{}
	space chan struct{}
	done  chan struct{}
}

func newSendQueue(cfg Config) *sendQueue {
	return &sendQueue{
		controlCap:    cfg.ControlQueueSize,
		reliableCap:   cfg.ReliableQueueSize,
		unreliableCap: cfg.UnreliableQueueSize,
		ready:         make(chan struct{}, 1),
		space:         make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *sendQueue) pushControl(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrSessionClosed
	}
	if len(q.control) >= q.controlCap {
		return ErrCapacityExceeded
	}
	q.control = append(q.control, outbound{frame: frame, lane: laneControl})
	signal(q.ready)
	return nil
}

func (q *sendQueue) tryPushReliable(frame []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrSessionClosed
	}
	if len(q.reliable) >= q.reliableCap {
		return false, nil
	}
	q.reliable = append(q.reliable, outbound{frame: frame, lane: laneReliable})
	signal(q.ready)
	return true, nil
}

// pushReliable enqueues frame, waiting up to wait for a free slot.
func (q *sendQueue) pushReliable(frame []byte, wait time.Duration) error {
	ok, err := q.tryPushReliable(frame)
	if err != nil || ok {
		return err
	}
	if wait <= 0 {
		return ErrCapacityExceeded
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-q.space:
		case <-q.done:
			return ErrSessionClosed
		case <-timer.C:
			return ErrCapacityExceeded
		}
		ok, err := q.tryPushReliable(frame)
		if err != nil || ok {
			return err
		}
	}
}

// pushUnreliable enqueues frame and reports whether an older frame was dropped
// to make room.
func (q *sendQueue) pushUnreliable(frame []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrSessionClosed
	}
	dropped := false
	if len(q.unreliable) >= q.unreliableCap {
		clear(q.unreliable[:1])
		q.unreliable = q.unreliable[1:]
		q.dropped++
		dropped = true
	}
	q.unreliable = append(q.unreliable, outbound{frame: frame, lane: laneUnreliable})
	signal(q.ready)
	return dropped, nil
}

func (q *sendQueue) pop() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var item outbound
	switch {
	case len(q.control) > 0:
		item, q.control = q.control[0], q.control[1:]
	case len(q.reliable) > 0:
		item, q.reliable = q.reliable[0], q.reliable[1:]
		signal(q.space)
	case len(q.unreliable) > 0:
		item, q.unreliable = q.unreliable[0], q.unreliable[1:]
	default:
		return outbound{}, false
	}
	return item, true
}

// close stops accepting frames. Frames already queued are still popped.
func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	signal(q.ready)
}

// drained reports whether the queue is closed and empty.
func (q *sendQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.control)+len(q.reliable)+len(q.unreliable) == 0
}

func (q *sendQueue) lens() (control, reliable, unreliable int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.control), len(q.reliable), len(q.unreliable)
}

func (q *sendQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
