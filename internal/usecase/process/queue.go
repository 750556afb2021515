package process

import (
	"sync"

	"robo/internal/domain"
)

// lineQueue is a thread-safe, bounded FIFO of line events that drops the
// oldest entries when capacity is exceeded. Producers never block, so the
// child's pipes are drained even when nobody is consuming.
type lineQueue struct {
	mu      sync.Mutex
	items   []domain.LineEvent
	head    int
	max     int
	seq     uint64 // last assigned sequence number
	dropped uint64
	closed  bool
	notify  chan struct{}
}

func newLineQueue(maxLines int) *lineQueue {
	return &lineQueue{
		items:  make([]domain.LineEvent, 0, min(maxLines, 1024)),
		max:    maxLines,
		notify: make(chan struct{}, 1),
	}
}

// Push appends a line, assigning the next sequence number. Pushing to a
// closed queue is a no-op.
func (q *lineQueue) Push(stream domain.Stream, text string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	q.items = append(q.items, domain.LineEvent{Seq: q.seq, Stream: stream, Text: text})
	if q.len() > q.max {
		q.head++
		q.dropped++
	}
	q.compact()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a line is available or the queue is closed and empty.
// The second result is false once the queue is exhausted.
func (q *lineQueue) Pop(release <-chan struct{}) (domain.LineEvent, bool) {
	for {
		q.mu.Lock()
		if q.len() > 0 {
			ev := q.items[q.head]
			q.items[q.head] = domain.LineEvent{}
			q.head++
			q.compact()
			q.mu.Unlock()
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.LineEvent{}, false
		}

		select {
		case <-q.notify:
		case <-release:
			return domain.LineEvent{}, false
		}
	}
}

// Close marks the end of input. Buffered lines remain poppable.
func (q *lineQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Stats returns the total lines pushed and the lines dropped on overflow.
func (q *lineQueue) Stats() (pushed, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq, q.dropped
}

func (q *lineQueue) len() int { return len(q.items) - q.head }

// compact reclaims the consumed prefix once it dominates the slice.
func (q *lineQueue) compact() {
	if q.head > 0 && q.head >= len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
