package nicoscache

import "sync"

// lineQueue is unbounded FIFO of outgoing lines with single consumer.
type lineQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lines  []string
	closed bool
}

func newLineQueue() *lineQueue {
	q := &lineQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends line. Lines put after Close are dropped.
func (q *lineQueue) Put(line string) {
	q.mu.Lock()
	if !q.closed {
		q.lines = append(q.lines, line)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Get blocks until there are pending lines and returns all of them.
// After Close pending lines are still returned, then ok is false.
func (q *lineQueue) Get() (lines []string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.lines) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.lines) == 0 {
		return nil, false
	}
	lines, q.lines = q.lines, nil
	return lines, true
}

// Close wakes up consumer.
func (q *lineQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
