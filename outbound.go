package ircsession

import "sync"

// outboundQueue is the single-writer queue of encoded lines. Two FIFO lanes
// keep submission order within a priority.
type outboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	high   [][]byte
	normal [][]byte
	closed bool
	// draining lets pop hand out what is queued before reporting closed.
	draining bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *outboundQueue) push(line []byte, prio Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.draining {
		return ErrPipelineClosed
	}
	if prio == PriorityHigh {
		q.high = append(q.high, line)
	} else {
		q.normal = append(q.normal, line)
	}
	q.cond.Signal()
	return nil
}

// pop blocks until a line is available. It returns false once the queue is
// closed, or drained after drainAndClose.
func (q *outboundQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.high) == 0 && len(q.normal) == 0 && !q.closed && !q.draining {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	if len(q.high) > 0 {
		line := q.high[0]
		q.high[0] = nil
		q.high = q.high[1:]
		return line, true
	}
	if len(q.normal) > 0 {
		line := q.normal[0]
		q.normal[0] = nil
		q.normal = q.normal[1:]
		return line, true
	}
	return nil, false
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// drainAndClose refuses new lines and lets the writer flush the rest.
func (q *outboundQueue) drainAndClose() {
	q.mu.Lock()
	q.draining = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// close discards queued lines and wakes the writer.
func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.high = nil
	q.normal = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}
