package session

import (
	"sync"
	"time"

	"loom/internal/config"
	"loom/internal/storage"
)

// outcome is what a finished turn delivers to each waiting submitter.
type outcome struct {
	res *Result
	err error
}

// QueueItem is one submission waiting its turn on a session.
type QueueItem struct {
	ID         string
	Input      Input
	EnqueuedAt time.Time

	message *storage.Message // persisted user turn, set during admission
	done    chan outcome
}

func newQueueItem(in Input, now time.Time) *QueueItem {
	return &QueueItem{
		ID:         storage.NewMessageID(),
		Input:      in,
		EnqueuedAt: now,
		done:       make(chan outcome, 1),
	}
}

// resolve delivers the turn outcome. Later calls are dropped, so an item
// can never resolve its waiter twice.
func (it *QueueItem) resolve(res *Result, err error) {
	select {
	case it.done <- outcome{res: res, err: err}:
	default:
	}
}

// pendingQueue is the bounded FIFO of submissions waiting for a session
// lock. The first enqueue starts a queue-wide expiry clock; when it
// fires, every pending item is rejected, so callers never wait forever
// on a session that cannot drain.
type pendingQueue struct {
	mu          sync.Mutex
	items       []*QueueItem
	capacity    int
	timeout     time.Duration
	minGap      time.Duration
	timer       *time.Timer
	startedAt   time.Time
	lastArrival time.Time
	burst       bool
	now         func() time.Time

	// onReject observes every rejection. Must be assigned before the
	// queue is shared; invoked outside the queue mutex.
	onReject func(count int, cause error)
}

func newPendingQueue(cfg config.SessionConfig) *pendingQueue {
	return &pendingQueue{
		capacity: cfg.QueueCap,
		timeout:  cfg.QueueTimeout,
		minGap:   cfg.MinInterArrival,
		now:      time.Now,
	}
}

// push appends an item or rejects it when the queue is full.
func (q *pendingQueue) push(it *QueueItem) error {
	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		err := errQueueOverflow(q.capacity)
		if q.onReject != nil {
			q.onReject(1, err)
		}
		return err
	}
	now := q.now()
	q.burst = !q.lastArrival.IsZero() && now.Sub(q.lastArrival) < q.minGap
	q.lastArrival = now
	if len(q.items) == 0 && q.timeout > 0 {
		q.startedAt = now
		q.timer = time.AfterFunc(q.timeout, q.expire)
	}
	q.items = append(q.items, it)
	q.mu.Unlock()
	return nil
}

// admit removes up to max items from the head. The first item is always
// taken so the queue cannot stall; each further item is taken only while
// fits accepts the cumulative input size.
func (q *pendingQueue) admit(max int, fits func(cumChars int) bool) []*QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var taken []*QueueItem
	cum := 0
	for len(q.items) > 0 && len(taken) < max {
		head := q.items[0]
		cum += inputChars(head.Input)
		if len(taken) > 0 && fits != nil && !fits(cum) {
			break
		}
		taken = append(taken, head)
		q.items = q.items[1:]
	}
	if len(q.items) == 0 {
		q.stopTimerLocked()
	}
	return taken
}

func (q *pendingQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// spammy reports whether submissions look like rapid fire: a deep
// backlog, or two arrivals closer together than the configured gap.
func (q *pendingQueue) spammy(depthLimit int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (depthLimit > 0 && len(q.items) > depthLimit) || q.burst
}

// rejectAll fails every pending item with err and clears the queue.
func (q *pendingQueue) rejectAll(err error) {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	q.stopTimerLocked()
	q.mu.Unlock()
	for _, it := range dropped {
		it.resolve(nil, err)
	}
	if len(dropped) > 0 && q.onReject != nil {
		q.onReject(len(dropped), err)
	}
}

// expire fires when the queue-wide clock runs out.
func (q *pendingQueue) expire() {
	q.mu.Lock()
	waited := q.now().Sub(q.startedAt)
	expired := q.items
	q.items = nil
	q.timer = nil
	q.mu.Unlock()
	err := errQueueTimeout(waited)
	for _, it := range expired {
		it.resolve(nil, err)
	}
	if len(expired) > 0 && q.onReject != nil {
		q.onReject(len(expired), err)
	}
}

func (q *pendingQueue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
