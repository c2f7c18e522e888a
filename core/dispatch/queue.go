// Package dispatch provides the serial task queue that owns all lifecycle
// state of a repository. Every structure in the lifecycle core is confined to
// exactly one Queue: mutations happen only in tasks running on it, and
// blocking work (storage, database, network) runs on plain goroutines that
// post their completions back. Tasks on the same queue never run concurrently
// and always run in post order, which is what makes open-during-check
// detection exact.
package dispatch

import "sync"

// Queue runs posted tasks one at a time, in FIFO order, on a single worker
// goroutine.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	done chan struct{}
}

// NewQueue creates a queue and starts its worker.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Post enqueues a task. Tasks posted after Close are dropped. Posting from
// within a running task is allowed and preserves FIFO order.
func (q *Queue) Post(task func()) {
	q.post(task)
}

func (q *Queue) post(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return true
}

// Sync posts the task and waits for it to finish. It must not be called from
// a task already running on the queue. If the queue is closed the task never
// runs and Sync returns immediately.
func (q *Queue) Sync(task func()) {
	ran := make(chan struct{})
	if !q.post(func() {
		defer close(ran)
		task()
	}) {
		return
	}
	<-ran
}

// Close stops the queue: already-posted tasks still run, later posts are
// dropped. Close returns after the worker has drained and exited.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}
