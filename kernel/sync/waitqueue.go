package sync

// WaitQueue lets tasks sleep until some other task signals that a resource
// became available. Waiters obtain a token *before* checking the resource so
// that a Broadcast issued between the check and the wait is never lost.
type WaitQueue struct {
	lock    Spinlock
	pending chan struct{}
}

// Token returns a channel that gets closed by the next call to Broadcast.
func (q *WaitQueue) Token() <-chan struct{} {
	q.lock.Acquire()
	if q.pending == nil {
		q.pending = make(chan struct{})
	}
	ch := q.pending
	q.lock.Release()
	return ch
}

// Broadcast wakes up every task waiting on a token obtained before this call.
func (q *WaitQueue) Broadcast() {
	q.lock.Acquire()
	if q.pending != nil {
		close(q.pending)
		q.pending = nil
	}
	q.lock.Release()
}
