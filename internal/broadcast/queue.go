package broadcast

import "sync"

// Queue is the round-robin order of connection keys, stored as a ring so a
// rotation costs O(count) regardless of queue length.
//
// Invariant: rotation never changes Len; only PushBack/RemoveValue do.
type Queue struct {
	mu   sync.Mutex
	buf  []ConnectionKey
	head int
	size int
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) PushBack(key ConnectionKey) {
	q.mu.Lock()
	q.pushBackLocked(key)
	q.mu.Unlock()
}

// MoveToBack removes any existing entry for key, then appends it.
// It reports whether an entry was already present.
func (q *Queue) MoveToBack(key ConnectionKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	existed := q.removeLocked(key)
	q.pushBackLocked(key)
	return existed
}

// RemoveValue deletes the first entry equal to key (linear scan).
// It returns false if key was not queued.
func (q *Queue) RemoveValue(key ConnectionKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(key)
}

// RotateFront takes up to count keys off the front and appends them to the
// back in the same order, returning them. A count larger than the queue
// returns every key once and leaves the order unchanged.
func (q *Queue) RotateFront(count int) []ConnectionKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(count, q.size)
	if n <= 0 {
		return nil
	}
	out := make([]ConnectionKey, n)
	full := q.size == len(q.buf)
	for i := 0; i < n; i++ {
		k := q.buf[q.head]
		out[i] = k
		if !full {
			q.buf[q.at(q.size)] = k
			q.buf[q.head] = ConnectionKey{}
		}
		q.head = (q.head + 1) % len(q.buf)
	}
	return out
}

// Snapshot returns the keys in queue order.
func (q *Queue) Snapshot() []ConnectionKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ConnectionKey, q.size)
	for i := range out {
		out[i] = q.buf[q.at(i)]
	}
	return out
}

func (q *Queue) at(i int) int { return (q.head + i) % len(q.buf) }

func (q *Queue) pushBackLocked(key ConnectionKey) {
	if q.size == len(q.buf) {
		q.growLocked()
	}
	q.buf[q.at(q.size)] = key
	q.size++
}

func (q *Queue) removeLocked(key ConnectionKey) bool {
	for i := 0; i < q.size; i++ {
		if q.buf[q.at(i)] != key {
			continue
		}
		for j := i; j < q.size-1; j++ {
			q.buf[q.at(j)] = q.buf[q.at(j+1)]
		}
		q.buf[q.at(q.size-1)] = ConnectionKey{}
		q.size--
		return true
	}
	return false
}

func (q *Queue) growLocked() {
	n := max(2*len(q.buf), 8)
	buf := make([]ConnectionKey, n)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[q.at(i)]
	}
	q.buf = buf
	q.head = 0
}
