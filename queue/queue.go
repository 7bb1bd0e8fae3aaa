// Package queue provides the FIFO used by the pool to hold dispatches
// that could not be assigned a connection immediately.
//
// The queue is a growable ring buffer: Push appends at the tail, Pop
// removes from the head, both amortized O(1). It is NOT goroutine-safe;
// the pool guards it with its own mutex together with the rest of the
// pool state, so adding a second lock here would only invite deadlocks.
package queue

const minCapacity = 8

// Queue is a FIFO ring buffer over a slice.
//
// The zero value is ready to use.
type Queue[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int // number of elements
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return q.n
}

// Push appends v at the tail of the queue, growing storage if needed.
func (q *Queue[T]) Push(v T) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = v
	q.n++
}

// Pop removes and returns the head of the queue.
// The second return value is false if the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero // release the reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.n--

	// Shrink when the buffer is mostly empty so a burst doesn't pin
	// memory forever. Never below the minimum capacity.
	if len(q.buf) > minCapacity && q.n <= len(q.buf)/4 {
		q.resize(len(q.buf) / 2)
	}
	return v, true
}

// Peek returns the head of the queue without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	return q.buf[q.head], true
}

func (q *Queue[T]) grow() {
	capacity := len(q.buf) * 2
	if capacity < minCapacity {
		capacity = minCapacity
	}
	q.resize(capacity)
}

// resize copies the live elements into a fresh buffer of the given
// capacity, un-wrapping the ring so head is back at index 0.
func (q *Queue[T]) resize(capacity int) {
	buf := make([]T, capacity)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
