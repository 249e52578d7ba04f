// Package live provides a broadcast value that always holds the latest state
// and replays it to every new subscriber.
//
// It is used for "hot" state such as the viewer set of a dossier or the
// online status of the network monitor, where a late subscriber must see the
// current value immediately rather than wait for the next change.
package live

import "sync"

// Value holds the latest value of T and fans changes out to subscribers.
//
// Each subscriber channel has a buffer of one and only ever carries the most
// recent value: a slow subscriber skips intermediate states but never blocks
// Set.
type Value[T any] struct {
	mu     sync.Mutex
	val    T
	subs   map[int]chan T
	nextID int
	closed bool
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		val:  initial,
		subs: make(map[int]chan T),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val
}

// Set replaces the current value and notifies all subscribers.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.val = val
	for _, ch := range v.subs {
		offer(ch, val)
	}
}

// Update applies fn to the current value under the lock and stores the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return v.val
	}
	v.val = fn(v.val)
	for _, ch := range v.subs {
		offer(ch, v.val)
	}
	return v.val
}

// Subscribe returns a channel that immediately receives the current value and
// then every subsequent one. The returned cancel function must be called to
// release the subscription; it closes the channel.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	if v.closed {
		close(ch)
		return ch, func() {}
	}

	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	ch <- v.val

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if sub, ok := v.subs[id]; ok {
				delete(v.subs, id)
				close(sub)
			}
		})
	}
}

// Close closes every subscriber channel. Further Set calls are ignored.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, ch := range v.subs {
		delete(v.subs, id)
		close(ch)
	}
}

// offer replaces whatever is buffered in ch with val.
func offer[T any](ch chan T, val T) {
	select {
	case <-ch:
	default:
	}
	ch <- val
}
