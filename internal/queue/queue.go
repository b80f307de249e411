package queue

import (
	"container/heap"
	"sync"
)

type item[T any] struct {
	value    T
	priority int64
	index    int
}

// itemHeap orders by priority, lower first
type itemHeap[T any] []*item[T]

func (h itemHeap[T]) Len() int           { return len(h) }
func (h itemHeap[T]) Less(i, j int) bool { return h[i].priority < h[j].priority }

func (h itemHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[T]) Push(x any) {
	it := x.(*item[T])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// PriorityQueue is a thread-safe min-priority queue.
type PriorityQueue[T any] struct {
	heap itemHeap[T]
	mu   sync.Mutex
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{heap: itemHeap[T]{}}
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int64) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	heap.Push(&pq.heap, &item[T]{value: value, priority: priority})
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.heap).(*item[T]).value, true
}

// Backlog is an unbounded FIFO of keys where a key is waiting at most once.
// Pushing a key that is already waiting keeps its place and replaces its value,
// so a burst of changes to one path collapses into a single entry.
type Backlog[K comparable, V any] struct {
	mu      sync.Mutex
	order   *PriorityQueue[K]
	values  map[K]V
	seq     int64
	urgent  int64
	readyCh chan struct{}
}

func NewBacklog[K comparable, V any]() *Backlog[K, V] {
	return &Backlog[K, V]{
		order:   NewPriorityQueue[K](),
		values:  make(map[K]V),
		readyCh: make(chan struct{}, 1),
	}
}

// Push appends key unless it is already waiting. It reports whether key was added.
func (b *Backlog[K, V]) Push(key K, value V) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, waiting := b.values[key]
	b.values[key] = value
	if !waiting {
		b.seq++
		b.order.Enqueue(key, b.seq)
	}
	b.signal()
	return !waiting
}

// PushFront puts key ahead of everything pushed normally. A key already
// waiting keeps its place.
func (b *Backlog[K, V]) PushFront(key K, value V) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, waiting := b.values[key]
	b.values[key] = value
	if !waiting {
		b.urgent--
		b.order.Enqueue(key, b.urgent)
	}
	b.signal()
	return !waiting
}

func (b *Backlog[K, V]) Pop() (K, V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.order.Dequeue()
	if !ok {
		var zero V
		return key, zero, false
	}
	value := b.values[key]
	delete(b.values, key)
	return key, value, true
}

// Drain pops everything currently waiting, in order.
func (b *Backlog[K, V]) Drain() []K {
	var keys []K
	for {
		key, _, ok := b.Pop()
		if !ok {
			return keys
		}
		keys = append(keys, key)
	}
}

func (b *Backlog[K, V]) Has(key K) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.values[key]
	return ok
}

func (b *Backlog[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.values)
}

// Ready receives a value after a push. Consumers drain with Pop until it
// reports empty, then wait on Ready again.
func (b *Backlog[K, V]) Ready() <-chan struct{} {
	return b.readyCh
}

func (b *Backlog[K, V]) signal() {
	select {
	case b.readyCh <- struct{}{}:
	default:
	}
}
