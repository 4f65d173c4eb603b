package flowmux

import (
	"container/heap"

	"github.com/pkg/errors"
)

// ErrAlreadyRegistered is returned when registering an id that the
// scheduler already knows.
type ErrAlreadyRegistered struct{}

func (ErrAlreadyRegistered) Error() string { return "already registered" }

// ErrNotRegistered is returned when an operation names an id that was never
// registered, or has since been unregistered.
type ErrNotRegistered struct{}

func (ErrNotRegistered) Error() string { return "not registered" }

// ErrSchedulerEmpty is returned by PopFront when no entry is ready.
type ErrSchedulerEmpty struct{}

func (ErrSchedulerEmpty) Error() string { return "no ready entries" }

// schedEntry is the registration record for one id. index is the entry's
// position in the ready heap, or -1 while the entry is not ready. seq is
// assigned when the entry becomes ready and is kept across priority updates
// so an update cannot make the entry leapfrog its peers.
type schedEntry[K comparable] struct {
	key      K
	priority Priority
	seq      uint64
	index    int
}

type readyHeap[K comparable] []*schedEntry[K]

func (h readyHeap[K]) Len() int { return len(h) }

func (h readyHeap[K]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap[K]) Push(x any) {
	ent := x.(*schedEntry[K])
	ent.index = len(*h)
	*h = append(*h, ent)
}

func (h *readyHeap[K]) Pop() any {
	old := *h
	n := len(old)
	ent := old[n-1]
	old[n-1] = nil
	ent.index = -1
	*h = old[:n-1]
	return ent
}

// Scheduler tracks a set of registered entries and keeps the ready ones
// ordered by (priority, sequence): highest priority first, and first-come
// first-served within a priority. The key type is parameterized so the
// grouped scheduler can nest one Scheduler inside another.
//
// A Scheduler is not safe for concurrent use; see Muxer for the ownership
// model.
type Scheduler[K comparable] struct {
	entries map[K]*schedEntry[K]
	ready   readyHeap[K]
	nextSeq uint64
}

// NewScheduler returns an empty Scheduler.
func NewScheduler[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{
		entries: make(map[K]*schedEntry[K]),
	}
}

// Register adds key with the given priority, in the not-ready state.
func (s *Scheduler[K]) Register(key K, priority Priority) (err error) {
	if _, ok := s.entries[key]; ok {
		return errors.WithStack(ErrAlreadyRegistered{})
	}
	s.entries[key] = &schedEntry[K]{key: key, priority: priority, index: -1}
	return
}

// Unregister removes key entirely, including from the ready set.
func (s *Scheduler[K]) Unregister(key K) (err error) {
	ent, ok := s.entries[key]
	if !ok {
		return errors.WithStack(ErrNotRegistered{})
	}
	if ent.index >= 0 {
		heap.Remove(&s.ready, ent.index)
	}
	delete(s.entries, key)
	return
}

// UpdatePriority changes the priority of key. If key is ready it keeps its
// original sequence number, so among entries of the new priority it neither
// jumps ahead of earlier arrivals nor falls behind later ones.
func (s *Scheduler[K]) UpdatePriority(key K, priority Priority) (err error) {
	ent, ok := s.entries[key]
	if !ok {
		return errors.WithStack(ErrNotRegistered{})
	}
	ent.priority = priority
	if ent.index >= 0 {
		heap.Fix(&s.ready, ent.index)
	}
	return
}

// Schedule marks key ready. Scheduling an already ready key is a no-op and
// keeps its place in line.
func (s *Scheduler[K]) Schedule(key K) (err error) {
	ent, ok := s.entries[key]
	if !ok {
		return errors.WithStack(ErrNotRegistered{})
	}
	if ent.index >= 0 {
		return
	}
	ent.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.ready, ent)
	return
}

// unschedule removes key from the ready set but keeps it registered.
func (s *Scheduler[K]) unschedule(key K) {
	if ent, ok := s.entries[key]; ok && ent.index >= 0 {
		heap.Remove(&s.ready, ent.index)
	}
}

// PopFront removes and returns the best ready key: highest priority,
// earliest scheduled among equals. The key stays registered.
func (s *Scheduler[K]) PopFront() (key K, err error) {
	if len(s.ready) == 0 {
		err = errors.WithStack(ErrSchedulerEmpty{})
		return
	}
	ent := heap.Pop(&s.ready).(*schedEntry[K])
	key = ent.key
	return
}

// ShouldYield reports whether key ought to defer to some other ready entry
// of at least its own priority. It is false when key itself is the best
// ready entry.
func (s *Scheduler[K]) ShouldYield(key K) (yield bool, err error) {
	ent, ok := s.entries[key]
	if !ok {
		err = errors.WithStack(ErrNotRegistered{})
		return
	}
	if len(s.ready) == 0 {
		return
	}
	head := s.ready[0]
	if head == ent {
		return
	}
	yield = head.priority >= ent.priority
	return
}

// IsRegistered reports whether key is currently registered.
func (s *Scheduler[K]) IsRegistered(key K) bool {
	_, ok := s.entries[key]
	return ok
}

// IsScheduled reports whether key is currently in the ready set.
func (s *Scheduler[K]) IsScheduled(key K) bool {
	ent, ok := s.entries[key]
	return ok && ent.index >= 0
}

// Priority returns the current priority of key.
func (s *Scheduler[K]) Priority(key K) (priority Priority, err error) {
	ent, ok := s.entries[key]
	if !ok {
		err = errors.WithStack(ErrNotRegistered{})
		return
	}
	priority = ent.priority
	return
}

// NumRegistered returns the number of registered entries.
func (s *Scheduler[K]) NumRegistered() int { return len(s.entries) }

// NumScheduled returns the number of ready entries.
func (s *Scheduler[K]) NumScheduled() int { return len(s.ready) }

// HasScheduled reports whether any entry is ready.
func (s *Scheduler[K]) HasScheduled() bool { return len(s.ready) > 0 }

// NumScheduledInRange counts ready entries with min <= priority <= max.
// It scans the ready set; the fan-out per connection keeps that cheap.
func (s *Scheduler[K]) NumScheduledInRange(min, max Priority) (n int) {
	for _, ent := range s.ready {
		if ent.priority >= min && ent.priority <= max {
			n++
		}
	}
	return
}
