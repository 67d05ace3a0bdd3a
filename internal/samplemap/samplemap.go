// Package samplemap provides an ordered, thread-safe store of timed samples
// indexed by both decode time and presentation time.
package samplemap

import (
	"iter"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/jmylchreest/msebuf/internal/media"
)

const btreeDegree = 32

// Order selects which timestamp an iteration follows.
type Order int

// Iteration orders.
const (
	ByDTS Order = iota
	ByPTS
)

func (o Order) String() string {
	if o == ByPTS {
		return "pts"
	}
	return "dts"
}

func lessDTS(a, b *media.Sample) bool {
	ad, bd := a.DecodeTime(), b.DecodeTime()
	if ad != bd {
		return ad < bd
	}
	if a.PTS != b.PTS {
		return a.PTS < b.PTS
	}
	return a.Seq() < b.Seq()
}

func lessPTS(a, b *media.Sample) bool {
	if a.PTS != b.PTS {
		return a.PTS < b.PTS
	}
	return a.Seq() < b.Seq()
}

// probe returns a key that sorts before every stored sample at time t.
func probe(order Order, t time.Duration) *media.Sample {
	if order == ByPTS {
		return &media.Sample{PTS: t}
	}
	return &media.Sample{PTS: media.ClockTimeNone, DTS: t}
}

func keyTime(order Order, s *media.Sample) time.Duration {
	if order == ByPTS {
		return s.PTS
	}
	return s.DecodeTime()
}

// Map holds a membership set and two ordered projections over the same
// samples. All three views are updated under one lock.
type Map struct {
	mu          sync.RWMutex
	members     map[*media.Sample]struct{}
	byDTS       *btree.BTreeG[*media.Sample]
	byPTS       *btree.BTreeG[*media.Sample]
	storageSize int64
	generation  uint64
}

// New creates an empty sample map.
func New() *Map {
	return &Map{
		members: make(map[*media.Sample]struct{}),
		byDTS:   btree.NewG(btreeDegree, lessDTS),
		byPTS:   btree.NewG(btreeDegree, lessPTS),
	}
}

func (m *Map) tree(order Order) *btree.BTreeG[*media.Sample] {
	if order == ByPTS {
		return m.byPTS
	}
	return m.byDTS
}

// Add inserts a sample. Adding a sample that is already present is a no-op
// and returns false.
func (m *Map) Add(s *media.Sample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[s]; ok {
		return false
	}
	m.members[s] = struct{}{}
	m.byDTS.ReplaceOrInsert(s)
	m.byPTS.ReplaceOrInsert(s)
	m.storageSize += s.Size()
	m.generation++
	return true
}

// Remove deletes a sample from every view. It returns false if the sample
// was not present.
func (m *Map) Remove(s *media.Sample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removeLocked(s) {
		return false
	}
	m.generation++
	return true
}

func (m *Map) removeLocked(s *media.Sample) bool {
	if _, ok := m.members[s]; !ok {
		return false
	}
	delete(m.members, s)
	m.byDTS.Delete(s)
	m.byPTS.Delete(s)
	m.storageSize -= s.Size()
	if m.storageSize < 0 {
		m.storageSize = 0
	}
	return true
}

// RemoveRange deletes every sample whose decode time lies in the closed
// interval [earliest, latest]. An earliest of zero or less starts at the
// beginning of the map and a latest of media.ClockTimeNone runs to its end.
// It returns the number of bytes removed.
func (m *Map) RemoveRange(earliest, latest time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doomed []*media.Sample
	collect := func(s *media.Sample) bool {
		if media.IsValid(latest) && s.DecodeTime() > latest {
			return false
		}
		doomed = append(doomed, s)
		return true
	}
	if earliest <= 0 {
		m.byDTS.Ascend(collect)
	} else {
		m.byDTS.AscendGreaterOrEqual(probe(ByDTS, earliest), collect)
	}

	var removed int64
	for _, s := range doomed {
		if m.removeLocked(s) {
			removed += s.Size()
		}
	}
	if len(doomed) > 0 {
		m.generation++
	}
	return removed
}

// Clear removes every sample.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.members = make(map[*media.Sample]struct{})
	m.byDTS.Clear(false)
	m.byPTS.Clear(false)
	m.storageSize = 0
	m.generation++
}

// Contains reports whether s is stored.
func (m *Map) Contains(s *media.Sample) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[s]
	return ok
}

// Size returns the number of stored samples.
func (m *Map) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// StorageSize returns the summed payload size of the stored samples.
func (m *Map) StorageSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storageSize
}

// Generation returns the mutation counter.
func (m *Map) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// HighestEndTime returns the end time of the last sample in presentation
// order, or media.ClockTimeNone when the map is empty.
func (m *Map) HighestEndTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	last, ok := m.byPTS.Max()
	if !ok {
		return media.ClockTimeNone
	}
	return last.End()
}

// Samples returns a snapshot of the stored samples in the given order.
func (m *Map) Samples(order Order) []*media.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*media.Sample, 0, len(m.members))
	m.tree(order).Ascend(func(s *media.Sample) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Walk calls fn for every sample in the given order while holding the read
// lock. fn must not call back into the map.
func (m *Map) Walk(order Order, fn func(*media.Sample) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree(order).Ascend(fn)
}

// IterFrom returns an iterator that starts at the keyframe at or before t.
func (m *Map) IterFrom(order Order, t time.Duration) *Iterator {
	return &Iterator{m: m, order: order, from: t}
}

// IterAfter returns an iterator that resumes after the sample s.
func (m *Map) IterAfter(order Order, s *media.Sample) *Iterator {
	it := &Iterator{m: m, order: order, from: keyTime(order, s), last: s}
	it.generation = m.Generation()
	return it
}

// Iterator is a lazy, restartable walk over a Map. It never holds a position
// inside the ordered views: each step re-locates from the last returned
// sample, so concurrent mutation is safe.
type Iterator struct {
	m          *Map
	order      Order
	from       time.Duration
	last       *media.Sample
	generation uint64
}

// Next returns the next sample. It returns false when no further sample is
// currently stored; calling Next again after more samples are added resumes
// the walk.
//
// If the map changed and the last returned sample was removed, the iterator
// relocates to that sample's time and backs up to the nearest keyframe so a
// resumed consumer never starts in the middle of a group of pictures.
func (it *Iterator) Next() (*media.Sample, bool) {
	m := it.m
	m.mu.RLock()
	defer m.mu.RUnlock()

	tree := m.tree(it.order)
	var next *media.Sample

	switch {
	case it.last == nil:
		next = locateKeyframe(tree, it.order, it.from)
	case it.generation == m.generation:
		next = after(tree, it.last)
	default:
		if _, ok := m.members[it.last]; ok {
			next = after(tree, it.last)
		} else {
			next = locateKeyframe(tree, it.order, keyTime(it.order, it.last))
		}
	}
	it.generation = m.generation

	if next == nil {
		return nil, false
	}
	it.last = next
	return next, true
}

// Last returns the most recently returned sample.
func (it *Iterator) Last() *media.Sample {
	return it.last
}

// All adapts the iterator to a range-over-func sequence.
func (it *Iterator) All() iter.Seq[*media.Sample] {
	return func(yield func(*media.Sample) bool) {
		for {
			s, ok := it.Next()
			if !ok || !yield(s) {
				return
			}
		}
	}
}

func after(tree *btree.BTreeG[*media.Sample], last *media.Sample) *media.Sample {
	var next *media.Sample
	tree.AscendGreaterOrEqual(last, func(s *media.Sample) bool {
		if s == last {
			return true
		}
		next = s
		return false
	})
	return next
}

// locateKeyframe finds the first sample at or after t, then backs up to the
// closest keyframe at or before it.
func locateKeyframe(tree *btree.BTreeG[*media.Sample], order Order, t time.Duration) *media.Sample {
	key := probe(order, t)

	var pivot *media.Sample
	tree.AscendGreaterOrEqual(key, func(s *media.Sample) bool {
		pivot = s
		return false
	})
	if pivot != nil && pivot.Keyframe {
		return pivot
	}

	var keyframe *media.Sample
	tree.DescendLessOrEqual(key, func(s *media.Sample) bool {
		if s.Keyframe {
			keyframe = s
			return false
		}
		return true
	})
	if keyframe != nil {
		return keyframe
	}
	return pivot
}
