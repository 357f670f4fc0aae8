package pool

import "github.com/Voskan/temporal-slab/internal/slabs"

// slabList is a nil-terminated intrusive doubly-linked list threaded through
// the slab headers.  Lists are owned by the pool and never escape it; every
// mutation happens under the pool mutex.
type slabList struct {
	head *slabs.Slab
	n    int
}

func (l *slabList) pushFront(s *slabs.Slab) {
	s.SetListPrev(nil)
	s.SetListNext(l.head)
	if l.head != nil {
		l.head.SetListPrev(s)
	}
	l.head = s
	l.n++
}

func (l *slabList) remove(s *slabs.Slab) {
	if prev := s.ListPrev(); prev != nil {
		prev.SetListNext(s.ListNext())
	} else {
		l.head = s.ListNext()
	}
	if next := s.ListNext(); next != nil {
		next.SetListPrev(s.ListPrev())
	}
	s.SetListPrev(nil)
	s.SetListNext(nil)
	l.n--
}

func (l *slabList) front() *slabs.Slab { return l.head }

func (l *slabList) len() int { return l.n }
