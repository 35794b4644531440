package broadcast

import (
	"sort"
	"sync"
)

// subscribers is the listener set shared by the Hub endpoints and the file
// channel.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Envelope)
}

func (s *subscribers) add(fn func(Envelope)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = map[int]func(Envelope){}
	}
	s.nextID++
	id := s.nextID
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
		})
	}
}

func (s *subscribers) deliver(env Envelope) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Envelope), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}
