package store

import (
	"sync"

	"github.com/casmesh/casmesh/pkg/cas"
)

// pendingWait coalesces every caller waiting on content that another path is
// producing. It exists only while at least one caller is joined.
type pendingWait struct {
	refs int
	done chan struct{}
	err  error
}

// WaitSet maps keys to their pending waits. The mutex is held only to join,
// leave or signal, never across a wait.
type WaitSet struct {
	mu    sync.Mutex
	waits map[cas.Key]*pendingWait
}

func newWaitSet() *WaitSet {
	return &WaitSet{waits: make(map[cas.Key]*pendingWait)}
}

func (s *WaitSet) join(key cas.Key) *pendingWait {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.waits[key]
	if !ok {
		pw = &pendingWait{done: make(chan struct{})}
		s.waits[key] = pw
	}
	pw.refs++
	return pw
}

func (s *WaitSet) leave(key cas.Key, pw *pendingWait) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw.refs--
	if pw.refs == 0 && s.waits[key] == pw {
		delete(s.waits, key)
	}
}

// signal wakes every waiter on key with err (nil on success).
func (s *WaitSet) signal(key cas.Key, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.waits[key]
	if !ok {
		return
	}
	pw.err = err
	close(pw.done)
	delete(s.waits, key)
}

// Len returns the number of keys with waiters.
func (s *WaitSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waits)
}

// Waiters returns the number of callers waiting on key.
func (s *WaitSet) Waiters(key cas.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.waits[key]; ok {
		return pw.refs
	}
	return 0
}
