package subscriber

import "sync"

// Latch is a one-shot initialization guard.
//
// Unlike sync.Once, a failed initialization does not consume the latch: the
// next caller tries again. Concurrent callers block until the attempt in
// progress finishes, so at most one initialization ever succeeds.
type Latch struct {
	mu   sync.Mutex
	done bool
}

// Do runs init unless a previous call succeeded. ran reports whether init
// was executed by this call.
func (l *Latch) Do(init func() error) (ran bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false, nil
	}
	if err := init(); err != nil {
		return true, err
	}
	l.done = true
	return true, nil
}

// Done reports whether initialization has succeeded.
func (l *Latch) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Reset re-arms the latch, running teardown under the same lock.
func (l *Latch) Reset(teardown func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done {
		return nil
	}
	l.done = false
	if teardown != nil {
		return teardown()
	}
	return nil
}
