// Package threads runs execution contexts cooperatively on a single simulated
// processor.
//
// Every thread is backed by its own goroutine, but only the thread holding the
// baton runs; the others are parked on a channel. A thread keeps the processor
// until it yields or finishes, so nothing the threads share needs a lock.
package threads

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/utilities/debug"
)

// MaxThreads is the default number of thread IDs available.
const MaxThreads = 128

type Thread struct {
	ID   teachos.ContextID
	Name string
	wake chan struct{}
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s#%d", t.Name, t.ID)
}

type Scheduler struct {
	ready    []*Thread
	current  *Thread
	threads  []*Thread
	halted   bool
	done     chan struct{}
	doneOnce sync.Once

	// OnSwitch, if set, is called by a thread right after it gets the processor
	// back, including the first time it runs.
	OnSwitch func(t *Thread)
}

// New creates a scheduler with room for `maxThreads` threads at once.
func New(maxThreads int) *Scheduler {
	return &Scheduler{
		threads: make([]*Thread, maxThreads),
		done:    make(chan struct{}),
	}
}

// NewThread reserves an ID for a new thread. The thread doesn't run until it's
// passed to Start, and its ID must be released with Discard if it never is.
func (s *Scheduler) NewThread(name string) (*Thread, error) {
	for i := range s.threads {
		if s.threads[i] == nil {
			t := &Thread{
				ID:   teachos.ContextID(i),
				Name: name,
				wake: make(chan struct{}, 1),
			}
			s.threads[i] = t
			return t, nil
		}
	}
	return nil, teachos.ErrTooManyThreads.WithMessage(
		fmt.Sprintf("all %d thread IDs are in use", len(s.threads)))
}

// Discard releases the ID of a thread that was never started.
func (s *Scheduler) Discard(t *Thread) {
	if s.threads[t.ID] == t {
		s.threads[t.ID] = nil
	}
}

// Alive returns true if a thread with the given ID exists, started or not.
func (s *Scheduler) Alive(id teachos.ContextID) bool {
	return id >= 0 && int(id) < len(s.threads) && s.threads[id] != nil
}

// Current returns the thread holding the processor, or nil if none is.
func (s *Scheduler) Current() *Thread {
	return s.current
}

// Start makes `t` ready to run `body`. When `body` returns the thread
// finishes.
func (s *Scheduler) Start(t *Thread, body func()) {
	go func() {
		<-t.wake
		if s.halted {
			return
		}
		s.resumed(t)
		body()
		s.Finish()
	}()
	s.ready = append(s.ready, t)
	debug.DPrintf(1, "thread %s ready\n", t)
}

// Run hands the processor to the first ready thread and blocks until every
// thread has finished or the scheduler is halted.
func (s *Scheduler) Run() {
	if !s.switchToNext() {
		s.closeDone()
	}
	<-s.done
}

// Done is closed once no threads are left or the scheduler has been halted.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) resumed(t *Thread) {
	s.current = t
	if s.OnSwitch != nil {
		s.OnSwitch(t)
	}
}

// switchToNext wakes the first ready thread. It returns false if there wasn't
// one.
func (s *Scheduler) switchToNext() bool {
	if len(s.ready) == 0 {
		return false
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	s.current = next
	next.wake <- struct{}{}
	return true
}

// Yield gives up the processor to the next ready thread, if there is one, and
// returns once the calling thread is scheduled again.
func (s *Scheduler) Yield() {
	if len(s.ready) == 0 {
		return
	}

	self := s.current
	s.ready = append(s.ready, self)
	s.switchToNext()

	<-self.wake
	if s.halted {
		runtime.Goexit()
	}
	s.resumed(self)
}

// Finish ends the calling thread and releases its ID. It never returns.
func (s *Scheduler) Finish() {
	self := s.current
	if self != nil {
		s.Discard(self)
		debug.DPrintf(1, "thread %s finished\n", self)
	}

	if s.halted || !s.switchToNext() {
		s.current = nil
		s.closeDone()
	}
	runtime.Goexit()
}

// Halt stops scheduling. Every parked thread exits without running again, and
// Run returns once the calling thread finishes.
func (s *Scheduler) Halt() {
	s.halted = true
	for _, t := range s.ready {
		t.wake <- struct{}{}
	}
	s.ready = nil
}

func (s *Scheduler) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
