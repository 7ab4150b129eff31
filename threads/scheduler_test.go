package threads_test

import (
	"fmt"
	"testing"

	"github.com/dargueta/teachos"
	"github.com/dargueta/teachos/threads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler__RoundRobin(t *testing.T) {
	s := threads.New(threads.MaxThreads)
	log := []string{}

	for _, name := range []string{"a", "b", "c"} {
		name := name
		thread, err := s.NewThread(name)
		require.NoError(t, err)
		s.Start(thread, func() {
			for i := 0; i < 3; i++ {
				log = append(log, fmt.Sprintf("%s%d", name, i))
				s.Yield()
			}
		})
	}

	s.Run()
	assert.Equal(
		t,
		[]string{"a0", "b0", "c0", "a1", "b1", "c1", "a2", "b2", "c2"},
		log)
}

func TestScheduler__FinishReleasesID(t *testing.T) {
	s := threads.New(4)

	parent, err := s.NewThread("parent")
	require.NoError(t, err)
	child, err := s.NewThread("child")
	require.NoError(t, err)
	assert.NotEqual(t, parent.ID, child.ID)

	childID := child.ID
	aliveBeforeJoin := false
	s.Start(parent, func() {
		aliveBeforeJoin = s.Alive(childID)
		// Spin until the child is gone, the same way a join does.
		for s.Alive(childID) {
			s.Yield()
		}
	})
	s.Start(child, func() {
		assert.Equal(t, child, s.Current())
	})

	s.Run()
	assert.True(t, aliveBeforeJoin)
	assert.False(t, s.Alive(childID))
	assert.False(t, s.Alive(parent.ID))
}

func TestScheduler__FinishNeverReturns(t *testing.T) {
	s := threads.New(4)
	thread, err := s.NewThread("t")
	require.NoError(t, err)

	reached := false
	s.Start(thread, func() {
		s.Finish()
		reached = true
	})
	s.Run()
	assert.False(t, reached)
}

func TestScheduler__TooManyThreads(t *testing.T) {
	s := threads.New(2)
	first, err := s.NewThread("1")
	require.NoError(t, err)
	_, err = s.NewThread("2")
	require.NoError(t, err)

	_, err = s.NewThread("3")
	assert.ErrorIs(t, err, teachos.ErrTooManyThreads)

	// Discarding an unstarted thread frees its ID for reuse.
	s.Discard(first)
	third, err := s.NewThread("3")
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
}

func TestScheduler__HaltStopsEveryone(t *testing.T) {
	s := threads.New(4)
	iterations := 0

	looper, err := s.NewThread("looper")
	require.NoError(t, err)
	halter, err := s.NewThread("halter")
	require.NoError(t, err)

	s.Start(looper, func() {
		for {
			iterations++
			s.Yield()
		}
	})
	s.Start(halter, func() {
		s.Halt()
	})

	s.Run()
	assert.Equal(t, 1, iterations, "looper kept running after the halt")

	select {
	case <-s.Done():
	default:
		t.Error("done channel not closed after halt")
	}
}

func TestScheduler__OnSwitch(t *testing.T) {
	s := threads.New(4)
	switches := []teachos.ContextID{}
	s.OnSwitch = func(thread *threads.Thread) {
		switches = append(switches, thread.ID)
	}

	a, err := s.NewThread("a")
	require.NoError(t, err)
	b, err := s.NewThread("b")
	require.NoError(t, err)

	s.Start(a, func() { s.Yield() })
	s.Start(b, func() {})
	s.Run()

	assert.Equal(t, []teachos.ContextID{a.ID, b.ID, a.ID}, switches)
}

func TestScheduler__RunWithNothingReady(t *testing.T) {
	s := threads.New(4)
	s.Run()
	assert.Nil(t, s.Current())
}
