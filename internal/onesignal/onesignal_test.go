package onesignal

import (
	"sync"
	"testing"
	"time"
)

func TestResolveWakesAllWaiters(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	n := 5
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			if err := s.Wait(nil); err != nil {
				t.Error(err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	time.Sleep(10 * time.Millisecond) // let goroutines park on Wait
	s.Resolve()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all waiters woke up")
	}
}

func TestResolveWithNoWaitersIsNoOp(t *testing.T) {
	s := New()
	s.Resolve() // must not panic or block
}

func TestResetAllowsReuse(t *testing.T) {
	s := New()
	s.Resolve()
	if err := s.Wait(nil); err != nil {
		t.Fatal(err)
	}
	s.Reset()

	woke := make(chan struct{})
	go func() {
		s.Wait(nil)
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("woke up before the fresh signal resolved")
	case <-time.After(20 * time.Millisecond):
	}

	s.Resolve()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("fresh signal never resolved")
	}
}

func TestStopChannelUnblocksWait(t *testing.T) {
	s := New()
	stop := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		s.Wait(stop)
		close(woke)
	}()
	close(stop)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("stop channel did not unblock Wait")
	}
}
