package queue

import (
	"sync"
	"testing"
	"time"
)

func TestDispatchOrder(t *testing.T) {
	t.Parallel()

	var q Basic
	q.Init()

	var wg sync.WaitGroup
	wg.Add(1)
	go q.StartDispatcher(&wg)

	got := make(chan int, 100)
	for i := 0; i < 100; i++ {
		i := i
		q.Add(func() { got <- i })
	}

	for i := 0; i < 100; i++ {
		select {
		case n := <-got:
			if n != i {
				t.Fatalf("event %d ran in position %d", n, i)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event", i)
		}
	}

	q.Stop()
	wg.Wait()
}

func TestAddFromDispatcher(t *testing.T) {
	t.Parallel()

	var q Basic
	q.Init()

	var wg sync.WaitGroup
	wg.Add(1)
	go q.StartDispatcher(&wg)

	done := make(chan struct{})
	q.Add(func() {
		// must not deadlock
		q.Add(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested event never ran")
	}

	q.Stop()
	wg.Wait()
}

func TestStopDiscards(t *testing.T) {
	t.Parallel()

	var q Basic
	q.Init()

	ran := false
	q.Add(func() { ran = true })
	if q.Len() != 1 {
		t.Fatal(q.Len())
	}

	q.Stop()
	if q.Len() != 0 {
		t.Fatal("queue not emptied", q.Len())
	}

	q.Add(func() { ran = true })
	if q.Len() != 0 {
		t.Fatal("event accepted after Stop")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go q.StartDispatcher(&wg)
	wg.Wait()

	if ran {
		t.Fatal("event ran after Stop")
	}
}
