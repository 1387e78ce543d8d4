package queue

import (
	"sync"
)

// Basic is an unbounded FIFO of events. Producers never block;
// a single dispatcher goroutine runs the events in order.
type Basic struct {
	h, t *Item
	n    int

	sync.Mutex
	trig   *sync.Cond
	killed bool
}

func (q *Basic) Init() {
	q.trig = sync.NewCond(q)
}

// Add appends f. It is dropped if the dispatcher has been stopped.
func (q *Basic) Add(f func()) {
	i := GetItem(f)
	q.Lock()
	if q.killed {
		q.Unlock()
		ReturnItem(i)
		return
	}
	if q.h == nil {
		q.h, q.t = i, i
	} else {
		q.t.next = i
		q.t = i
	}
	q.n++
	q.trig.Signal()
	q.Unlock()
}

// Len returns the number of events waiting.
func (q *Basic) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.n
}

// Stop makes StartDispatcher return after the event it is currently running.
// Events still queued are discarded.
func (q *Basic) Stop() {
	q.Lock()
	q.killed = true
	for i := q.h; i != nil; {
		next := i.next
		ReturnItem(i)
		i = next
	}
	q.h, q.t, q.n = nil, nil, 0
	q.trig.Broadcast()
	q.Unlock()
}

// StartDispatcher runs queued events one at a time until Stop is called.
func (q *Basic) StartDispatcher(wg *sync.WaitGroup) {
	defer func() {
		if wg != nil {
			wg.Done()
		}
	}()

	for {
		q.Lock()
		for q.h == nil && !q.killed {
			q.trig.Wait()
		}
		if q.killed {
			q.Unlock()
			return
		}

		i := q.h
		q.h = i.next
		if q.h == nil {
			q.t = nil
		}
		q.n--
		q.Unlock()

		f := i.Run
		ReturnItem(i)
		f()
	}
}
