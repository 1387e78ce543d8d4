package queue

import "sync"

// Item is a single event waiting to run on the dispatcher goroutine.
type Item struct {
	Run func()

	next *Item
}

var pool = sync.Pool{}

func GetItem(f func()) (i *Item) {
	if pi := pool.Get(); pi == nil {
		i = new(Item)
	} else {
		i = pi.(*Item)
	}

	i.Run = f
	return i
}

func ReturnItem(i *Item) {
	i.Run, i.next = nil, nil
	pool.Put(i)
}
