package presence

import (
	"sort"
	"sync"

	"questduel/internal/model"
)

type delivery struct {
	target int // 0 means every subscriber
	ev     Event
}

// dispatcher fans events out to subscribers in order. Whichever goroutine
// finds the queue idle drains it; nested emits from inside a handler are
// queued and delivered by the outer drain.
type dispatcher struct {
	mu       sync.Mutex
	subs     map[int]func(Event)
	nextID   int
	queue    []delivery
	draining bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[int]func(Event))}
}

func (d *dispatcher) add(h func(Event)) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.subs[d.nextID] = h
	return d.nextID
}

func (d *dispatcher) remove(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
}

func (d *dispatcher) enqueue(target int, ev Event) {
	d.mu.Lock()
	d.queue = append(d.queue, delivery{target: target, ev: ev})
	d.mu.Unlock()
}

func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true

	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]

		var handlers []func(Event)
		if next.target != 0 {
			if h, ok := d.subs[next.target]; ok {
				handlers = append(handlers, h)
			}
		} else {
			ids := make([]int, 0, len(d.subs))
			for id := range d.subs {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			for _, id := range ids {
				handlers = append(handlers, d.subs[id])
			}
		}

		d.mu.Unlock()
		for _, h := range handlers {
			h(next.ev)
		}
		d.mu.Lock()
	}

	d.draining = false
	d.mu.Unlock()
}

func sortEntries(entries []model.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].PlayerID < entries[j].PlayerID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}
