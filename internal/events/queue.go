package events

import "container/heap"

type queued struct {
	ev  Event
	seq uint64
}

// lane is the FIFO of pending events for one source path.
type lane struct {
	source string
	events []queued
	busy   bool
	index  int
}

// laneHeap orders lanes by the priority of their head event, then by
// arrival. Only idle, non-empty lanes are in the heap.
type laneHeap []*lane

func (h laneHeap) Len() int { return len(h) }

func (h laneHeap) Less(i, j int) bool {
	a, b := h[i].events[0], h[j].events[0]
	if a.ev.Priority != b.ev.Priority {
		return a.ev.Priority > b.ev.Priority
	}
	return a.seq < b.seq
}

func (h laneHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *laneHeap) Push(x any) {
	l := x.(*lane)
	l.index = len(*h)
	*h = append(*h, l)
}

func (h *laneHeap) Pop() any {
	old := *h
	n := len(old)
	l := old[n-1]
	old[n-1] = nil
	l.index = -1
	*h = old[:n-1]
	return l
}

// pending holds one subscriber's undelivered events.
type pending struct {
	lanes map[string]*lane
	heap  laneHeap
	size  int
}

func newPending() *pending {
	return &pending{lanes: make(map[string]*lane)}
}

func (p *pending) push(q queued) {
	p.size++
	l, ok := p.lanes[q.ev.Source]
	if !ok {
		l = &lane{source: q.ev.Source}
		p.lanes[q.ev.Source] = l
	}
	l.events = append(l.events, q)
	if len(l.events) == 1 && !l.busy {
		heap.Push(&p.heap, l)
	}
}

// next takes the head of the best idle lane and marks the lane busy until
// done is called, so later events of the same source wait their turn.
func (p *pending) next() (*lane, queued, bool) {
	if p.heap.Len() == 0 {
		return nil, queued{}, false
	}
	l := heap.Pop(&p.heap).(*lane)
	q := l.events[0]
	l.events = l.events[1:]
	l.busy = true
	p.size--
	return l, q, true
}

func (p *pending) done(l *lane) {
	l.busy = false
	if len(l.events) > 0 {
		heap.Push(&p.heap, l)
		return
	}
	if p.lanes[l.source] == l {
		delete(p.lanes, l.source)
	}
}

// drain removes and returns every pending event in delivery order.
func (p *pending) drain() []queued {
	var out []queued
	for {
		l, q, ok := p.next()
		if !ok {
			break
		}
		out = append(out, q)
		p.done(l)
	}
	// lanes held by an in-flight delivery are not in the heap
	for src, l := range p.lanes {
		out = append(out, l.events...)
		p.size -= len(l.events)
		l.events = nil
		if !l.busy {
			delete(p.lanes, src)
		}
	}
	return out
}
