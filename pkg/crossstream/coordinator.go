// Package crossstream lets a scalar-estimate request and the heatmap pipelines
// for the same subject take turns on the upstream data source.
//
// Each subject gets its own Coordinator from a Hub. The estimate side calls
// Start before it dispatches and Done when it finishes; heatmap pipelines
// subscribe and yield while the subject is busy. Listeners run synchronously
// inside Start and Done, so by the time Start returns every subscribed
// pipeline has already stood down.
package crossstream

import "sync"

// Event is broadcast on Idle/Busy transitions.
type Event int

const (
	EventStart Event = iota
	EventDone
)

func (e Event) String() string {
	if e == EventStart {
		return "start"
	}
	return "done"
}

// Listener receives transitions. It may call Busy but must not call Start or
// Done on the same coordinator.
type Listener func(Event)

// Hub hands out one Coordinator per subject id.
type Hub struct {
	mu       sync.Mutex
	subjects map[string]*Coordinator
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subjects: make(map[string]*Coordinator)}
}

// For returns the coordinator for subjectID, creating it on first use.
func (h *Hub) For(subjectID string) *Coordinator {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.subjects[subjectID]
	if !ok {
		c = &Coordinator{subject: subjectID, listeners: make(map[uint64]Listener)}
		h.subjects[subjectID] = c
	}
	return c
}

// Coordinator is the Idle/Busy flag for one subject. Overlapping Start calls
// nest: the subject stays busy until the matching number of Done calls.
type Coordinator struct {
	subject string

	emit sync.Mutex // serialises transitions with their broadcast

	mu        sync.Mutex
	inflight  int
	listeners map[uint64]Listener
	nextID    uint64
}

// Subject returns the subject id this coordinator guards.
func (c *Coordinator) Subject() string { return c.subject }

// Subscribe registers l and returns a func that removes it.
func (c *Coordinator) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Busy reports whether an estimate is in flight.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight > 0
}

// Start marks the subject busy. Listeners see EventStart on the Idle to Busy
// transition and have all returned before Start does.
func (c *Coordinator) Start() {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	c.inflight++
	first := c.inflight == 1
	ls := c.snapshot()
	c.mu.Unlock()

	if first {
		broadcast(ls, EventStart)
	}
}

// Done releases one Start. A Done without a pending Start is ignored.
func (c *Coordinator) Done() {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	if c.inflight == 0 {
		c.mu.Unlock()
		return
	}
	c.inflight--
	last := c.inflight == 0
	ls := c.snapshot()
	c.mu.Unlock()

	if last {
		broadcast(ls, EventDone)
	}
}

func (c *Coordinator) snapshot() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}

func broadcast(ls []Listener, ev Event) {
	for _, l := range ls {
		l(ev)
	}
}
