package session

import "sync"

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventProfileUpdated
	EventLoginFailed
	EventStatsUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventProfileUpdated:
		return "profile_updated"
	case EventLoginFailed:
		return "login_failed"
	case EventStatsUpdated:
		return "stats_updated"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	// Reason carries the provider's error code for EventLoginFailed.
	Reason string
}

// Observer must not block; it runs on the goroutine that caused the event.
type Observer func(Event)

type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]Observer
}

func (o *observers) add(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) notify(ev Event) {
	o.mu.Lock()
	fns := make([]Observer, 0, len(o.fns))
	for i := 0; i < o.next; i++ {
		if fn, ok := o.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
