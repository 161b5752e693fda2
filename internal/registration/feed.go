package registration

import "sync"

// Feed fans processed outcomes out to subscribers. Slow subscribers miss
// events instead of blocking the worker.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Outcome
	closed bool
}

func NewFeed() *Feed {
	return &Feed{subs: map[int]chan Outcome{}}
}

// Subscribe returns a channel of outcomes and a cancel func that closes it.
func (f *Feed) Subscribe(buffer int) (<-chan Outcome, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Outcome, buffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Publish sends the outcome without its message, which can echo
// registrant details.
func (f *Feed) Publish(outcome Outcome) {
	outcome.Message = ""
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- outcome:
		default:
		}
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
