package ledger

import (
	"encoding/json"
	"sync"
	"time"

	"farm-ledger/internal/models"

	"github.com/google/uuid"
)

// EventLog is the append-only record of accepted transitions. Readers only
// ever receive copies, so history cannot be altered from outside.
type EventLog struct {
	entries []models.LedgerEvent
	now     func() time.Time
}

// NewEventLog creates an empty log
func NewEventLog() *EventLog {
	return &EventLog{now: time.Now}
}

func (l *EventLog) append(tx TxContext, eventType string, payload json.RawMessage) {
	l.entries = append(l.entries, models.LedgerEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: l.now(),
		},
		Sequence: uint64(len(l.entries)) + 1,
		Height:   tx.Height,
		TxHash:   tx.Hash,
		Payload:  payload,
	})
}

func (l *EventLog) from(start int) []models.LedgerEvent {
	out := make([]models.LedgerEvent, 0, len(l.entries)-start)
	for _, e := range l.entries[start:] {
		out = append(out, e.Clone())
	}
	return out
}

// Len returns the number of recorded events
func (l *EventLog) Len() int {
	return len(l.entries)
}

// Since returns up to limit events with Sequence > after (limit <= 0 means all)
func (l *EventLog) Since(after uint64, limit int) []models.LedgerEvent {
	if after >= uint64(len(l.entries)) {
		return []models.LedgerEvent{}
	}
	out := l.from(int(after))
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Feed fans committed events out to subscribers. Publishing never blocks:
// every subscription has its own backlog drained by a pump goroutine, so a
// slow reader delays only itself and still receives every event in order.
type Feed struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewFeed creates a feed with no subscribers
func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]*Subscription)}
}

// Subscription receives events on C until Unsubscribe is called, after
// which C is closed.
type Subscription struct {
	C <-chan models.LedgerEvent

	feed *Feed
	id   uint64
	out  chan models.LedgerEvent

	mu      sync.Mutex
	backlog []models.LedgerEvent
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Subscribe registers a new subscription with an output buffer of size buffer
func (f *Feed) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	out := make(chan models.LedgerEvent, buffer)
	s := &Subscription{
		C:      out,
		feed:   f,
		out:    out,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.once.Do(func() { close(s.done) })
		close(out)
		return s
	}
	f.nextID++
	s.id = f.nextID
	f.subs[s.id] = s
	f.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers events to every current subscriber
func (f *Feed) Publish(events ...models.LedgerEvent) {
	if len(events) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.enqueue(events)
	}
}

// Len returns the number of live subscriptions
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close unsubscribes everyone and rejects future subscriptions
func (f *Feed) Close() {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.closed = true
	f.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

// Unsubscribe detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.feed.remove(s.id)
		close(s.done)
	})
}

func (s *Subscription) enqueue(events []models.LedgerEvent) {
	s.mu.Lock()
	for _, e := range events {
		s.backlog = append(s.backlog, e.Clone())
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.backlog) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.backlog[0]
			s.backlog = s.backlog[1:]
			s.mu.Unlock()

			select {
			case s.out <- next:
			case <-s.done:
				return
			}
		}
	}
}
