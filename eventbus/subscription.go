package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/NetCVGuy/ScanFetch/pkg/buffer"
)

// initialQueue is the starting size of a subscriber queue before growth.
const initialQueue = 64

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus *Bus
	id  uint64

	queue  buffer.Buffer[Event]
	notify chan struct{}
	out    chan Event
	done   chan struct{}

	closeOnce sync.Once
	dropped   int64
}

func newSubscription(bus *Bus, id uint64, maxPending int) (*Subscription, error) {
	s := &Subscription{
		bus:    bus,
		id:     id,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}

	queue, err := buffer.NewCircularBuffer[Event](initialQueue,
		buffer.WithGrowth[Event](maxPending),
		buffer.WithDropCallback[Event](func(Event) { atomic.AddInt64(&s.dropped, 1) }),
	)
	if err != nil {
		return nil, err
	}
	s.queue = queue
	return s, nil
}

// C delivers events in publish order. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// ID identifies the subscription within its bus.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Dropped counts events discarded because MaxPending was exceeded.
func (s *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	return s.queue.Size()
}

// Close detaches the subscription from the bus. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.queue.Close()
		s.bus.unsubscribe(s.id)
	})
}

func (s *Subscription) enqueue(ev Event) {
	if err := s.queue.Write(ev); err != nil {
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		for {
			ev, ok := s.queue.Read()
			if !ok {
				break
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
