package pubsub

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/alimasry/otsync/store"
)

// Message is one item delivered on a Stream: a published op, or an error
// raised while preparing it for this subscriber.
type Message struct {
	Op  *store.Op
	Err error
}

// Filter rewrites an op for one subscriber before delivery. Returning a nil
// op drops it; returning an error delivers the error instead.
type Filter func(op *store.Op) (*store.Op, error)

// StreamOption configures a Stream at subscribe time.
type StreamOption func(*Stream)

// WithFilter runs f on every op before it reaches the stream's reader.
func WithFilter(f Filter) StreamOption {
	return func(s *Stream) { s.filter = f }
}

// Stream is an ordered, unbounded queue of ops published to one channel.
// Pushing never blocks; the reader drains C() at its own pace.
type Stream struct {
	ID      string
	Channel string

	filter    Filter
	onDestroy func()

	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	out    chan Message
	done   chan struct{}
	once   sync.Once
}

func newStream(channel string, onDestroy func(), opts ...StreamOption) *Stream {
	s := &Stream{
		ID:        ulid.Make().String(),
		Channel:   channel,
		onDestroy: onDestroy,
		notify:    make(chan struct{}, 1),
		out:       make(chan Message),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.pump()
	return s
}

// C returns the delivery channel. It is closed after Destroy.
func (s *Stream) C() <-chan Message { return s.out }

// push enqueues a private copy of op.
func (s *Stream) push(op *store.Op) {
	s.enqueue(Message{Op: op.Clone()})
}

// PushError delivers err to the reader in order with ops.
func (s *Stream) PushError(err error) {
	s.enqueue(Message{Err: err})
}

func (s *Stream) enqueue(msg Message) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if msg.Op != nil && s.filter != nil {
			op, err := s.filter(msg.Op)
			switch {
			case err != nil:
				msg = Message{Err: err}
			case op == nil:
				continue
			default:
				msg.Op = op
			}
		}

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

// Destroy stops delivery, closes C() and releases the subscription.
// It is safe to call more than once.
func (s *Stream) Destroy() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.queue = nil
		s.mu.Unlock()
		if s.onDestroy != nil {
			s.onDestroy()
		}
	})
}

// Done is closed once the stream is destroyed.
func (s *Stream) Done() <-chan struct{} { return s.done }
