package bus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process deployments.
type MemoryBus struct {
	config Config

	// mu guards subscription lists. Deliveries hold it, so a channel is
	// never closed while a send is in progress.
	mu     sync.RWMutex
	subs   []*memorySub
	queues map[string][]*memorySub // queue -> members
	rr     map[string]int          // queue -> next member
	closed atomic.Bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  atomic.Uint64
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  bool // guarded by bus.mu
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config:    cfg,
		queues:    make(map[string][]*memorySub),
		rr:        make(map[string]int),
		replySubs: make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}
	if b.deliverToReply(subject, msg) {
		return nil
	}
	b.deliver(msg)
	return nil
}

// deliver fans msg out to plain subscribers and one member per queue group.
// It returns how many subscriptions accepted the message.
func (b *MemoryBus) deliver(msg *Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.closed && MatchSubject(sub.subject, msg.Subject) {
			select {
			case sub.ch <- msg:
				delivered++
			default:
				// Buffer full, drop message
			}
		}
	}

	for queue, members := range b.queues {
		var matching []*memorySub
		for _, sub := range members {
			if !sub.closed && MatchSubject(sub.subject, msg.Subject) {
				matching = append(matching, sub)
			}
		}
		if len(matching) == 0 {
			continue
		}
		start := b.rr[queue]
		b.rr[queue] = start + 1
		for i := range matching {
			sub := matching[(start+i)%len(matching)]
			select {
			case sub.ch <- msg:
				delivered++
			default:
				continue
			}
			break
		}
	}
	return delivered
}

func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg // buffered, single use
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if queue == "" {
		b.subs = append(b.subs, sub)
	} else {
		b.queues[queue] = append(b.queues[queue], sub)
	}
	return sub, nil
}

// Request sends a request and waits for the first reply.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := "_INBOX." + strconv.FormatUint(b.replySeq.Add(1), 10)
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	cleanup := func() {
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
	}

	if b.deliver(&Message{Subject: subject, Data: data, Reply: replySubject}) == 0 {
		cleanup()
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		cleanup()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.close()
	}
	for _, members := range b.queues {
		for _, sub := range members {
			sub.close()
		}
	}
	b.subs = nil
	b.queues = nil
	return nil
}

// close must be called with bus.mu held.
func (s *memorySub) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.queue == "" {
		b.subs = removeSub(b.subs, s)
	} else if b.queues != nil {
		b.queues[s.queue] = removeSub(b.queues[s.queue], s)
	}
	s.close()
	return nil
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
