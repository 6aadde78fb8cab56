package bus

import (
	"sync"

	"github.com/reggie-ai/reggie/pkg/events"
)

const tapBuffer = 64

// Subscriber is a named tap on a message stream. Multiple subscribers can
// independently consume the same published messages (fan-out).
type Subscriber struct {
	Name string
	ch   chan interface{} // receives copies of published messages
}

// MessageBus fans gateway traffic out to observers. Publishing never blocks:
// a slow subscriber loses messages instead of stalling the dispatcher.
type MessageBus struct {
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	inboundSubs  []*Subscriber
	outboundSubs []*Subscriber
	systemSubs   []*Subscriber
}

func NewMessageBus() *MessageBus {
	return &MessageBus{}
}

// --- Fan-out subscriptions ---

// SubscribeInboundTap creates a named subscriber that receives copies of all
// inbound messages. The returned channel is buffered; slow consumers drop.
func (mb *MessageBus) SubscribeInboundTap(name string) <-chan interface{} {
	return mb.subscribe(&mb.inboundSubs, name)
}

// SubscribeOutboundTap creates a named subscriber for outbound messages.
func (mb *MessageBus) SubscribeOutboundTap(name string) <-chan interface{} {
	return mb.subscribe(&mb.outboundSubs, name)
}

// SubscribeSystem creates a named subscriber for system events.
func (mb *MessageBus) SubscribeSystem(name string) <-chan interface{} {
	return mb.subscribe(&mb.systemSubs, name)
}

func (mb *MessageBus) subscribe(subs *[]*Subscriber, name string) <-chan interface{} {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan interface{}, tapBuffer)}
	if mb.closed {
		close(sub.ch)
		return sub.ch
	}
	*subs = append(*subs, sub)
	return sub.ch
}

// --- Publishing ---

// PublishInbound publishes an accepted envelope to all inbound taps.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.fanOut(streamInbound, msg)
}

// PublishOutbound publishes a posted reply to all outbound taps.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.fanOut(streamOutbound, msg)
}

// PublishSystem publishes a system event to all system subscribers.
func (mb *MessageBus) PublishSystem(event events.Event) {
	mb.fanOut(streamSystem, event)
}

type stream int

const (
	streamInbound stream = iota
	streamOutbound
	streamSystem
)

func (mb *MessageBus) fanOut(s stream, msg interface{}) {
	if mb == nil {
		return
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	var subs []*Subscriber
	switch s {
	case streamInbound:
		subs = mb.inboundSubs
	case streamOutbound:
		subs = mb.outboundSubs
	case streamSystem:
		subs = mb.systemSubs
	}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default: // non-blocking, drop if subscriber is slow
		}
	}
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		mb.closed = true
		for _, subs := range [][]*Subscriber{mb.inboundSubs, mb.outboundSubs, mb.systemSubs} {
			for _, sub := range subs {
				close(sub.ch)
			}
		}
	})
}
