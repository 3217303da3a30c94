// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"sync"
)

// Channel is an async queue usable both locally and as an argument to a
// remote call. While a channel rides a call, its Push and Close operate
// through an internal forwarding core that relays them over the transport;
// once a close is observed in either direction the local core is restored
// and the channel behaves like a plain in-process queue again.
//
// A channel may be an argument to at most one outstanding remote call at a
// time. Reusing it concurrently is undefined behavior.
type Channel struct {
	capacity int

	mu      sync.Mutex
	buf     []any
	closed  bool
	err     error
	changed chan struct{}
	binding *channelBinding
}

// channelBinding is the remote-forwarding core installed at wrap time.
type channelBinding struct {
	id      uint64
	send    func(*Message) error
	release func()
}

// NewChannel creates a channel. A capacity of 0 means unbounded; a positive
// capacity makes Push block while the local queue is full.
func NewChannel(capacity int) *Channel {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Capacity returns the configured capacity, 0 meaning unbounded.
func (ch *Channel) Capacity() int {
	return ch.capacity
}

// Len returns the number of values currently queued locally.
func (ch *Channel) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.buf)
}

// Closed reports whether the channel has been closed.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// notify wakes every blocked Push/Pop. Callers hold ch.mu.
func (ch *Channel) notify() {
	close(ch.changed)
	ch.changed = make(chan struct{})
}

// Push appends a value, or forwards it over the transport while the channel
// rides a remote call. Pushing to a closed channel returns ErrChannelClosed.
func (ch *Channel) Push(ctx context.Context, value any) error {
	for {
		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return ErrChannelClosed
		}
		if b := ch.binding; b != nil {
			ch.mu.Unlock()
			return b.send(&Message{Type: typePush, Value: value, ChannelID: b.id})
		}
		if ch.capacity == 0 || len(ch.buf) < ch.capacity {
			ch.buf = append(ch.buf, value)
			ch.notify()
			ch.mu.Unlock()
			return nil
		}
		wait := ch.changed
		ch.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes and returns the next value. It blocks until a value is
// available or the channel closes. ok is false once the channel is closed
// and drained; err then carries the close error, if any.
func (ch *Channel) Pop(ctx context.Context) (value any, ok bool, err error) {
	for {
		ch.mu.Lock()
		if len(ch.buf) > 0 {
			value = ch.buf[0]
			ch.buf = ch.buf[1:]
			ch.notify()
			ch.mu.Unlock()
			return value, true, nil
		}
		if ch.closed {
			err = ch.err
			ch.mu.Unlock()
			return nil, false, err
		}
		wait := ch.changed
		ch.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Close closes the channel. While bound to a remote call the close is
// forwarded first, then the local core is restored and closed so blocked
// consumers drain and stop.
func (ch *Channel) Close() {
	ch.closeWith(nil)
}

// CloseWithError closes the channel so that consumers observe err once the
// queue is drained.
func (ch *Channel) CloseWithError(err error) {
	ch.closeWith(err)
}

func (ch *Channel) closeWith(err error) {
	ch.mu.Lock()
	b := ch.binding
	ch.mu.Unlock()
	if b != nil {
		// Best effort: if the transport is already gone the local close
		// below still releases consumers on this side.
		_ = b.send(&Message{Type: typeClose, Error: toErrorObject(err), ChannelID: b.id})
	}
	ch.applyClose(err)
}

// applyPush enqueues a value locally, bypassing any forwarding binding. It
// replays pushes received from the other side of the transport. Values
// arriving after close are dropped, defending against late delivery.
func (ch *Channel) applyPush(value any) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.buf = append(ch.buf, value)
	ch.notify()
}

// applyClose closes the local queue and restores direct in-process behavior,
// releasing the channel's single-use-per-call binding.
func (ch *Channel) applyClose(err error) {
	ch.mu.Lock()
	b := ch.binding
	ch.binding = nil
	already := ch.closed
	if !already {
		ch.closed = true
		ch.err = err
		ch.notify()
	}
	ch.mu.Unlock()
	if b != nil && b.release != nil {
		b.release()
	}
}

// bind installs the remote-forwarding core. release runs once when the
// binding is removed.
func (ch *Channel) bind(id uint64, send func(*Message) error, release func()) {
	ch.mu.Lock()
	ch.binding = &channelBinding{id: id, send: send, release: release}
	ch.mu.Unlock()
}

// unbind removes the forwarding core without closing the channel, restoring
// plain local behavior.
func (ch *Channel) unbind() {
	ch.mu.Lock()
	b := ch.binding
	ch.binding = nil
	ch.mu.Unlock()
	if b != nil && b.release != nil {
		b.release()
	}
}

// deferredSender carries a wrapped channel's outbound messages. The binding
// is installed before Call returns, but the destination worker is only known
// after acquisition, so messages sent in between are queued and flushed, in
// order, once attach provides the real sender.
type deferredSender struct {
	mu    sync.Mutex
	dst   func(*Message) error
	queue []*Message
}

func (s *deferredSender) send(msg *Message) error {
	s.mu.Lock()
	if s.dst == nil {
		s.queue = append(s.queue, msg)
		s.mu.Unlock()
		return nil
	}
	dst := s.dst
	s.mu.Unlock()
	return dst(msg)
}

// attach flushes the queue through dst and routes subsequent sends directly.
// The lock is held across the flush so a concurrent send cannot overtake a
// queued message.
func (s *deferredSender) attach(dst func(*Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.queue {
		if err := dst(msg); err != nil {
			s.queue = nil
			return err
		}
	}
	s.queue = nil
	s.dst = dst
	return nil
}

// abort gives up on a destination and returns what was queued so the caller
// can replay it locally.
func (s *deferredSender) abort() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queue
	s.queue = nil
	return queued
}

// channelProxyType tags the serialized form of a transferred channel.
const channelProxyType = "Channel"

// channelProxy is the wire descriptor standing in for a Channel argument.
type channelProxy struct {
	Type     string `json:"@@type"`
	ID       uint64 `json:"@@id"`
	Capacity int    `json:"capacity"`
}

// asChannelProxy recognizes a channel descriptor among decoded call
// arguments, in both its typed and post-JSON map forms.
func asChannelProxy(v any) (*channelProxy, bool) {
	switch p := v.(type) {
	case *channelProxy:
		return p, true
	case channelProxy:
		return &p, true
	case map[string]any:
		if p["@@type"] != channelProxyType {
			return nil, false
		}
		proxy := &channelProxy{Type: channelProxyType}
		if id, ok := p["@@id"].(float64); ok {
			proxy.ID = uint64(id)
		} else if id, ok := p["@@id"].(uint64); ok {
			proxy.ID = id
		} else {
			return nil, false
		}
		if c, ok := p["capacity"].(float64); ok {
			proxy.Capacity = int(c)
		} else if c, ok := p["capacity"].(int); ok {
			proxy.Capacity = c
		}
		return proxy, true
	}
	return nil, false
}

// wrapChannel registers ch in the runtime's channel table and installs a
// forwarding core backed by a deferred sender, to be attached to the owning
// worker once acquisition completes.
func (rt *Runtime) wrapChannel(ch *Channel) (*channelProxy, *deferredSender) {
	id := rt.nextChannelID()
	sender := &deferredSender{}
	rt.chanMu.Lock()
	rt.channels[id] = ch
	rt.chanMu.Unlock()
	ch.bind(id, sender.send, func() {
		rt.chanMu.Lock()
		delete(rt.channels, id)
		rt.chanMu.Unlock()
	})
	return &channelProxy{Type: channelProxyType, ID: id, Capacity: ch.capacity}, sender
}

// channelApply runs fn against a registered channel, dropping messages for
// unknown channel ids.
func (rt *Runtime) channelApply(id uint64, fn func(*Channel)) {
	rt.chanMu.Lock()
	ch := rt.channels[id]
	rt.chanMu.Unlock()
	if ch != nil {
		fn(ch)
	}
}

// channelClose replays a close received from the other side.
func (rt *Runtime) channelClose(id uint64, err error) {
	rt.chanMu.Lock()
	ch := rt.channels[id]
	rt.chanMu.Unlock()
	if ch != nil {
		ch.applyClose(err)
	}
}
