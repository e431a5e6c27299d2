// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package actor

import (
	"context"
	"sync"

	"github.com/edwingeng/deque"
	"github.com/flowrt/flowrt/pkg/actor/message"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var errMailboxFull = cerrors.ErrMailboxFull.FastGenByArgs()

// ID is ID for actors.
type ID uint64

// Actor is a universal primitive of concurrent computation.
// See more https://en.wikipedia.org/wiki/Actor_model
type Actor[T any] interface {
	// Poll handles messages that are sent to actor's mailbox.
	//
	// The ctx is only for cancellation, and an actor must be aware of
	// the cancellation.
	//
	// If it returns true, then the actor will be rescheduled and polled later.
	// If it returns false, then the actor will be removed from Router and
	// polled if there are still messages in its mailbox.
	// Once it returns false, it must always return false.
	Poll(ctx context.Context, msgs []message.Message[T]) (running bool)

	// OnClose is called after Poll returns false,
	// or actor system is stopping and all message has been received.
	// An actor should release its resources during OnClose.
	//
	// OnClose must be idempotent and nonblocking.
	OnClose()
}

// Mailbox sends messages to an actor.
// Mailbox is threadsafe.
type Mailbox[T any] interface {
	ID() ID
	// Send a message to its actor.
	// It's a non-blocking send, returns ErrMailboxFull when it's full.
	Send(msg message.Message[T]) error
	// SendB sends a message to its actor, blocks when it's full.
	// It may return context.Canceled or context.DeadlineExceeded.
	SendB(ctx context.Context, msg message.Message[T]) error

	// Receive a message.
	// It must be nonblocking and should only be called by System.
	Receive() (message.Message[T], bool)

	// Return the length of a mailbox.
	// It should only be called by System.
	len() int
}

// NewMailbox creates a fixed capacity mailbox.
// The default capacity is 1024.
func NewMailbox[T any](id ID, cap int) Mailbox[T] {
	if cap <= 0 {
		cap = defaultMailboxCapacity
	}
	return &mailbox[T]{
		id: id,
		ch: make(chan message.Message[T], cap),
	}
}

var _ Mailbox[any] = (*mailbox[any])(nil)

type mailbox[T any] struct {
	id ID
	ch chan message.Message[T]
}

func (m *mailbox[T]) ID() ID {
	return m.id
}

func (m *mailbox[T]) Send(msg message.Message[T]) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		return errMailboxFull
	}
}

func (m *mailbox[T]) SendB(ctx context.Context, msg message.Message[T]) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- msg:
		return nil
	}
}

func (m *mailbox[T]) Receive() (message.Message[T], bool) {
	select {
	case msg, ok := <-m.ch:
		return msg, ok
	default:
	}
	return message.Message[T]{}, false
}

func (m *mailbox[T]) len() int {
	return len(m.ch)
}

// NewUnboundedMailbox creates a mailbox that never rejects or blocks a send.
// A warning is logged each time its backlog grows beyond warnLen.
func NewUnboundedMailbox[T any](id ID, warnLen int) Mailbox[T] {
	if warnLen <= 0 {
		warnLen = defaultMailboxCapacity
	}
	return &unboundedMailbox[T]{
		id:      id,
		warnLen: warnLen,
		queue:   deque.NewDeque(),
	}
}

var _ Mailbox[any] = (*unboundedMailbox[any])(nil)

type unboundedMailbox[T any] struct {
	id      ID
	warnLen int

	mu     sync.Mutex
	queue  deque.Deque
	warned bool
}

func (m *unboundedMailbox[T]) ID() ID {
	return m.id
}

func (m *unboundedMailbox[T]) Send(msg message.Message[T]) error {
	m.mu.Lock()
	m.queue.PushBack(msg)
	n := m.queue.Len()
	warn := n > m.warnLen && !m.warned
	if warn {
		m.warned = true
	}
	m.mu.Unlock()
	if warn {
		log.Warn("mailbox backlog is too long",
			zap.Uint64("ID", uint64(m.id)), zap.Int("length", n), zap.Int("warnLength", m.warnLen))
	}
	return nil
}

func (m *unboundedMailbox[T]) SendB(_ context.Context, msg message.Message[T]) error {
	return m.Send(msg)
}

func (m *unboundedMailbox[T]) Receive() (message.Message[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Empty() {
		return message.Message[T]{}, false
	}
	msg := m.queue.PopFront().(message.Message[T])
	if m.queue.Len() <= m.warnLen/2 {
		m.warned = false
	}
	return msg, true
}

func (m *unboundedMailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}
