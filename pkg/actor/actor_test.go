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
	"testing"
	"time"

	"github.com/flowrt/flowrt/pkg/actor/message"
	cerrors "github.com/flowrt/flowrt/pkg/errors"
	"github.com/stretchr/testify/require"
)

func receiveAll(mb Mailbox[int]) []int {
	var values []int
	for {
		msg, ok := mb.Receive()
		if !ok {
			return values
		}
		values = append(values, msg.Value)
	}
}

func TestMailboxOrder(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[int](ID(1), 4)
	require.Equal(t, ID(1), mb.ID())
	require.Empty(t, receiveAll(mb))
	for i := 1; i <= 4; i++ {
		require.Nil(t, mb.Send(message.ValueMessage(i)))
	}
	require.Equal(t, 4, mb.len())
	require.Equal(t, []int{1, 2, 3, 4}, receiveAll(mb))
	require.Equal(t, 0, mb.len())
}

func TestMailboxSendBlocking(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[int](ID(1), 1)
	require.Nil(t, mb.Send(message.ValueMessage(1)))

	sent := make(chan error, 1)
	go func() {
		sent <- mb.SendB(context.Background(), message.ValueMessage(2))
	}()
	require.Never(t, func() bool { return len(sent) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// Receiving makes room for the blocked sender.
	msg, ok := mb.Receive()
	require.True(t, ok)
	require.Equal(t, 1, msg.Value)
	require.Nil(t, <-sent)
	require.Equal(t, []int{2}, receiveAll(mb))
}

func TestMailboxSendBCanceled(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[int](ID(1), 1)
	require.Nil(t, mb.Send(message.ValueMessage(1)))

	ctx, cancel := context.WithCancel(context.Background())
	sent := make(chan error, 1)
	go func() {
		sent <- mb.SendB(ctx, message.ValueMessage(2))
	}()
	cancel()
	select {
	case err := <-sent:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("SendB ignores the canceled context")
	}
	require.Equal(t, []int{1}, receiveAll(mb))
}

func TestMailboxFullError(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[int](ID(2), 1)
	require.Nil(t, mb.Send(message.ValueMessage(1)))
	err := mb.Send(message.ValueMessage(2))
	require.True(t, cerrors.ErrMailboxFull.Equal(err))
}

func TestMailboxDefaultCapacity(t *testing.T) {
	t.Parallel()

	mb := NewMailbox[int](ID(3), 0)
	for i := 0; i < defaultMailboxCapacity; i++ {
		require.Nil(t, mb.Send(message.ValueMessage(i)))
	}
	require.Error(t, mb.Send(message.ValueMessage(0)))
	require.Equal(t, defaultMailboxCapacity, mb.len())
}

func TestUnboundedMailbox(t *testing.T) {
	t.Parallel()

	mb := NewUnboundedMailbox[int](ID(4), 2)
	require.Equal(t, ID(4), mb.ID())
	require.Empty(t, receiveAll(mb))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3*defaultMailboxCapacity; i++ {
		if i%2 == 0 {
			require.Nil(t, mb.Send(message.ValueMessage(i)))
		} else {
			require.Nil(t, mb.SendB(ctx, message.ValueMessage(i)))
		}
	}
	require.Equal(t, 3*defaultMailboxCapacity, mb.len())

	values := receiveAll(mb)
	require.Len(t, values, 3*defaultMailboxCapacity)
	for i, v := range values {
		require.Equal(t, i, v)
	}
	require.Equal(t, 0, mb.len())

	// The mailbox is still usable once drained.
	require.Nil(t, mb.Send(message.ValueMessage(7)))
	require.Equal(t, []int{7}, receiveAll(mb))
}
