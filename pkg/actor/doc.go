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

// Package actor provides a small actor system used by the dataflow runtime.
// A System polls many actors concurrently with a fixed number of workers.
//
// Each actor owns a Mailbox. Router.Send puts a message into the mailbox and
// schedules the actor's proc into the ready queue, unless the proc is already
// queued or being polled. A worker takes procs from the ready queue, drains a
// batch of messages from each mailbox and calls Actor.Poll. An actor is
// polled by at most one worker at a time, so Poll never runs concurrently
// with itself and actors need no locking of their own state.
//
//	Router.Send -> Mailbox.Send -> ready.schedule(proc)
//	                                     |
//	System.poll <- ready.batchReceiveProcs
//	     |
//	     +-> Mailbox.Receive (batch) -> Actor.Poll(msgs)
//
// When Poll returns false the actor is removed from its router and
// OnClose is called. Stopping the system closes the remaining actors.
package actor
