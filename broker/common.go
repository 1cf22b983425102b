// Copyright 2022 The objtalk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker implements the objtalk broker kernel: the object registry,
// the live query table, notification fan-out, and the RPC coordinator. All
// mutations funnel through one worker loop, so each one runs to completion,
// including the enqueue of every resulting notification, before the next
// begins.
package broker

import (
	"encoding/json"

	"github.com/alwitt/objtalk/common"
	"github.com/google/uuid"
)

// Message a notification delivered through a session inbox
type Message interface {
	isBrokerMessage()
}

// QueryAddMsg an object started matching a query
type QueryAddMsg struct {
	QueryID uuid.UUID
	Object  common.Object
}

// QueryChangeMsg an object matched by a query changed value
type QueryChangeMsg struct {
	QueryID uuid.UUID
	Object  common.Object
}

// QueryRemoveMsg an object matched by a query was removed. Object carries the
// last known state.
type QueryRemoveMsg struct {
	QueryID uuid.UUID
	Object  common.Object
}

// QueryEventMsg a fire-and-forget event on an object matched by a query
type QueryEventMsg struct {
	QueryID uuid.UUID
	Object  string
	Event   string
	Data    json.RawMessage
}

// QueryInvocationMsg an RPC invocation routed to a providing query
type QueryInvocationMsg struct {
	QueryID      uuid.UUID
	InvocationID uuid.UUID
	Object       string
	Method       string
	Args         json.RawMessage
}

// InvocationResultMsg completes a parked invoke request. RequestID is the
// requester's original envelope id; transports render this message as the
// response to that request.
type InvocationResultMsg struct {
	RequestID json.RawMessage
	Result    json.RawMessage
	Err       *common.BrokerError
}

func (m QueryAddMsg) isBrokerMessage()         {}
func (m QueryChangeMsg) isBrokerMessage()      {}
func (m QueryRemoveMsg) isBrokerMessage()      {}
func (m QueryEventMsg) isBrokerMessage()       {}
func (m QueryInvocationMsg) isBrokerMessage()  {}
func (m InvocationResultMsg) isBrokerMessage() {}

// Session one connected client. Created by Broker.Connect and owned by a
// single transport session; the broker closes the inbox on disconnect.
type Session struct {
	// ID the client identity
	ID    uuid.UUID
	inbox chan Message
}

// Inbox the stream of notifications for this client. Closed on disconnect.
func (s *Session) Inbox() <-chan Message {
	return s.inbox
}
