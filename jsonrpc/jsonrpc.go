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

// Package jsonrpc implements the request / response / notification envelope
// shared by the TCP and WebSocket transports.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/objtalk/broker"
	"github.com/alwitt/objtalk/common"
	"github.com/google/uuid"
)

// Request one decoded request envelope: { "id": ..., "type": ..., ...params }.
// Which parameter fields are meaningful depends on Type.
type Request struct {
	// ID the caller's request id, echoed verbatim on the response
	ID json.RawMessage `json:"id,omitempty"`
	// Type the request type
	Type string `json:"type"`

	Name         string          `json:"name,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	Pattern      string          `json:"pattern,omitempty"`
	ProvideRPC   bool            `json:"provideRpc,omitempty"`
	QueryID      *uuid.UUID      `json:"queryId,omitempty"`
	Object       string          `json:"object,omitempty"`
	Event        string          `json:"event,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Method       string          `json:"method,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	InvocationID *uuid.UUID      `json:"invocationId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Response one response envelope. Exactly one of Result and Error is set.
type Response struct {
	// RequestID echoes the request's id
	RequestID json.RawMessage `json:"requestId"`
	// Result the operation result
	Result interface{} `json:"result,omitempty"`
	// Error the stable error tag
	Error string `json:"error,omitempty"`
}

// SuccessResult result body for acknowledged mutations
type SuccessResult struct {
	Success bool `json:"success"`
}

// GetResult result body for get
type GetResult struct {
	Objects []common.Object `json:"objects"`
}

// QuerySnapshot result body for query
type QuerySnapshot struct {
	QueryID uuid.UUID       `json:"queryId"`
	Objects []common.Object `json:"objects"`
}

// RemoveResult result body for remove
type RemoveResult struct {
	Existed bool `json:"existed"`
}

// ErrorResponse build a response carrying an error's stable tag
func ErrorResponse(requestID json.RawMessage, err error) *Response {
	return &Response{RequestID: requestID, Error: string(common.KindOf(err))}
}

// MalformedResponse build the response for an undecodable or unusable request
func MalformedResponse(requestID json.RawMessage) *Response {
	return &Response{
		RequestID: requestID, Error: string(common.ErrorKindMalformedRequest),
	}
}

// Dispatch process one request against the broker on behalf of a session.
// Returns nil when the request was parked (invoke): its response is produced
// later, when an InvocationResultMsg for it arrives on the session inbox.
func Dispatch(
	ctxt context.Context, b broker.Broker, session *broker.Session, request Request,
) *Response {
	switch request.Type {
	case "set":
		if err := b.Set(ctxt, session, request.Name, request.Value); err != nil {
			return ErrorResponse(request.ID, err)
		}
		return &Response{RequestID: request.ID, Result: SuccessResult{Success: true}}

	case "patch":
		if err := b.Patch(ctxt, session, request.Name, request.Value); err != nil {
			return ErrorResponse(request.ID, err)
		}
		return &Response{RequestID: request.ID, Result: SuccessResult{Success: true}}

	case "get":
		objects, err := b.Get(ctxt, session, request.Pattern)
		if err != nil {
			return ErrorResponse(request.ID, err)
		}
		return &Response{RequestID: request.ID, Result: GetResult{Objects: objects}}

	case "query":
		queryID, objects, err := b.Query(ctxt, session, request.Pattern, request.ProvideRPC)
		if err != nil {
			return ErrorResponse(request.ID, err)
		}
		return &Response{
			RequestID: request.ID,
			Result:    QuerySnapshot{QueryID: queryID, Objects: objects},
		}

	case "unsubscribe":
		if request.QueryID == nil {
			return MalformedResponse(request.ID)
		}
		if err := b.Unsubscribe(ctxt, session, *request.QueryID); err != nil {
			return ErrorResponse(request.ID, err)
		}
		return &Response{RequestID: request.ID, Result: SuccessResult{Success: true}}

	case "remove":
		existed, err := b.Remove(ctxt, session, request.Name)
		if err != nil {
			return ErrorResponse(request.ID, err)
		}
		return &Response{RequestID: request.ID, Result: RemoveResult{Existed: existed}}

	case "emit":
		if err := b.Emit(ctxt, session, request.Object, request.Event, request.Data); err != nil {
			return ErrorResponse(request.ID, err)
		}
		return &Response{RequestID: request.ID, Result: SuccessResult{Success: true}}

	case "invoke":
		if err := b.Invoke(
			ctxt, session, request.Object, request.Method, request.Args, request.ID,
		); err != nil {
			return ErrorResponse(request.ID, err)
		}
		// parked; the requester's answer arrives through the session inbox
		return nil

	case "invokeResult":
		if request.InvocationID == nil {
			return MalformedResponse(request.ID)
		}
		if err := b.InvokeResult(ctxt, session, *request.InvocationID, request.Result); err != nil {
			return ErrorResponse(request.ID, err)
		}
		return &Response{RequestID: request.ID, Result: SuccessResult{Success: true}}

	default:
		return MalformedResponse(request.ID)
	}
}

// ========================================================================================
// Notification encoding

type queryAddNotification struct {
	Type    string        `json:"type"`
	QueryID uuid.UUID     `json:"queryId"`
	Object  common.Object `json:"object"`
}

type queryChangeNotification struct {
	Type    string        `json:"type"`
	QueryID uuid.UUID     `json:"queryId"`
	Object  common.Object `json:"object"`
}

type queryRemoveNotification struct {
	Type    string        `json:"type"`
	QueryID uuid.UUID     `json:"queryId"`
	Object  common.Object `json:"object"`
}

type queryEventNotification struct {
	Type    string          `json:"type"`
	QueryID uuid.UUID       `json:"queryId"`
	Object  string          `json:"object"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type queryInvocationNotification struct {
	Type         string          `json:"type"`
	QueryID      uuid.UUID       `json:"queryId"`
	InvocationID uuid.UUID       `json:"invocationId"`
	Object       string          `json:"object"`
	Method       string          `json:"method"`
	Args         json.RawMessage `json:"args"`
}

// EncodeMessage render a broker inbox message as its wire JSON. Query
// notifications become type-tagged event envelopes; an invocation result
// becomes the response envelope of the requester's original invoke request.
func EncodeMessage(msg broker.Message) ([]byte, error) {
	switch m := msg.(type) {
	case broker.QueryAddMsg:
		return json.Marshal(&queryAddNotification{
			Type: "queryAdd", QueryID: m.QueryID, Object: m.Object,
		})
	case broker.QueryChangeMsg:
		return json.Marshal(&queryChangeNotification{
			Type: "queryChange", QueryID: m.QueryID, Object: m.Object,
		})
	case broker.QueryRemoveMsg:
		return json.Marshal(&queryRemoveNotification{
			Type: "queryRemove", QueryID: m.QueryID, Object: m.Object,
		})
	case broker.QueryEventMsg:
		return json.Marshal(&queryEventNotification{
			Type: "queryEvent", QueryID: m.QueryID, Object: m.Object, Event: m.Event, Data: m.Data,
		})
	case broker.QueryInvocationMsg:
		return json.Marshal(&queryInvocationNotification{
			Type:         "queryInvocation",
			QueryID:      m.QueryID,
			InvocationID: m.InvocationID,
			Object:       m.Object,
			Method:       m.Method,
			Args:         m.Args,
		})
	case broker.InvocationResultMsg:
		response := Response{RequestID: m.RequestID}
		if m.Err != nil {
			response.Error = string(m.Err.Kind)
		} else {
			response.Result = m.Result
		}
		return json.Marshal(&response)
	default:
		return nil, fmt.Errorf("unknown broker message type %T", msg)
	}
}
