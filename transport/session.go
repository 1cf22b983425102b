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

// Package transport carries the stateful client transports: the line
// delimited JSON TCP listener, and the session loop it shares with the
// WebSocket end-point.
package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/alwitt/objtalk/broker"
	"github.com/alwitt/objtalk/jsonrpc"
	"github.com/apex/log"
)

// Connection one framed bidirectional client connection. TCP frames are
// newline delimited; WebSocket frames are text messages.
type Connection interface {
	// ReadMessage block for the next inbound frame
	ReadMessage() ([]byte, error)
	// WriteMessage send one outbound frame
	WriteMessage(data []byte) error
	// Close tear the connection down, unblocking any pending read
	Close() error
}

// RunSession drive one client connection until it drops: decode request
// frames, dispatch them against the broker, and pump inbox notifications
// back out. Owns the connection and the broker session; both are released
// before returning.
func RunSession(
	ctxt context.Context, b broker.Broker, conn Connection, logTags log.Fields,
) {
	defer func() { _ = conn.Close() }()

	session, err := b.Connect(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register client session")
		return
	}
	logTags["client"] = session.ID.String()

	sessionCtx, cancel := context.WithCancel(ctxt)
	defer cancel()

	// responses and notifications interleave on one connection
	var writeMutex sync.Mutex
	writeFrame := func(data []byte) {
		writeMutex.Lock()
		defer writeMutex.Unlock()
		if err := conn.WriteMessage(data); err != nil {
			log.WithError(err).WithFields(logTags).Info("Connection write failed")
			cancel()
		}
	}

	// unblock the read loop when the session ends
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	var pumpDone sync.WaitGroup
	pumpDone.Add(1)
	go func() {
		defer pumpDone.Done()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case msg, ok := <-session.Inbox():
				if !ok {
					// broker dropped this client
					cancel()
					return
				}
				data, err := jsonrpc.EncodeMessage(msg)
				if err != nil {
					log.WithError(err).WithFields(logTags).Error("Unable to encode notification")
					continue
				}
				writeFrame(data)
			}
		}
	}()

	for sessionCtx.Err() == nil {
		data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var request jsonrpc.Request
		if err := json.Unmarshal(data, &request); err != nil {
			malformed, _ := json.Marshal(jsonrpc.MalformedResponse(nil))
			writeFrame(malformed)
			continue
		}
		if response := jsonrpc.Dispatch(sessionCtx, b, session, request); response != nil {
			data, err := json.Marshal(response)
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Unable to encode response")
				continue
			}
			writeFrame(data)
		}
	}

	cancel()
	if err := b.Disconnect(context.Background(), session); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to release client session")
	}
	pumpDone.Wait()
}
