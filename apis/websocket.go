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

package apis

import (
	"net/http"

	"github.com/alwitt/objtalk/transport"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// wsConnection adapts a gorilla WebSocket connection to the shared session
// loop. Non-text frames are skipped; control frames are handled by gorilla.
type wsConnection struct {
	conn *websocket.Conn
}

// ReadMessage block for the next inbound text frame
func (c *wsConnection) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// WriteMessage send one outbound text frame
func (c *wsConnection) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tear the connection down
func (c *wsConnection) Close() error {
	return c.conn.Close()
}

// ServeWebsocket godoc
// @Summary WebSocket end-point
// @Description Upgrade the connection and speak the request / response /
// notification protocol over text frames, one JSON document per frame.
// @tags Broker
// @Success 101 {string} string "upgraded"
// @Failure 400 {string} string "error"
// @Router / [get]
func (h APIRestBrokerHandler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := h.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	sessionTags := log.Fields{
		"module": "rest", "component": "websocket-session",
		"remote": conn.RemoteAddr().String(),
	}
	transport.RunSession(h.baseContext, h.broker, &wsConnection{conn: conn}, sessionTags)
}

// ServeWebsocketHandler Wrapper around ServeWebsocket
func (h APIRestBrokerHandler) ServeWebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebsocket(w, r)
	}
}
