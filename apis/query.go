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
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/objtalk/broker"
	"github.com/alwitt/objtalk/common"
	"github.com/apex/log"
)

func isEventStreamRequest(r *http.Request) bool {
	return r.Header.Get("Accept") == "text/event-stream"
}

// sseEvent render one server-sent event
func sseEvent(name string, data interface{}) ([]byte, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event:%s\ndata:%s\n\n", name, encoded)), nil
}

// QueryObjects godoc
// @Summary Query objects by pattern
// @Description Fetch all objects matching a pattern. With "Accept:
// text/event-stream" this becomes a live subscription: the initial snapshot
// is sent as one event, followed by one event per notification until the
// client disconnects.
// @tags Broker
// @Produce json
// @Param pattern query string true "Object name pattern"
// @Success 200 {array} common.Object "matching objects"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /query [get]
func (h APIRestBrokerHandler) QueryObjects(w http.ResponseWriter, r *http.Request) {
	if isEventStreamRequest(r) {
		h.streamQuery(w, r)
		return
	}

	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		msg := "No pattern provided"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var objects []common.Object
	err := h.withSession(r.Context(), func(session *broker.Session) error {
		var err error
		objects, err = h.broker.Get(r.Context(), session, pattern)
		return err
	})
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch '%s'", pattern)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = httpStatusForError(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = objects
}

// QueryObjectsHandler Wrapper around QueryObjects
func (h APIRestBrokerHandler) QueryObjectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.QueryObjects(w, r)
	}
}

// streamQuery serve one live subscription as a server-sent event stream
func (h APIRestBrokerHandler) streamQuery(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		h.replyError(w, r, http.StatusBadRequest, "No pattern provided")
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		h.replyError(w, r, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	session, err := h.broker.Connect(r.Context())
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to register client session")
		h.replyError(w, r, http.StatusInternalServerError, "Unable to register client session")
		return
	}
	defer func() { _ = h.broker.Disconnect(context.Background(), session) }()

	queryID, objects, err := h.broker.Query(r.Context(), session, pattern, false)
	if err != nil {
		msg := fmt.Sprintf("Unable to subscribe to '%s'", pattern)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.replyError(w, r, httpStatusForError(err), msg)
		return
	}

	logTags := localLogTags
	logTags["pattern"] = pattern
	logTags["query"] = queryID.String()

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	if h.allowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", h.allowOrigin)
	}
	w.WriteHeader(http.StatusOK)

	writeEvent := func(name string, data interface{}) bool {
		frame, err := sseEvent(name, data)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to encode stream event")
			return true
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
		writeFlusher.Flush()
		return true
	}

	if !writeEvent("initial", map[string]interface{}{"objects": objects}) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating subscription stream on request end")
			return
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating subscription stream on server stop")
			return
		case msg, open := <-session.Inbox():
			if !open {
				log.WithFields(logTags).Info("Terminating subscription stream on session drop")
				return
			}
			alive := true
			switch m := msg.(type) {
			case broker.QueryAddMsg:
				alive = writeEvent("add", map[string]interface{}{"object": m.Object})
			case broker.QueryChangeMsg:
				alive = writeEvent("change", map[string]interface{}{"object": m.Object})
			case broker.QueryRemoveMsg:
				alive = writeEvent("remove", map[string]interface{}{"object": m.Object})
			case broker.QueryEventMsg:
				alive = writeEvent("event", map[string]interface{}{
					"object": m.Object, "event": m.Event, "data": m.Data,
				})
			}
			if !alive {
				return
			}
		}
	}
}

// replyError write a plain error response outside the deferred-response flow
func (h APIRestBrokerHandler) replyError(
	w http.ResponseWriter, r *http.Request, respCode int, msg string,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respBody := h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}
