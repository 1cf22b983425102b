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
	"io"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/objtalk/broker"
	"github.com/alwitt/objtalk/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestBrokerHandler REST handler for the broker's stateless HTTP surface
// plus the WebSocket and SSE streaming end-points
type APIRestBrokerHandler struct {
	goutils.RestAPIHandler
	broker      broker.Broker
	validate    *validator.Validate
	baseContext context.Context
	allowOrigin string
	wsUpgrader  websocket.Upgrader
	wg          *sync.WaitGroup
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	baseContext context.Context,
	brokerCore broker.Broker,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIRestBrokerHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "broker-api",
	}
	return APIRestBrokerHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		broker:      brokerCore,
		validate:    validator.New(),
		baseContext: baseContext,
		allowOrigin: httpConfig.AllowOrigin,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wg: wg,
	}, nil
}

// withSession run one request against a short lived broker session
func (h APIRestBrokerHandler) withSession(
	ctxt context.Context, operate func(session *broker.Session) error,
) error {
	session, err := h.broker.Connect(ctxt)
	if err != nil {
		return err
	}
	defer func() { _ = h.broker.Disconnect(context.Background(), session) }()
	return operate(session)
}

// readJSONBody fetch the request body, insisting it is valid JSON
func readJSONBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	return data, nil
}

// =======================================================================
// Object read / write

// GetObject godoc
// @Summary Fetch one object
// @Description Fetch the single object a pattern names. 404 unless the
// pattern matches exactly one object.
// @tags Broker
// @Produce json
// @Param name path string true "Object name or pattern"
// @Success 200 {object} common.Object "the object"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /objects/{name} [get]
func (h APIRestBrokerHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	name, ok := mux.Vars(r)["name"]
	if !ok {
		msg := "No object name provided"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var objects []common.Object
	err := h.withSession(r.Context(), func(session *broker.Session) error {
		var err error
		objects, err = h.broker.Get(r.Context(), session, name)
		return err
	})
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch '%s'", name)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = httpStatusForError(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if len(objects) != 1 {
		msg := "not found"
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = objects[0]
}

// GetObjectHandler Wrapper around GetObject
func (h APIRestBrokerHandler) GetObjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetObject(w, r)
	}
}

// -----------------------------------------------------------------------

// SetObject godoc
// @Summary Store an object
// @Description Store the request body as the value of the named object,
// replacing any previous value.
// @tags Broker
// @Accept json
// @Produce json
// @Param name path string true "Object name"
// @Param value body string true "New JSON value"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /objects/{name} [post]
func (h APIRestBrokerHandler) SetObject(w http.ResponseWriter, r *http.Request) {
	h.writeObject(w, r, "set")
}

// SetObjectHandler Wrapper around SetObject
func (h APIRestBrokerHandler) SetObjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SetObject(w, r)
	}
}

// PatchObject godoc
// @Summary Merge into an object
// @Description Shallow merge the request body into the named object's value.
// @tags Broker
// @Accept json
// @Produce json
// @Param name path string true "Object name"
// @Param value body string true "JSON value to merge"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /objects/{name} [patch]
func (h APIRestBrokerHandler) PatchObject(w http.ResponseWriter, r *http.Request) {
	h.writeObject(w, r, "patch")
}

// PatchObjectHandler Wrapper around PatchObject
func (h APIRestBrokerHandler) PatchObjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PatchObject(w, r)
	}
}

func (h APIRestBrokerHandler) writeObject(
	w http.ResponseWriter, r *http.Request, operation string,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	name, ok := mux.Vars(r)["name"]
	if !ok {
		msg := "No object name provided"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	value, err := readJSONBody(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	err = h.withSession(r.Context(), func(session *broker.Session) error {
		if operation == "patch" {
			return h.broker.Patch(r.Context(), session, name, value)
		}
		return h.broker.Set(r.Context(), session, name, value)
	})
	if err != nil {
		msg := fmt.Sprintf("Unable to %s '%s'", operation, name)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = httpStatusForError(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// -----------------------------------------------------------------------

// DeleteObject godoc
// @Summary Remove an object
// @Description Remove the named object. 404 when it did not exist.
// @tags Broker
// @Produce json
// @Param name path string true "Object name"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /objects/{name} [delete]
func (h APIRestBrokerHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	name, ok := mux.Vars(r)["name"]
	if !ok {
		msg := "No object name provided"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var existed bool
	err := h.withSession(r.Context(), func(session *broker.Session) error {
		var err error
		existed, err = h.broker.Remove(r.Context(), session, name)
		return err
	})
	if err != nil {
		msg := fmt.Sprintf("Unable to remove '%s'", name)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = httpStatusForError(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if !existed {
		msg := "not found"
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteObjectHandler Wrapper around DeleteObject
func (h APIRestBrokerHandler) DeleteObjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteObject(w, r)
	}
}

// =======================================================================
// Events

// EmitBodyRequest request body for the emit end-point
type EmitBodyRequest struct {
	// Event the event name
	Event string `json:"event" validate:"required"`
	// Data the event payload
	Data json.RawMessage `json:"data"`
}

// EmitEvent godoc
// @Summary Emit an event on an object
// @Description Deliver a fire-and-forget event to all subscribers matching
// the named object.
// @tags Broker
// @Accept json
// @Produce json
// @Param object path string true "Object name"
// @Param event body EmitBodyRequest true "Event name and payload"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /events/{object} [post]
func (h APIRestBrokerHandler) EmitEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	object, ok := mux.Vars(r)["object"]
	if !ok {
		msg := "No object name provided"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	var body EmitBodyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	err := h.withSession(r.Context(), func(session *broker.Session) error {
		return h.broker.Emit(r.Context(), session, object, body.Event, body.Data)
	})
	if err != nil {
		msg := fmt.Sprintf("Unable to emit '%s' on '%s'", body.Event, object)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = httpStatusForError(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// EmitEventHandler Wrapper around EmitEvent
func (h APIRestBrokerHandler) EmitEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EmitEvent(w, r)
	}
}

// =======================================================================
// RPC

// InvokeBodyRequest request body for the invoke end-point
type InvokeBodyRequest struct {
	// Method the method to invoke
	Method string `json:"method" validate:"required"`
	// Args the invocation arguments
	Args json.RawMessage `json:"args"`
}

// InvokeMethod godoc
// @Summary Invoke a method on an object
// @Description Route an RPC invocation to the object's provider. The
// response streams back once the provider answers; the request fails with
// ProviderDisconnected if the provider vanishes first.
// @tags Broker
// @Accept json
// @Produce json
// @Param object path string true "Object name"
// @Param invocation body InvokeBodyRequest true "Method and arguments"
// @Success 200 {string} string "the provider's result"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /invoke/{object} [post]
func (h APIRestBrokerHandler) InvokeMethod(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	object, ok := mux.Vars(r)["object"]
	if !ok {
		msg := "No object name provided"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	var body InvokeBodyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	session, err := h.broker.Connect(r.Context())
	if err != nil {
		msg := "Unable to register client session"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer func() { _ = h.broker.Disconnect(context.Background(), session) }()

	if err := h.broker.Invoke(
		r.Context(), session, object, body.Method, body.Args, nil,
	); err != nil {
		msg := fmt.Sprintf("Unable to invoke '%s' on '%s'", body.Method, object)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = httpStatusForError(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	// the invocation is parked; its outcome arrives on the session inbox
	for {
		select {
		case <-r.Context().Done():
			msg := "Request closed before the provider answered"
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return
		case <-h.baseContext.Done():
			msg := "Server stopping"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
			return
		case msg, open := <-session.Inbox():
			if !open {
				failMsg := "Session dropped before the provider answered"
				respCode = http.StatusInternalServerError
				respBody = h.GetStdRESTErrorMsg(
					r.Context(), http.StatusInternalServerError, failMsg, failMsg,
				)
				return
			}
			outcome, isResult := msg.(broker.InvocationResultMsg)
			if !isResult {
				continue
			}
			if outcome.Err != nil {
				failMsg := fmt.Sprintf("Invocation of '%s' on '%s' failed", body.Method, object)
				respCode = http.StatusBadRequest
				respBody = h.GetStdRESTErrorMsg(
					r.Context(), http.StatusBadRequest, failMsg, outcome.Err.Error(),
				)
				return
			}
			respCode = http.StatusOK
			respBody = outcome.Result
			return
		}
	}
}

// InvokeMethodHandler Wrapper around InvokeMethod
func (h APIRestBrokerHandler) InvokeMethodHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.InvokeMethod(w, r)
	}
}
