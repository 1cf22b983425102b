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

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/objtalk/common"
	"github.com/stretchr/testify/assert"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	body   []byte
}

func defineStubServer(
	t *testing.T, status int, respond interface{},
) (*httptest.Server, *recordedRequest) {
	recorded := &recordedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorded.method = r.Method
		recorded.path = r.URL.Path
		recorded.query = r.URL.RawQuery
		body, err := io.ReadAll(r.Body)
		assert.Nil(t, err)
		recorded.body = body
		w.WriteHeader(status)
		if respond != nil {
			_ = json.NewEncoder(w).Encode(respond)
		}
	}))
	return server, recorded
}

func TestClientGet(t *testing.T) {
	assert := assert.New(t)

	objects := []common.Object{
		{Name: "a", Value: json.RawMessage(`1`), LastModified: time.Now().UTC()},
	}
	server, recorded := defineStubServer(t, http.StatusOK, objects)
	defer server.Close()

	uut, err := GetClient(server.URL)
	assert.Nil(err)
	fetched, err := uut.Get(context.Background(), "sensor/+")
	assert.Nil(err)
	assert.Len(fetched, 1)
	assert.Equal("a", fetched[0].Name)
	assert.Equal(http.MethodGet, recorded.method)
	assert.Equal("/query", recorded.path)
	assert.Equal("pattern=sensor%2F%2B", recorded.query)
}

func TestClientSetAndPatch(t *testing.T) {
	assert := assert.New(t)

	server, recorded := defineStubServer(t, http.StatusOK, map[string]bool{"success": true})
	defer server.Close()

	uut, err := GetClient(server.URL)
	assert.Nil(err)

	assert.Nil(uut.Set(context.Background(), "dev/lamp", json.RawMessage(`{"on":true}`)))
	assert.Equal(http.MethodPost, recorded.method)
	assert.Equal("/objects/dev/lamp", recorded.path)
	assert.JSONEq(`{"on":true}`, string(recorded.body))

	assert.Nil(uut.Patch(context.Background(), "dev/lamp", json.RawMessage(`{"bri":1}`)))
	assert.Equal(http.MethodPatch, recorded.method)
	assert.JSONEq(`{"bri":1}`, string(recorded.body))
}

func TestClientRemove(t *testing.T) {
	assert := assert.New(t)

	server, recorded := defineStubServer(t, http.StatusOK, map[string]bool{"success": true})
	existed, err := func() (bool, error) {
		defer server.Close()
		uut, err := GetClient(server.URL)
		assert.Nil(err)
		return uut.Remove(context.Background(), "dev/lamp")
	}()
	assert.Nil(err)
	assert.True(existed)
	assert.Equal(http.MethodDelete, recorded.method)

	missingServer, _ := defineStubServer(t, http.StatusNotFound, nil)
	defer missingServer.Close()
	uut, err := GetClient(missingServer.URL)
	assert.Nil(err)
	existed, err = uut.Remove(context.Background(), "dev/lamp")
	assert.Nil(err)
	assert.False(existed)
}

func TestClientEmitAndInvoke(t *testing.T) {
	assert := assert.New(t)

	server, recorded := defineStubServer(t, http.StatusOK, map[string]bool{"ok": true})
	defer server.Close()

	uut, err := GetClient(server.URL)
	assert.Nil(err)

	assert.Nil(uut.Emit(context.Background(), "dev/lamp", "blink", json.RawMessage(`{"n":3}`)))
	assert.Equal("/events/dev/lamp", recorded.path)
	assert.JSONEq(`{"event":"blink","data":{"n":3}}`, string(recorded.body))

	result, err := uut.Invoke(
		context.Background(), "dev/lamp", "on", json.RawMessage(`{}`),
	)
	assert.Nil(err)
	assert.Equal("/invoke/dev/lamp", recorded.path)
	assert.JSONEq(`{"method":"on","args":{}}`, string(recorded.body))
	assert.JSONEq(`{"ok":true}`, string(result))

	failing, _ := defineStubServer(t, http.StatusBadRequest, nil)
	defer failing.Close()
	uut, err = GetClient(failing.URL)
	assert.Nil(err)
	assert.NotNil(uut.Emit(context.Background(), "dev/lamp", "blink", nil))
}
