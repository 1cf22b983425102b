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

// Package client is a minimal HTTP client for the broker's stateless
// end-points. It backs the CLI verbs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/objtalk/common"
	"github.com/apex/log"
)

// Client HTTP access to a running broker
type Client interface {
	// Get fetch all objects matching a pattern
	Get(ctxt context.Context, pattern string) ([]common.Object, error)
	// Set store a value under a name
	Set(ctxt context.Context, name string, value json.RawMessage) error
	// Patch shallow merge a value into a name
	Patch(ctxt context.Context, name string, value json.RawMessage) error
	// Remove delete an object, reporting whether it existed
	Remove(ctxt context.Context, name string) (bool, error)
	// Emit deliver a fire-and-forget event on an object
	Emit(ctxt context.Context, object, event string, data json.RawMessage) error
	// Invoke call a method on an object, returning the provider's result
	Invoke(ctxt context.Context, object, method string, args json.RawMessage) (json.RawMessage, error)
}

// restClient implements Client
type restClient struct {
	goutils.Component
	baseURL string
	client  *http.Client
}

// GetClient define a Client against a broker's HTTP base URL
func GetClient(baseURL string) (Client, error) {
	logTags := log.Fields{
		"module": "client", "component": "rest-client", "instance": baseURL,
	}
	return &restClient{
		Component: goutils.Component{LogTags: logTags},
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{},
	}, nil
}

func (c *restClient) do(
	ctxt context.Context, method, path string, body []byte,
) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctxt, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.client.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = response.Body.Close() }()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return response.StatusCode, nil, err
	}
	return response.StatusCode, data, nil
}

func unexpectedStatus(status int, body []byte) error {
	return fmt.Errorf("server responded %d: %s", status, string(body))
}

// Get fetch all objects matching a pattern
func (c *restClient) Get(ctxt context.Context, pattern string) ([]common.Object, error) {
	query := url.Values{}
	query.Set("pattern", pattern)
	status, body, err := c.do(ctxt, http.MethodGet, "/query?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, unexpectedStatus(status, body)
	}
	var objects []common.Object
	if err := json.Unmarshal(body, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// Set store a value under a name
func (c *restClient) Set(ctxt context.Context, name string, value json.RawMessage) error {
	status, body, err := c.do(ctxt, http.MethodPost, "/objects/"+name, value)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return unexpectedStatus(status, body)
	}
	return nil
}

// Patch shallow merge a value into a name
func (c *restClient) Patch(ctxt context.Context, name string, value json.RawMessage) error {
	status, body, err := c.do(ctxt, http.MethodPatch, "/objects/"+name, value)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return unexpectedStatus(status, body)
	}
	return nil
}

// Remove delete an object, reporting whether it existed
func (c *restClient) Remove(ctxt context.Context, name string) (bool, error) {
	status, body, err := c.do(ctxt, http.MethodDelete, "/objects/"+name, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, unexpectedStatus(status, body)
	}
}

// Emit deliver a fire-and-forget event on an object
func (c *restClient) Emit(
	ctxt context.Context, object, event string, data json.RawMessage,
) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event": event, "data": data,
	})
	if err != nil {
		return err
	}
	status, body, err := c.do(ctxt, http.MethodPost, "/events/"+object, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return unexpectedStatus(status, body)
	}
	return nil
}

// Invoke call a method on an object, returning the provider's result
func (c *restClient) Invoke(
	ctxt context.Context, object, method string, args json.RawMessage,
) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"method": method, "args": args,
	})
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(ctxt, http.MethodPost, "/invoke/"+object, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, unexpectedStatus(status, body)
	}
	return body, nil
}
