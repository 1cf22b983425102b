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

package broker

import (
	"encoding/json"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// ActivityRecord one structured entry describing a broker operation. Records
// are observational only: they feed the operator log and the "$system" log
// event stream, never broker correctness.
type ActivityRecord struct {
	// Type names the operation, e.g. "set", "invoke", "clientConnect"
	Type string `json:"type"`
	// Client the client that performed the operation
	Client uuid.UUID `json:"client"`
	// Object the object name, where the operation has one
	Object string `json:"object,omitempty"`
	// Pattern the pattern string for get / query
	Pattern string `json:"pattern,omitempty"`
	// Value the written value for set / patch
	Value json.RawMessage `json:"value,omitempty"`
	// Event the event name for emit
	Event string `json:"event,omitempty"`
	// Data the event payload for emit
	Data json.RawMessage `json:"data,omitempty"`
	// Method the invoked method for invoke
	Method string `json:"method,omitempty"`
	// Args the invocation arguments for invoke
	Args json.RawMessage `json:"args,omitempty"`
	// Result the invocation result for invokeResult
	Result json.RawMessage `json:"result,omitempty"`
	// Query the query id for query / unsubscribe
	Query *uuid.UUID `json:"query,omitempty"`
	// InvocationID the invocation id for invoke / invokeResult
	InvocationID *uuid.UUID `json:"invocationId,omitempty"`
	// ProvideRPC whether a query offered to provide RPC
	ProvideRPC *bool `json:"provideRpc,omitempty"`
	// Created whether a set / patch inserted a new object
	Created *bool `json:"created,omitempty"`
}

// Recorder renders activity records for operators
type Recorder interface {
	// Record process one activity record
	Record(record ActivityRecord)
}

// nullRecorder discards all records
type nullRecorder struct{}

// GetNullRecorder define a Recorder that discards everything
func GetNullRecorder() Recorder {
	return &nullRecorder{}
}

// Record process one activity record
func (r *nullRecorder) Record(record ActivityRecord) {}

// logRecorder renders records through apex/log
type logRecorder struct {
	logTags log.Fields
}

// GetLogRecorder define a Recorder rendering through apex/log
func GetLogRecorder() Recorder {
	return &logRecorder{
		logTags: log.Fields{"module": "broker", "component": "activity"},
	}
}

// Record process one activity record
func (r *logRecorder) Record(record ActivityRecord) {
	tags := log.Fields{"client": record.Client.String()}
	for key, value := range r.logTags {
		tags[key] = value
	}
	detail, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(tags).Error("Failed to marshal activity record")
		return
	}
	log.WithFields(tags).Infof("%s %s", record.Type, detail)
}
