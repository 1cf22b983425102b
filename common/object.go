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

package common

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// SystemObjectName is the reserved object carrying broker metadata. Client
// writes to it, or to any other "$" prefixed name, are rejected.
const SystemObjectName = "$system"

// Object one named JSON value with its last modification time
type Object struct {
	// Name uniquely identifies the object
	Name string `json:"name"`
	// Value is an arbitrary JSON document. Kept as raw bytes so the field
	// order the client sent survives storage and fan-out.
	Value json.RawMessage `json:"value"`
	// LastModified is stamped by the broker on every write
	LastModified time.Time `json:"lastModified"`
}

// ValidateObjectName check a name is usable for client writes
func ValidateObjectName(name string) error {
	if name == "" || strings.HasPrefix(name, "$") {
		return NewBrokerError(ErrorKindInvalidName, "invalid object name")
	}
	return nil
}

type jsonField struct {
	key   string
	value json.RawMessage
}

// decodeObjectFields tokenize a JSON object into its top level fields in
// document order. Returns false if raw is not a JSON object.
func decodeObjectFields(raw json.RawMessage) ([]jsonField, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, false
	}
	fields := []jsonField{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}
		fields = append(fields, jsonField{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, false
	}
	return fields, true
}

func encodeObjectFields(fields []jsonField) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for idx, field := range fields {
		if idx > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(field.key)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(field.value)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// MergeObjectValues shallow merge patch into base: top level keys of patch
// overwrite those of base in place, unseen keys append in patch order. The
// second return is false when either document is not a JSON object, in which
// case the caller replaces the value wholesale.
func MergeObjectValues(base, patch json.RawMessage) (json.RawMessage, bool) {
	baseFields, ok := decodeObjectFields(base)
	if !ok {
		return nil, false
	}
	patchFields, ok := decodeObjectFields(patch)
	if !ok {
		return nil, false
	}
	merged := make([]jsonField, len(baseFields))
	copy(merged, baseFields)
	position := map[string]int{}
	for idx, field := range merged {
		position[field.key] = idx
	}
	for _, field := range patchFields {
		if idx, seen := position[field.key]; seen {
			merged[idx].value = field.value
		} else {
			position[field.key] = len(merged)
			merged = append(merged, field)
		}
	}
	return encodeObjectFields(merged), true
}
