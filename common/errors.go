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
	"errors"
	"fmt"
)

// ErrorKind is the stable tag a broker error carries on the wire
type ErrorKind string

// The set of error tags surfaced to clients
const (
	// ErrorKindInvalidPattern the pattern string failed to compile
	ErrorKindInvalidPattern ErrorKind = "InvalidPattern"
	// ErrorKindInvalidName the object name is empty or reserved
	ErrorKindInvalidName ErrorKind = "InvalidName"
	// ErrorKindUnknownObject the named object does not exist
	ErrorKindUnknownObject ErrorKind = "UnknownObject"
	// ErrorKindUnknownQuery the query id does not belong to the calling client
	ErrorKindUnknownQuery ErrorKind = "UnknownQuery"
	// ErrorKindUnknownInvocation the invocation id is not pending for the caller
	ErrorKindUnknownInvocation ErrorKind = "UnknownInvocation"
	// ErrorKindNoProvider no subscription is providing RPC for the object
	ErrorKindNoProvider ErrorKind = "NoProvider"
	// ErrorKindProviderDisconnected the provider vanished mid invocation
	ErrorKindProviderDisconnected ErrorKind = "ProviderDisconnected"
	// ErrorKindStorageError the persistence layer failed the operation
	ErrorKindStorageError ErrorKind = "StorageError"
	// ErrorKindMalformedRequest the request envelope could not be processed
	ErrorKindMalformedRequest ErrorKind = "MalformedRequest"
)

// BrokerError an error surfaced to clients, tagged with a stable error kind
type BrokerError struct {
	// Kind is the stable wire tag
	Kind ErrorKind
	// Detail optional human readable context, not part of the wire contract
	Detail string
}

// Error implement the error interface
func (e *BrokerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

// NewBrokerError define a new tagged broker error
func NewBrokerError(kind ErrorKind, detail string) *BrokerError {
	return &BrokerError{Kind: kind, Detail: detail}
}

// NewStorageError wrap a persistence failure with the StorageError tag
func NewStorageError(err error) *BrokerError {
	return &BrokerError{Kind: ErrorKindStorageError, Detail: err.Error()}
}

// KindOf extract the wire tag from an error. Errors with no embedded
// BrokerError map to StorageError as the only internal failure class.
func KindOf(err error) ErrorKind {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Kind
	}
	return ErrorKindStorageError
}
