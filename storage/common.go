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

// Package storage defines the narrow persistence contract the broker kernel
// consumes, with an in-memory and a SQLite backed implementation.
package storage

import (
	"context"
	"fmt"

	"github.com/alwitt/objtalk/common"
)

// Backend the persistence operations the broker kernel consumes. The broker
// calls a backend only from its worker loop, so implementations do not need
// to be safe for concurrent use.
type Backend interface {
	// LoadAll fetch every persisted object. Called once at broker
	// construction to seed the registry.
	LoadAll(ctxt context.Context) ([]common.Object, error)
	// Upsert persist an object write. Must be durable before returning, as
	// the broker acknowledges set / patch only afterwards.
	Upsert(ctxt context.Context, object common.Object) error
	// Delete remove a persisted object, reporting whether it existed
	Delete(ctxt context.Context, name string) (bool, error)
	// Close release backend resources
	Close() error
}

// GetBackend construct the backend selected by config
func GetBackend(config common.StorageConfig) (Backend, error) {
	switch config.Backend {
	case "memory":
		return GetInMemoryBackend()
	case "sqlite":
		return GetSqliteBackend(config.Sqlite)
	default:
		return nil, fmt.Errorf("unknown storage backend '%s'", config.Backend)
	}
}
