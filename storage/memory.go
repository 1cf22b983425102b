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

package storage

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/alwitt/objtalk/common"
	"github.com/apex/log"
)

// inMemoryBackend implements Backend on a plain map. Nothing survives a
// restart; it exists so the broker always runs against the same contract.
type inMemoryBackend struct {
	goutils.Component
	objects map[string]common.Object
}

// GetInMemoryBackend define a new in-memory storage backend
func GetInMemoryBackend() (Backend, error) {
	logTags := log.Fields{
		"module": "storage", "component": "memory-backend",
	}
	return &inMemoryBackend{
		Component: goutils.Component{LogTags: logTags},
		objects:   make(map[string]common.Object),
	}, nil
}

// LoadAll fetch every persisted object
func (b *inMemoryBackend) LoadAll(ctxt context.Context) ([]common.Object, error) {
	result := make([]common.Object, 0, len(b.objects))
	for _, object := range b.objects {
		result = append(result, object)
	}
	return result, nil
}

// Upsert persist an object write
func (b *inMemoryBackend) Upsert(ctxt context.Context, object common.Object) error {
	b.objects[object.Name] = object
	return nil
}

// Delete remove a persisted object, reporting whether it existed
func (b *inMemoryBackend) Delete(ctxt context.Context, name string) (bool, error) {
	_, existed := b.objects[name]
	delete(b.objects, name)
	return existed, nil
}

// Close release backend resources
func (b *inMemoryBackend) Close() error {
	return nil
}
