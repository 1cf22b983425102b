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
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type utTaskA struct {
	index int
}

type utTaskB struct{}

func TestTaskProcessorExecutesInSubmissionOrder(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer func() {
		cancel()
		wg.Wait()
	}()

	uut, err := GetNewTaskProcessorInstance("ut", 8, utCtxt)
	assert.Nil(err)

	seen := make(chan int, 8)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(utTaskA{}), func(param interface{}) error {
			task, ok := param.(utTaskA)
			assert.True(ok)
			seen <- task.index
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(wg))

	for itr := 0; itr < 4; itr++ {
		assert.Nil(uut.Submit(utCtxt, utTaskA{index: itr}))
	}
	for itr := 0; itr < 4; itr++ {
		select {
		case index := <-seen:
			assert.Equal(itr, index)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for task execution")
		}
	}
}

func TestTaskProcessorUnknownTaskType(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer func() {
		cancel()
		wg.Wait()
	}()

	uut, err := GetNewTaskProcessorInstance("ut", 2, utCtxt)
	assert.Nil(err)

	executed := make(chan bool, 2)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(utTaskA{}), func(param interface{}) error {
			executed <- true
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(wg))

	// unmapped types are logged and skipped without stalling the loop
	assert.Nil(uut.Submit(utCtxt, utTaskB{}))
	assert.Nil(uut.Submit(utCtxt, utTaskA{}))
	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("loop stalled on unknown task type")
	}
}

func TestTaskProcessorStop(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	uut, err := GetNewTaskProcessorInstance("ut", 1, utCtxt)
	assert.Nil(err)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{}))
	assert.Nil(uut.StartEventLoop(wg))

	assert.Nil(uut.StopEventLoop())
	wg.Wait()

	// submissions after stop fail rather than hang
	assert.NotNil(uut.Submit(utCtxt, utTaskA{}))
}
