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
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/objtalk/common"
	"github.com/alwitt/objtalk/storage"
	"github.com/stretchr/testify/assert"
)

func defineTestBroker(t *testing.T, queueLen int) (Broker, context.Context, func()) {
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	backend, err := storage.GetInMemoryBackend()
	assert.Nil(t, err)

	uut, err := GetBroker(utCtxt, wg, BrokerParams{
		Backend:  backend,
		Recorder: GetNullRecorder(),
		Config:   common.BrokerConfig{OutboundQueueLen: queueLen, MailboxLen: 16},
		Version:  "ut",
	})
	assert.Nil(t, err)

	return uut, utCtxt, func() {
		cancel()
		wg.Wait()
	}
}

func recvMessage(t *testing.T, session *Session) Message {
	select {
	case msg, ok := <-session.Inbox():
		assert.True(t, ok)
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func assertNoMessage(t *testing.T, session *Session) {
	// fan-out completes before the originating mutation is acknowledged, so
	// an empty inbox here is conclusive
	select {
	case msg := <-session.Inbox():
		t.Fatalf("unexpected notification %T", msg)
	default:
	}
}

func TestSetAndGet(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	session, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, session, "a", json.RawMessage(`42`)))

	objects, err := uut.Get(utCtxt, session, "*")
	assert.Nil(err)
	assert.Len(objects, 1)
	assert.Equal("a", objects[0].Name)
	assert.JSONEq(`42`, string(objects[0].Value))
	assert.False(objects[0].LastModified.IsZero())

	// the system object is reachable only by a literal sub-pattern
	objects, err = uut.Get(utCtxt, session, "$system")
	assert.Nil(err)
	assert.Len(objects, 1)
	assert.JSONEq(`{"version":"ut"}`, string(objects[0].Value))

	objects, err = uut.Get(utCtxt, session, "*,$system")
	assert.Nil(err)
	assert.Len(objects, 2)

	_, err = uut.Get(utCtxt, session, "a//b")
	assert.NotNil(err)
	assert.Equal(common.ErrorKindInvalidPattern, common.KindOf(err))
}

func TestWriteValidation(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	session, err := uut.Connect(utCtxt)
	assert.Nil(err)

	err = uut.Set(utCtxt, session, "", json.RawMessage(`1`))
	assert.Equal(common.ErrorKindInvalidName, common.KindOf(err))
	err = uut.Set(utCtxt, session, "$system", json.RawMessage(`1`))
	assert.Equal(common.ErrorKindInvalidName, common.KindOf(err))
	err = uut.Patch(utCtxt, session, "$other", json.RawMessage(`1`))
	assert.Equal(common.ErrorKindInvalidName, common.KindOf(err))
}

func TestPatchSemantics(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	session, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, session, "x", json.RawMessage(`{"a":1,"b":2}`)))
	assert.Nil(uut.Patch(utCtxt, session, "x", json.RawMessage(`{"b":3,"c":4}`)))

	objects, err := uut.Get(utCtxt, session, "x")
	assert.Nil(err)
	assert.Len(objects, 1)
	assert.JSONEq(`{"a":1,"b":3,"c":4}`, string(objects[0].Value))

	// nested objects replace wholesale
	assert.Nil(uut.Set(utCtxt, session, "x", json.RawMessage(
		`{"on":true,"color":{"hue":100,"saturation":100}}`,
	)))
	assert.Nil(uut.Patch(utCtxt, session, "x", json.RawMessage(`{"color":{"temp":50}}`)))
	objects, err = uut.Get(utCtxt, session, "x")
	assert.Nil(err)
	assert.JSONEq(`{"on":true,"color":{"temp":50}}`, string(objects[0].Value))

	// a non-object patch value replaces the stored value
	assert.Nil(uut.Patch(utCtxt, session, "x", json.RawMessage(`5`)))
	objects, err = uut.Get(utCtxt, session, "x")
	assert.Nil(err)
	assert.JSONEq(`5`, string(objects[0].Value))

	// patching a non-object stored value replaces it as well
	assert.Nil(uut.Patch(utCtxt, session, "x", json.RawMessage(`{"fresh":true}`)))
	objects, err = uut.Get(utCtxt, session, "x")
	assert.Nil(err)
	assert.JSONEq(`{"fresh":true}`, string(objects[0].Value))

	// patch on an absent name inserts
	assert.Nil(uut.Patch(utCtxt, session, "y", json.RawMessage(`{"a":1}`)))
	objects, err = uut.Get(utCtxt, session, "y")
	assert.Nil(err)
	assert.Len(objects, 1)
}

func TestQueryFanout(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	observer, err := uut.Connect(utCtxt)
	assert.Nil(err)
	writer, err := uut.Connect(utCtxt)
	assert.Nil(err)

	queryID, snapshot, err := uut.Query(utCtxt, observer, "sensor/+", false)
	assert.Nil(err)
	assert.Empty(snapshot)

	assert.Nil(uut.Set(utCtxt, writer, "sensor/t", json.RawMessage(`{"v":1}`)))
	msg := recvMessage(t, observer)
	added, ok := msg.(QueryAddMsg)
	assert.True(ok)
	assert.Equal(queryID, added.QueryID)
	assert.Equal("sensor/t", added.Object.Name)
	assert.JSONEq(`{"v":1}`, string(added.Object.Value))

	assert.Nil(uut.Set(utCtxt, writer, "sensor/t", json.RawMessage(`{"v":2}`)))
	msg = recvMessage(t, observer)
	changed, ok := msg.(QueryChangeMsg)
	assert.True(ok)
	assert.Equal(queryID, changed.QueryID)
	assert.JSONEq(`{"v":2}`, string(changed.Object.Value))

	// a non matching name produces nothing
	assert.Nil(uut.Set(utCtxt, writer, "other", json.RawMessage(`1`)))
	assertNoMessage(t, observer)

	existed, err := uut.Remove(utCtxt, writer, "sensor/t")
	assert.Nil(err)
	assert.True(existed)
	msg = recvMessage(t, observer)
	removed, ok := msg.(QueryRemoveMsg)
	assert.True(ok)
	assert.Equal(queryID, removed.QueryID)
	assert.Equal("sensor/t", removed.Object.Name)
	assert.JSONEq(`{"v":2}`, string(removed.Object.Value))

	// removal of an unmatched name produces nothing
	existed, err = uut.Remove(utCtxt, writer, "other")
	assert.Nil(err)
	assert.True(existed)
	assertNoMessage(t, observer)

	existed, err = uut.Remove(utCtxt, writer, "never-there")
	assert.Nil(err)
	assert.False(existed)
}

func TestQuerySnapshot(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	session, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, session, "livingroom/temperature", json.RawMessage(`{"t":20}`)))
	assert.Nil(uut.Set(utCtxt, session, "bedroom/temperature", json.RawMessage(`{"t":19}`)))
	assert.Nil(uut.Set(utCtxt, session, "bedroom/humidity", json.RawMessage(`{"h":40}`)))

	_, snapshot, err := uut.Query(utCtxt, session, "+/temperature", false)
	assert.Nil(err)
	assert.Len(snapshot, 2)
	names := map[string]bool{}
	for _, object := range snapshot {
		names[object.Name] = true
	}
	assert.True(names["livingroom/temperature"])
	assert.True(names["bedroom/temperature"])
}

func TestUnsubscribe(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	owner, err := uut.Connect(utCtxt)
	assert.Nil(err)
	outsider, err := uut.Connect(utCtxt)
	assert.Nil(err)

	queryID, _, err := uut.Query(utCtxt, owner, "*", false)
	assert.Nil(err)

	// queries are client scoped
	err = uut.Unsubscribe(utCtxt, outsider, queryID)
	assert.Equal(common.ErrorKindUnknownQuery, common.KindOf(err))

	assert.Nil(uut.Unsubscribe(utCtxt, owner, queryID))
	err = uut.Unsubscribe(utCtxt, owner, queryID)
	assert.Equal(common.ErrorKindUnknownQuery, common.KindOf(err))

	assert.Nil(uut.Set(utCtxt, outsider, "a", json.RawMessage(`1`)))
	assertNoMessage(t, owner)
}

func TestEmit(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	observer, err := uut.Connect(utCtxt)
	assert.Nil(err)
	emitter, err := uut.Connect(utCtxt)
	assert.Nil(err)

	err = uut.Emit(utCtxt, emitter, "missing", "boom", json.RawMessage(`{}`))
	assert.Equal(common.ErrorKindUnknownObject, common.KindOf(err))

	assert.Nil(uut.Set(utCtxt, emitter, "dev/lamp", json.RawMessage(`{"on":false}`)))
	queryID, _, err := uut.Query(utCtxt, observer, "dev/+", false)
	assert.Nil(err)

	assert.Nil(uut.Emit(utCtxt, emitter, "dev/lamp", "blink", json.RawMessage(`{"n":3}`)))
	msg := recvMessage(t, observer)
	event, ok := msg.(QueryEventMsg)
	assert.True(ok)
	assert.Equal(queryID, event.QueryID)
	assert.Equal("dev/lamp", event.Object)
	assert.Equal("blink", event.Event)
	assert.JSONEq(`{"n":3}`, string(event.Data))

	// events do not touch the value or lastModified
	objects, err := uut.Get(utCtxt, emitter, "dev/lamp")
	assert.Nil(err)
	assert.JSONEq(`{"on":false}`, string(objects[0].Value))
}

func TestInvokeRendezvous(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	provider, err := uut.Connect(utCtxt)
	assert.Nil(err)
	consumer, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, consumer, "dev/lamp", json.RawMessage(`{"on":false}`)))
	queryID, _, err := uut.Query(utCtxt, provider, "dev/lamp", true)
	assert.Nil(err)

	assert.Nil(uut.Invoke(
		utCtxt, consumer, "dev/lamp", "on", json.RawMessage(`{}`), json.RawMessage(`7`),
	))

	msg := recvMessage(t, provider)
	invocation, ok := msg.(QueryInvocationMsg)
	assert.True(ok)
	assert.Equal(queryID, invocation.QueryID)
	assert.Equal("dev/lamp", invocation.Object)
	assert.Equal("on", invocation.Method)

	assert.Nil(uut.InvokeResult(
		utCtxt, provider, invocation.InvocationID, json.RawMessage(`{"ok":true}`),
	))

	msg = recvMessage(t, consumer)
	outcome, ok := msg.(InvocationResultMsg)
	assert.True(ok)
	assert.Nil(outcome.Err)
	assert.Equal(json.RawMessage(`7`), outcome.RequestID)
	assert.JSONEq(`{"ok":true}`, string(outcome.Result))

	// the invocation is closed
	err = uut.InvokeResult(
		utCtxt, provider, invocation.InvocationID, json.RawMessage(`{}`),
	)
	assert.Equal(common.ErrorKindUnknownInvocation, common.KindOf(err))
}

func TestInvokeFailures(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	provider, err := uut.Connect(utCtxt)
	assert.Nil(err)
	consumer, err := uut.Connect(utCtxt)
	assert.Nil(err)

	err = uut.Invoke(utCtxt, consumer, "dev/lamp", "on", nil, nil)
	assert.Equal(common.ErrorKindUnknownObject, common.KindOf(err))

	assert.Nil(uut.Set(utCtxt, consumer, "dev/lamp", json.RawMessage(`{}`)))
	err = uut.Invoke(utCtxt, consumer, "dev/lamp", "on", nil, nil)
	assert.Equal(common.ErrorKindNoProvider, common.KindOf(err))

	// a non-providing query does not make the object invocable
	_, _, err = uut.Query(utCtxt, provider, "dev/lamp", false)
	assert.Nil(err)
	err = uut.Invoke(utCtxt, consumer, "dev/lamp", "on", nil, nil)
	assert.Equal(common.ErrorKindNoProvider, common.KindOf(err))
}

func TestInvokeResultFromWrongClient(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	provider, err := uut.Connect(utCtxt)
	assert.Nil(err)
	consumer, err := uut.Connect(utCtxt)
	assert.Nil(err)
	intruder, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, consumer, "dev/lamp", json.RawMessage(`{}`)))
	_, _, err = uut.Query(utCtxt, provider, "dev/lamp", true)
	assert.Nil(err)
	assert.Nil(uut.Invoke(utCtxt, consumer, "dev/lamp", "on", nil, json.RawMessage(`1`)))

	msg := recvMessage(t, provider)
	invocation := msg.(QueryInvocationMsg)

	// existence of the invocation is not leaked to other clients
	err = uut.InvokeResult(utCtxt, intruder, invocation.InvocationID, json.RawMessage(`{}`))
	assert.Equal(common.ErrorKindUnknownInvocation, common.KindOf(err))

	// the real provider can still answer
	assert.Nil(uut.InvokeResult(utCtxt, provider, invocation.InvocationID, json.RawMessage(`{}`)))
}

func TestProviderDisconnectCascade(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	provider, err := uut.Connect(utCtxt)
	assert.Nil(err)
	consumer, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, consumer, "dev/lamp", json.RawMessage(`{}`)))
	_, _, err = uut.Query(utCtxt, provider, "dev/lamp", true)
	assert.Nil(err)
	assert.Nil(uut.Invoke(utCtxt, consumer, "dev/lamp", "on", nil, json.RawMessage(`9`)))
	recvMessage(t, provider)

	assert.Nil(uut.Disconnect(utCtxt, provider))

	msg := recvMessage(t, consumer)
	outcome, ok := msg.(InvocationResultMsg)
	assert.True(ok)
	assert.NotNil(outcome.Err)
	assert.Equal(common.ErrorKindProviderDisconnected, outcome.Err.Kind)
	assert.Equal(json.RawMessage(`9`), outcome.RequestID)
}

func TestProviderUnsubscribeCascade(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	provider, err := uut.Connect(utCtxt)
	assert.Nil(err)
	consumer, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, consumer, "dev/lamp", json.RawMessage(`{}`)))
	queryID, _, err := uut.Query(utCtxt, provider, "dev/lamp", true)
	assert.Nil(err)
	assert.Nil(uut.Invoke(utCtxt, consumer, "dev/lamp", "on", nil, json.RawMessage(`3`)))
	msg := recvMessage(t, provider)
	invocation := msg.(QueryInvocationMsg)

	assert.Nil(uut.Unsubscribe(utCtxt, provider, queryID))

	outcome := recvMessage(t, consumer).(InvocationResultMsg)
	assert.NotNil(outcome.Err)
	assert.Equal(common.ErrorKindProviderDisconnected, outcome.Err.Kind)

	// the invocation no longer exists for the provider either
	err = uut.InvokeResult(utCtxt, provider, invocation.InvocationID, json.RawMessage(`{}`))
	assert.Equal(common.ErrorKindUnknownInvocation, common.KindOf(err))
}

func TestRequesterDisconnectAbandonsInvocation(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	provider, err := uut.Connect(utCtxt)
	assert.Nil(err)
	consumer, err := uut.Connect(utCtxt)
	assert.Nil(err)
	helper, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, helper, "dev/lamp", json.RawMessage(`{}`)))
	_, _, err = uut.Query(utCtxt, provider, "dev/lamp", true)
	assert.Nil(err)
	assert.Nil(uut.Invoke(utCtxt, consumer, "dev/lamp", "on", nil, json.RawMessage(`5`)))
	msg := recvMessage(t, provider)
	invocation := msg.(QueryInvocationMsg)

	assert.Nil(uut.Disconnect(utCtxt, consumer))

	// the late result is silently discarded; the provider still succeeds
	assert.Nil(uut.InvokeResult(
		utCtxt, provider, invocation.InvocationID, json.RawMessage(`{"late":true}`),
	))
}

func TestProviderSelectionIsDeterministic(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	first, err := uut.Connect(utCtxt)
	assert.Nil(err)
	second, err := uut.Connect(utCtxt)
	assert.Nil(err)
	consumer, err := uut.Connect(utCtxt)
	assert.Nil(err)

	assert.Nil(uut.Set(utCtxt, consumer, "dev/lamp", json.RawMessage(`{}`)))

	_, _, err = uut.Query(utCtxt, first, "dev/*", true)
	assert.Nil(err)
	time.Sleep(5 * time.Millisecond)
	_, _, err = uut.Query(utCtxt, second, "dev/lamp", true)
	assert.Nil(err)

	for itr := 0; itr < 3; itr++ {
		assert.Nil(uut.Invoke(utCtxt, consumer, "dev/lamp", "on", nil, nil))
		msg := recvMessage(t, first)
		_, ok := msg.(QueryInvocationMsg)
		assert.True(ok)
		assertNoMessage(t, second)

		invocation := msg.(QueryInvocationMsg)
		assert.Nil(uut.InvokeResult(utCtxt, first, invocation.InvocationID, json.RawMessage(`{}`)))
		recvMessage(t, consumer)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 2)
	defer stop()

	slow, err := uut.Connect(utCtxt)
	assert.Nil(err)
	healthy, err := uut.Connect(utCtxt)
	assert.Nil(err)
	writer, err := uut.Connect(utCtxt)
	assert.Nil(err)

	_, _, err = uut.Query(utCtxt, slow, "*", false)
	assert.Nil(err)
	healthyQuery, _, err := uut.Query(utCtxt, healthy, "*", false)
	assert.Nil(err)

	for itr := 0; itr < 4; itr++ {
		assert.Nil(uut.Set(utCtxt, writer, "spam", json.RawMessage(`1`)))
		// the healthy subscriber keeps draining and stays connected
		msg := recvMessage(t, healthy)
		if itr == 0 {
			added := msg.(QueryAddMsg)
			assert.Equal(healthyQuery, added.QueryID)
		}
	}

	// the slow subscriber's inbox was closed after its queue overflowed
	closed := false
	for !closed {
		select {
		case _, ok := <-slow.Inbox():
			if !ok {
				closed = true
			}
		case <-time.After(time.Second):
			t.Fatal("slow subscriber was never dropped")
		}
	}
}

func TestActivityLogSideChannel(t *testing.T) {
	assert := assert.New(t)
	uut, utCtxt, stop := defineTestBroker(t, 16)
	defer stop()

	observer, err := uut.Connect(utCtxt)
	assert.Nil(err)
	writer, err := uut.Connect(utCtxt)
	assert.Nil(err)

	queryID, snapshot, err := uut.Query(utCtxt, observer, "$system", false)
	assert.Nil(err)
	assert.Len(snapshot, 1)

	assert.Nil(uut.Set(utCtxt, writer, "a", json.RawMessage(`1`)))

	msg := recvMessage(t, observer)
	event, ok := msg.(QueryEventMsg)
	assert.True(ok)
	assert.Equal(queryID, event.QueryID)
	assert.Equal(common.SystemObjectName, event.Object)
	assert.Equal("log", event.Event)

	var record ActivityRecord
	assert.Nil(json.Unmarshal(event.Data, &record))
	assert.Equal("set", record.Type)
	assert.Equal(writer.ID, record.Client)
	assert.Equal("a", record.Object)
}

func TestStorageSeedsRegistry(t *testing.T) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	backend, err := storage.GetInMemoryBackend()
	assert.Nil(err)
	seeded := common.Object{
		Name: "persisted", Value: json.RawMessage(`{"v":1}`), LastModified: time.Now().UTC(),
	}
	assert.Nil(backend.Upsert(utCtxt, seeded))

	uut, err := GetBroker(utCtxt, wg, BrokerParams{
		Backend:  backend,
		Recorder: GetNullRecorder(),
		Config:   common.BrokerConfig{OutboundQueueLen: 16, MailboxLen: 16},
		Version:  "ut",
	})
	assert.Nil(err)

	session, err := uut.Connect(utCtxt)
	assert.Nil(err)
	objects, err := uut.Get(utCtxt, session, "persisted")
	assert.Nil(err)
	assert.Len(objects, 1)
	assert.JSONEq(`{"v":1}`, string(objects[0].Value))
}
