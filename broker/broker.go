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
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/objtalk/common"
	"github.com/alwitt/objtalk/patterns"
	"github.com/alwitt/objtalk/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Broker the broker facade. Every method funnels through one worker loop, so
// mutations appear atomic with respect to each other: registry update,
// matched set recomputation, and the enqueue of all resulting notifications
// complete before the next mutation begins.
type Broker interface {
	// Connect register a new client session
	Connect(ctxt context.Context) (*Session, error)
	// Disconnect remove a client session. All owned queries are dropped,
	// invocations it requested are abandoned, and invocations it provides
	// fail their requesters with ProviderDisconnected.
	Disconnect(ctxt context.Context, session *Session) error
	// Set store a value under a name, replacing any previous value
	Set(ctxt context.Context, session *Session, name string, value json.RawMessage) error
	// Patch shallow merge a value into a name. When either the stored or the
	// incoming value is not a JSON object, behaves like Set.
	Patch(ctxt context.Context, session *Session, name string, value json.RawMessage) error
	// Get fetch all objects matching a pattern
	Get(ctxt context.Context, session *Session, pattern string) ([]common.Object, error)
	// Query open a live subscription, returning its id and initial snapshot
	Query(
		ctxt context.Context, session *Session, pattern string, provideRPC bool,
	) (uuid.UUID, []common.Object, error)
	// Unsubscribe close a query owned by the calling client
	Unsubscribe(ctxt context.Context, session *Session, queryID uuid.UUID) error
	// Remove delete an object, reporting whether it existed
	Remove(ctxt context.Context, session *Session, name string) (bool, error)
	// Emit deliver a fire-and-forget event to subscribers of an object
	Emit(
		ctxt context.Context, session *Session, object, event string, data json.RawMessage,
	) error
	// Invoke route an RPC invocation to a providing query. A nil return
	// means the invocation was parked; the answer arrives later on the
	// calling session's inbox as an InvocationResultMsg carrying requestID.
	Invoke(
		ctxt context.Context,
		session *Session,
		object, method string,
		args, requestID json.RawMessage,
	) error
	// InvokeResult complete a parked invocation as its provider
	InvokeResult(
		ctxt context.Context, session *Session, invocationID uuid.UUID, result json.RawMessage,
	) error
	// Stop halt the worker loop
	Stop() error
}

// BrokerParams parameters for defining a broker
type BrokerParams struct {
	// Backend the persistence backend seeding and receiving object writes
	Backend storage.Backend
	// Recorder renders activity records; GetNullRecorder to discard
	Recorder Recorder
	// Config the broker kernel parameters
	Config common.BrokerConfig
	// Version reported on the "$system" object
	Version string
}

type queryState struct {
	id         uuid.UUID
	pattern    *patterns.Pattern
	provideRPC bool
	// objects is the query's current matched set
	objects   map[string]bool
	createdAt time.Time
}

type invocationState struct {
	id          uuid.UUID
	requesterID uuid.UUID
	requestID   json.RawMessage
	queryID     uuid.UUID
}

type clientState struct {
	id      uuid.UUID
	session *Session
	queries []*queryState
	// invocations this client is currently providing
	invocations []*invocationState
	// dead marks a client whose outbound queue overflowed; it is
	// disconnected before the current mutation completes
	dead bool
}

// brokerImpl implements Broker
type brokerImpl struct {
	goutils.Component
	tp           common.TaskProcessor
	backend      storage.Backend
	recorder     Recorder
	objects      map[string]common.Object
	clients      map[uuid.UUID]*clientState
	queueLen     int
	operationCtx context.Context
}

// GetBroker define a new broker. Seeds the registry from the storage backend
// plus the reserved "$system" object, and starts the worker loop against wg.
func GetBroker(
	ctxt context.Context, wg *sync.WaitGroup, params BrokerParams,
) (Broker, error) {
	logTags := log.Fields{
		"module": "broker", "component": "kernel",
	}

	loaded, err := params.Backend.LoadAll(ctxt)
	if err != nil {
		return nil, common.NewStorageError(err)
	}
	objects := make(map[string]common.Object, len(loaded)+1)
	for _, object := range loaded {
		objects[object.Name] = object
	}
	systemValue, err := json.Marshal(map[string]string{"version": params.Version})
	if err != nil {
		return nil, err
	}
	objects[common.SystemObjectName] = common.Object{
		Name: common.SystemObjectName, Value: systemValue, LastModified: time.Now().UTC(),
	}

	tp, err := common.GetNewTaskProcessorInstance("broker", params.Config.MailboxLen, ctxt)
	if err != nil {
		return nil, err
	}

	instance := &brokerImpl{
		Component:    goutils.Component{LogTags: logTags},
		tp:           tp,
		backend:      params.Backend,
		recorder:     params.Recorder,
		objects:      objects,
		clients:      make(map[uuid.UUID]*clientState),
		queueLen:     params.Config.OutboundQueueLen,
		operationCtx: ctxt,
	}

	for theType, handler := range map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(connectRequest{}):      instance.processConnectRequest,
		reflect.TypeOf(disconnectRequest{}):   instance.processDisconnectRequest,
		reflect.TypeOf(setRequest{}):          instance.processSetRequest,
		reflect.TypeOf(patchRequest{}):        instance.processPatchRequest,
		reflect.TypeOf(getRequest{}):          instance.processGetRequest,
		reflect.TypeOf(queryRequest{}):        instance.processQueryRequest,
		reflect.TypeOf(unsubscribeRequest{}):  instance.processUnsubscribeRequest,
		reflect.TypeOf(removeRequest{}):       instance.processRemoveRequest,
		reflect.TypeOf(emitRequest{}):         instance.processEmitRequest,
		reflect.TypeOf(invokeRequest{}):       instance.processInvokeRequest,
		reflect.TypeOf(invokeResultRequest{}): instance.processInvokeResultRequest,
	} {
		if err := tp.AddToTaskExecutionMap(theType, handler); err != nil {
			return nil, err
		}
	}

	if err := tp.StartEventLoop(wg); err != nil {
		return nil, err
	}

	log.WithFields(logTags).Infof("Broker running with %d objects", len(objects))
	return instance, nil
}

// Stop halt the worker loop
func (b *brokerImpl) Stop() error {
	return b.tp.StopEventLoop()
}

// ========================================================================================
// Facade: each public method mailboxes a request and waits for the worker's
// answer on a single-use callback channel.

type connectRequest struct {
	resultCB chan *Session
}

// Connect register a new client session
func (b *brokerImpl) Connect(ctxt context.Context) (*Session, error) {
	resultCB := make(chan *Session, 1)
	if err := b.tp.Submit(ctxt, connectRequest{resultCB: resultCB}); err != nil {
		return nil, err
	}
	select {
	case session := <-resultCB:
		return session, nil
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

type disconnectRequest struct {
	clientID uuid.UUID
	resultCB chan error
}

// Disconnect remove a client session
func (b *brokerImpl) Disconnect(ctxt context.Context, session *Session) error {
	return b.submitAndWait(ctxt, func(resultCB chan error) interface{} {
		return disconnectRequest{clientID: session.ID, resultCB: resultCB}
	})
}

type setRequest struct {
	clientID uuid.UUID
	name     string
	value    json.RawMessage
	resultCB chan error
}

// Set store a value under a name, replacing any previous value
func (b *brokerImpl) Set(
	ctxt context.Context, session *Session, name string, value json.RawMessage,
) error {
	return b.submitAndWait(ctxt, func(resultCB chan error) interface{} {
		return setRequest{clientID: session.ID, name: name, value: value, resultCB: resultCB}
	})
}

type patchRequest struct {
	clientID uuid.UUID
	name     string
	value    json.RawMessage
	resultCB chan error
}

// Patch shallow merge a value into a name
func (b *brokerImpl) Patch(
	ctxt context.Context, session *Session, name string, value json.RawMessage,
) error {
	return b.submitAndWait(ctxt, func(resultCB chan error) interface{} {
		return patchRequest{clientID: session.ID, name: name, value: value, resultCB: resultCB}
	})
}

type getResult struct {
	objects []common.Object
	err     error
}

type getRequest struct {
	clientID uuid.UUID
	pattern  string
	resultCB chan getResult
}

// Get fetch all objects matching a pattern
func (b *brokerImpl) Get(
	ctxt context.Context, session *Session, pattern string,
) ([]common.Object, error) {
	resultCB := make(chan getResult, 1)
	request := getRequest{clientID: session.ID, pattern: pattern, resultCB: resultCB}
	if err := b.tp.Submit(ctxt, request); err != nil {
		return nil, err
	}
	select {
	case result := <-resultCB:
		return result.objects, result.err
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

type queryResult struct {
	queryID uuid.UUID
	objects []common.Object
	err     error
}

type queryRequest struct {
	clientID   uuid.UUID
	pattern    string
	provideRPC bool
	resultCB   chan queryResult
}

// Query open a live subscription, returning its id and initial snapshot
func (b *brokerImpl) Query(
	ctxt context.Context, session *Session, pattern string, provideRPC bool,
) (uuid.UUID, []common.Object, error) {
	resultCB := make(chan queryResult, 1)
	request := queryRequest{
		clientID: session.ID, pattern: pattern, provideRPC: provideRPC, resultCB: resultCB,
	}
	if err := b.tp.Submit(ctxt, request); err != nil {
		return uuid.Nil, nil, err
	}
	select {
	case result := <-resultCB:
		return result.queryID, result.objects, result.err
	case <-ctxt.Done():
		return uuid.Nil, nil, ctxt.Err()
	}
}

type unsubscribeRequest struct {
	clientID uuid.UUID
	queryID  uuid.UUID
	resultCB chan error
}

// Unsubscribe close a query owned by the calling client
func (b *brokerImpl) Unsubscribe(
	ctxt context.Context, session *Session, queryID uuid.UUID,
) error {
	return b.submitAndWait(ctxt, func(resultCB chan error) interface{} {
		return unsubscribeRequest{clientID: session.ID, queryID: queryID, resultCB: resultCB}
	})
}

type removeResult struct {
	existed bool
	err     error
}

type removeRequest struct {
	clientID uuid.UUID
	name     string
	resultCB chan removeResult
}

// Remove delete an object, reporting whether it existed
func (b *brokerImpl) Remove(
	ctxt context.Context, session *Session, name string,
) (bool, error) {
	resultCB := make(chan removeResult, 1)
	request := removeRequest{clientID: session.ID, name: name, resultCB: resultCB}
	if err := b.tp.Submit(ctxt, request); err != nil {
		return false, err
	}
	select {
	case result := <-resultCB:
		return result.existed, result.err
	case <-ctxt.Done():
		return false, ctxt.Err()
	}
}

type emitRequest struct {
	clientID uuid.UUID
	object   string
	event    string
	data     json.RawMessage
	resultCB chan error
}

// Emit deliver a fire-and-forget event to subscribers of an object
func (b *brokerImpl) Emit(
	ctxt context.Context, session *Session, object, event string, data json.RawMessage,
) error {
	return b.submitAndWait(ctxt, func(resultCB chan error) interface{} {
		return emitRequest{
			clientID: session.ID, object: object, event: event, data: data, resultCB: resultCB,
		}
	})
}

type invokeRequest struct {
	clientID  uuid.UUID
	object    string
	method    string
	args      json.RawMessage
	requestID json.RawMessage
	resultCB  chan error
}

// Invoke route an RPC invocation to a providing query
func (b *brokerImpl) Invoke(
	ctxt context.Context,
	session *Session,
	object, method string,
	args, requestID json.RawMessage,
) error {
	return b.submitAndWait(ctxt, func(resultCB chan error) interface{} {
		return invokeRequest{
			clientID:  session.ID,
			object:    object,
			method:    method,
			args:      args,
			requestID: requestID,
			resultCB:  resultCB,
		}
	})
}

type invokeResultRequest struct {
	clientID     uuid.UUID
	invocationID uuid.UUID
	result       json.RawMessage
	resultCB     chan error
}

// InvokeResult complete a parked invocation as its provider
func (b *brokerImpl) InvokeResult(
	ctxt context.Context, session *Session, invocationID uuid.UUID, result json.RawMessage,
) error {
	return b.submitAndWait(ctxt, func(resultCB chan error) interface{} {
		return invokeResultRequest{
			clientID:     session.ID,
			invocationID: invocationID,
			result:       result,
			resultCB:     resultCB,
		}
	})
}

func (b *brokerImpl) submitAndWait(
	ctxt context.Context, makeRequest func(resultCB chan error) interface{},
) error {
	resultCB := make(chan error, 1)
	if err := b.tp.Submit(ctxt, makeRequest(resultCB)); err != nil {
		return err
	}
	select {
	case err := <-resultCB:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// ========================================================================================
// Worker loop handlers. Everything below runs on the worker goroutine only.

func (b *brokerImpl) processConnectRequest(param interface{}) error {
	request, ok := param.(connectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	id := uuid.New()
	session := &Session{ID: id, inbox: make(chan Message, b.queueLen)}
	b.clients[id] = &clientState{id: id, session: session}
	b.recordActivity(ActivityRecord{Type: "clientConnect", Client: id})
	b.reapOverflowed()
	request.resultCB <- session
	return nil
}

func (b *brokerImpl) processDisconnectRequest(param interface{}) error {
	request, ok := param.(disconnectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for disconnect", reflect.TypeOf(param))
	}
	b.disconnectClient(request.clientID)
	b.reapOverflowed()
	request.resultCB <- nil
	return nil
}

func (b *brokerImpl) processSetRequest(param interface{}) error {
	request, ok := param.(setRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for set", reflect.TypeOf(param))
	}
	request.resultCB <- b.handleWrite(request.clientID, "set", request.name, request.value)
	return nil
}

func (b *brokerImpl) processPatchRequest(param interface{}) error {
	request, ok := param.(patchRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for patch", reflect.TypeOf(param))
	}
	request.resultCB <- b.handleWrite(request.clientID, "patch", request.name, request.value)
	return nil
}

// handleWrite set and patch share everything but the value computation
func (b *brokerImpl) handleWrite(
	clientID uuid.UUID, operation, name string, value json.RawMessage,
) error {
	if err := common.ValidateObjectName(name); err != nil {
		return err
	}

	previous, existed := b.objects[name]
	newValue := value
	if operation == "patch" && existed {
		if merged, mergeable := common.MergeObjectValues(previous.Value, value); mergeable {
			newValue = merged
		}
	}

	object := common.Object{Name: name, Value: newValue, LastModified: time.Now().UTC()}
	if err := b.backend.Upsert(b.operationCtx, object); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to persist '%s'", name)
		return common.NewStorageError(err)
	}
	b.objects[name] = object

	created := !existed
	b.recordActivity(ActivityRecord{
		Type: operation, Client: clientID, Object: name, Value: value, Created: &created,
	})

	for _, client := range b.clients {
		for _, query := range client.queries {
			if !query.pattern.Matches(name) {
				continue
			}
			if query.objects[name] {
				b.enqueue(client, QueryChangeMsg{QueryID: query.id, Object: object})
			} else {
				query.objects[name] = true
				b.enqueue(client, QueryAddMsg{QueryID: query.id, Object: object})
			}
		}
	}
	b.reapOverflowed()
	return nil
}

func (b *brokerImpl) processGetRequest(param interface{}) error {
	request, ok := param.(getRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for get", reflect.TypeOf(param))
	}
	pattern, err := patterns.Compile(request.pattern)
	if err != nil {
		request.resultCB <- getResult{err: err}
		return nil
	}
	b.recordActivity(ActivityRecord{
		Type: "get", Client: request.clientID, Pattern: request.pattern,
	})
	objects := b.matchingObjects(pattern)
	b.reapOverflowed()
	request.resultCB <- getResult{objects: objects}
	return nil
}

func (b *brokerImpl) processQueryRequest(param interface{}) error {
	request, ok := param.(queryRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for query", reflect.TypeOf(param))
	}
	client, found := b.clients[request.clientID]
	if !found {
		request.resultCB <- queryResult{err: fmt.Errorf("client %s not connected", request.clientID)}
		return nil
	}
	pattern, err := patterns.Compile(request.pattern)
	if err != nil {
		request.resultCB <- queryResult{err: err}
		return nil
	}

	id := uuid.New()
	provideRPC := request.provideRPC
	// record before the query is live, so it does not observe its own record
	b.recordActivity(ActivityRecord{
		Type:       "query",
		Client:     request.clientID,
		Pattern:    request.pattern,
		Query:      &id,
		ProvideRPC: &provideRPC,
	})

	matched := map[string]bool{}
	snapshot := b.matchingObjects(pattern)
	for _, object := range snapshot {
		matched[object.Name] = true
	}
	client.queries = append(client.queries, &queryState{
		id:         id,
		pattern:    pattern,
		provideRPC: request.provideRPC,
		objects:    matched,
		createdAt:  time.Now(),
	})
	b.reapOverflowed()
	request.resultCB <- queryResult{queryID: id, objects: snapshot}
	return nil
}

func (b *brokerImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(unsubscribeRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for unsubscribe", reflect.TypeOf(param))
	}
	request.resultCB <- b.handleUnsubscribe(request)
	return nil
}

func (b *brokerImpl) handleUnsubscribe(request unsubscribeRequest) error {
	client, found := b.clients[request.clientID]
	if !found {
		return common.NewBrokerError(common.ErrorKindUnknownQuery, "query not found")
	}
	queryIdx := -1
	for idx, query := range client.queries {
		if query.id == request.queryID {
			queryIdx = idx
			break
		}
	}
	if queryIdx < 0 {
		return common.NewBrokerError(common.ErrorKindUnknownQuery, "query not found")
	}
	client.queries = append(client.queries[:queryIdx], client.queries[queryIdx+1:]...)

	// invocations routed to the dropped query fail their requesters
	remaining := client.invocations[:0]
	var orphaned []*invocationState
	for _, invocation := range client.invocations {
		if invocation.queryID == request.queryID {
			orphaned = append(orphaned, invocation)
		} else {
			remaining = append(remaining, invocation)
		}
	}
	client.invocations = remaining
	for _, invocation := range orphaned {
		b.completeInvocation(invocation, nil, common.NewBrokerError(
			common.ErrorKindProviderDisconnected, "provider disconnected",
		))
	}

	queryID := request.queryID
	b.recordActivity(ActivityRecord{
		Type: "unsubscribe", Client: request.clientID, Query: &queryID,
	})
	b.reapOverflowed()
	return nil
}

func (b *brokerImpl) processRemoveRequest(param interface{}) error {
	request, ok := param.(removeRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for remove", reflect.TypeOf(param))
	}
	request.resultCB <- b.handleRemove(request)
	return nil
}

func (b *brokerImpl) handleRemove(request removeRequest) removeResult {
	if err := common.ValidateObjectName(request.name); err != nil {
		return removeResult{err: err}
	}
	object, existed := b.objects[request.name]
	if !existed {
		return removeResult{existed: false}
	}
	if _, err := b.backend.Delete(b.operationCtx, request.name); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to delete '%s'", request.name)
		return removeResult{err: common.NewStorageError(err)}
	}
	delete(b.objects, request.name)

	b.recordActivity(ActivityRecord{
		Type: "remove", Client: request.clientID, Object: request.name,
	})

	for _, client := range b.clients {
		for _, query := range client.queries {
			if query.objects[request.name] {
				delete(query.objects, request.name)
				b.enqueue(client, QueryRemoveMsg{QueryID: query.id, Object: object})
			}
		}
	}
	b.reapOverflowed()
	return removeResult{existed: true}
}

func (b *brokerImpl) processEmitRequest(param interface{}) error {
	request, ok := param.(emitRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for emit", reflect.TypeOf(param))
	}
	request.resultCB <- b.handleEmit(request)
	return nil
}

func (b *brokerImpl) handleEmit(request emitRequest) error {
	if err := common.ValidateObjectName(request.object); err != nil {
		return err
	}
	if _, found := b.objects[request.object]; !found {
		return common.NewBrokerError(common.ErrorKindUnknownObject, "object not found")
	}
	b.recordActivity(ActivityRecord{
		Type:   "emit",
		Client: request.clientID,
		Object: request.object,
		Event:  request.event,
		Data:   request.data,
	})
	b.emitToSubscribers(request.object, request.event, request.data)
	b.reapOverflowed()
	return nil
}

func (b *brokerImpl) processInvokeRequest(param interface{}) error {
	request, ok := param.(invokeRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for invoke", reflect.TypeOf(param))
	}
	request.resultCB <- b.handleInvoke(request)
	return nil
}

type providerCandidate struct {
	client *clientState
	query  *queryState
}

func (b *brokerImpl) handleInvoke(request invokeRequest) error {
	if err := common.ValidateObjectName(request.object); err != nil {
		return err
	}
	if _, found := b.objects[request.object]; !found {
		return common.NewBrokerError(common.ErrorKindUnknownObject, "object not found")
	}

	var candidates []providerCandidate
	for _, client := range b.clients {
		for _, query := range client.queries {
			if query.provideRPC && query.objects[request.object] {
				candidates = append(candidates, providerCandidate{client: client, query: query})
			}
		}
	}
	if len(candidates) == 0 {
		return common.NewBrokerError(common.ErrorKindNoProvider, "object not invocable")
	}
	// deterministic pick: earliest created query, ties by query id
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].query.createdAt.Equal(candidates[j].query.createdAt) {
			return candidates[i].query.createdAt.Before(candidates[j].query.createdAt)
		}
		return candidates[i].query.id.String() < candidates[j].query.id.String()
	})
	provider := candidates[0]

	invocationID := uuid.New()
	provider.client.invocations = append(provider.client.invocations, &invocationState{
		id:          invocationID,
		requesterID: request.clientID,
		requestID:   request.requestID,
		queryID:     provider.query.id,
	})

	b.recordActivity(ActivityRecord{
		Type:         "invoke",
		Client:       request.clientID,
		Object:       request.object,
		Method:       request.method,
		Args:         request.args,
		InvocationID: &invocationID,
	})

	b.enqueue(provider.client, QueryInvocationMsg{
		QueryID:      provider.query.id,
		InvocationID: invocationID,
		Object:       request.object,
		Method:       request.method,
		Args:         request.args,
	})
	b.reapOverflowed()
	return nil
}

func (b *brokerImpl) processInvokeResultRequest(param interface{}) error {
	request, ok := param.(invokeResultRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for invoke result", reflect.TypeOf(param),
		)
	}
	request.resultCB <- b.handleInvokeResult(request)
	return nil
}

func (b *brokerImpl) handleInvokeResult(request invokeResultRequest) error {
	client, found := b.clients[request.clientID]
	if !found {
		return common.NewBrokerError(common.ErrorKindUnknownInvocation, "invocation not found")
	}
	invocationIdx := -1
	for idx, invocation := range client.invocations {
		if invocation.id == request.invocationID {
			invocationIdx = idx
			break
		}
	}
	if invocationIdx < 0 {
		// includes results from clients that were never the provider; their
		// existence is not leaked
		return common.NewBrokerError(common.ErrorKindUnknownInvocation, "invocation not found")
	}
	invocation := client.invocations[invocationIdx]
	client.invocations = append(
		client.invocations[:invocationIdx], client.invocations[invocationIdx+1:]...,
	)

	invocationID := request.invocationID
	b.recordActivity(ActivityRecord{
		Type:         "invokeResult",
		Client:       request.clientID,
		Result:       request.result,
		InvocationID: &invocationID,
	})

	b.completeInvocation(invocation, request.result, nil)
	b.reapOverflowed()
	return nil
}

// ----------------------------------------------------------------------------------------
// Internal helpers, worker goroutine only

func (b *brokerImpl) matchingObjects(pattern *patterns.Pattern) []common.Object {
	result := []common.Object{}
	for name, object := range b.objects {
		if pattern.Matches(name) {
			result = append(result, object)
		}
	}
	return result
}

// enqueue hand a notification to a client's bounded outbound queue. The
// worker never blocks on a subscriber; on overflow the client is marked dead
// and reaped before the current mutation completes.
func (b *brokerImpl) enqueue(client *clientState, msg Message) {
	if client.dead {
		return
	}
	select {
	case client.session.inbox <- msg:
	default:
		log.WithFields(b.LogTags).Warnf(
			"Outbound queue of client %s overflowed, dropping session", client.id,
		)
		client.dead = true
	}
}

// reapOverflowed disconnect every client marked dead. Disconnect cascades may
// mark further clients dead, so loop until stable.
func (b *brokerImpl) reapOverflowed() {
	for {
		var deadIDs []uuid.UUID
		for id, client := range b.clients {
			if client.dead {
				deadIDs = append(deadIDs, id)
			}
		}
		if len(deadIDs) == 0 {
			return
		}
		for _, id := range deadIDs {
			b.disconnectClient(id)
		}
	}
}

func (b *brokerImpl) disconnectClient(clientID uuid.UUID) {
	client, found := b.clients[clientID]
	if !found {
		return
	}
	delete(b.clients, clientID)
	client.dead = true

	// invocations this client was providing fail their requesters
	for _, invocation := range client.invocations {
		b.completeInvocation(invocation, nil, common.NewBrokerError(
			common.ErrorKindProviderDisconnected, "provider disconnected",
		))
	}
	client.invocations = nil
	client.queries = nil

	close(client.session.inbox)
	b.recordActivity(ActivityRecord{Type: "clientDisconnect", Client: clientID})
}

// completeInvocation deliver an invocation outcome to its requester. A
// disconnected requester silently discards the outcome.
func (b *brokerImpl) completeInvocation(
	invocation *invocationState, result json.RawMessage, cause *common.BrokerError,
) {
	requester, found := b.clients[invocation.requesterID]
	if !found {
		return
	}
	b.enqueue(requester, InvocationResultMsg{
		RequestID: invocation.requestID, Result: result, Err: cause,
	})
}

func (b *brokerImpl) emitToSubscribers(object, event string, data json.RawMessage) {
	for _, client := range b.clients {
		for _, query := range client.queries {
			if query.objects[object] {
				b.enqueue(client, QueryEventMsg{
					QueryID: query.id, Object: object, Event: event, Data: data,
				})
			}
		}
	}
}

// recordActivity render the record and mirror it as a "log" event on the
// "$system" object for subscribed observers
func (b *brokerImpl) recordActivity(record ActivityRecord) {
	b.recorder.Record(record)
	data, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to marshal activity record")
		return
	}
	b.emitToSubscribers(common.SystemObjectName, "log", data)
}
