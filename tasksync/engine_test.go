package tasksync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bringyour/tasksync/protocol"
)

// serves GraphQL over http POST and graphql-ws on the same url
type testSyncServer struct {
	server *httptest.Server

	stateLock sync.Mutex
	// operation name -> response body
	responses map[string]string
	requests  []*GraphQLRequest
	ws        *websocket.Conn
	wsLock    sync.Mutex
	// operation name -> subscription id
	started map[string]string
}

func newTestSyncServer(t *testing.T) *testSyncServer {
	s := &testSyncServer{
		responses: map[string]string{},
		started:   map[string]string{},
	}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{protocol.SubProtocol},
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			s.serveSocket(ws)
			return
		}

		request := &GraphQLRequest{}
		json.NewDecoder(r.Body).Decode(request)
		s.stateLock.Lock()
		s.requests = append(s.requests, request)
		body, ok := s.responses[request.OperationName]
		s.stateLock.Unlock()
		if !ok {
			body = `{"errors": [{"message": "unknown operation"}]}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (self *testSyncServer) serveSocket(ws *websocket.Conn) {
	self.stateLock.Lock()
	self.ws = ws
	self.stateLock.Unlock()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			continue
		}
		switch frame.Type {
		case protocol.MessageTypeConnectionInit:
			self.write(&protocol.Frame{Type: protocol.MessageTypeConnectionAck})
		case protocol.MessageTypeStart:
			startPayload := &protocol.StartPayload{}
			json.Unmarshal(frame.Payload, startPayload)
			if operation, err := ParseOperation(startPayload.Query); err == nil {
				self.stateLock.Lock()
				self.started[operation.Name] = frame.Id
				self.stateLock.Unlock()
			}
		}
	}
}

func (self *testSyncServer) write(frame *protocol.Frame) error {
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()

	message, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	self.wsLock.Lock()
	defer self.wsLock.Unlock()
	return ws.WriteMessage(websocket.TextMessage, message)
}

func (self *testSyncServer) respond(operationName string, body string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.responses[operationName] = body
}

func (self *testSyncServer) subscriptionId(operationName string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	id, ok := self.started[operationName]
	return id, ok
}

func (self *testSyncServer) requestCount(operationName string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	count := 0
	for _, request := range self.requests {
		if request.OperationName == operationName {
			count += 1
		}
	}
	return count
}

const engineGetTaskDocument = `query GetTask($id: ID!) { task(id: $id) { id name done } }`
const engineCompleteTaskDocument = `mutation CompleteTask($id: ID!, $clientMutationId: String) { completeTask(id: $id, clientMutationId: $clientMutationId) { id done } }`

func newTestEngine(t *testing.T, server *testSyncServer, settings *EngineSettings) *Engine {
	settings.GraphQLUrl = server.server.URL + "/graphql"
	settings.PersistDebounce = 10 * time.Millisecond
	engine, err := NewEngine(context.Background(), StaticTokenProvider("abc"), settings, prometheus.NewRegistry())
	assert.Equal(t, err, nil)
	t.Cleanup(engine.Close)

	assert.Equal(t, engine.Documents().Register(engineGetTaskDocument, engineCompleteTaskDocument), nil)
	engine.Registry().Register("CompleteTask", completeTaskPlan())
	return engine
}

func TestEngineQueryAndMutate(t *testing.T) {
	server := newTestSyncServer(t)
	server.respond("GetTask", `{"data": {"task": {"__typename": "TaskType", "id": "t1", "name": "Check vitals", "done": false}}}`)
	server.respond("CompleteTask", `{"data": {"completeTask": {"__typename": "TaskType", "id": "t1", "done": true}}}`)

	engine := newTestEngine(t, server, DefaultEngineSettings())
	key := NewQueryKey("GetTask", map[string]any{"id": "t1"})

	value, err := engine.Query(context.Background(), key)
	assert.Equal(t, err, nil)
	assert.Equal(t, value["task"].(map[string]any)["done"], false)
	// the second read is served by the cache
	_, err = engine.Query(context.Background(), key)
	assert.Equal(t, err, nil)
	assert.Equal(t, server.requestCount("GetTask"), 1)

	result, err := engine.Mutate(context.Background(), &MutationRequest{
		Name:       "CompleteTask",
		Variables:  Variables{"id": "t1"},
		EntityKind: EntityKindTask,
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, result.ClientMutationId, "")

	// the server response lands on the entity
	fields, ok := engine.Cache().ReadEntity(taskKey("t1"))
	assert.Equal(t, ok, true)
	assert.Equal(t, fields["done"], true)
	assert.Equal(t, fields["name"], "Check vitals")

	_, err = engine.Mutate(context.Background(), &MutationRequest{Name: "Missing"})
	assert.NotEqual(t, err, nil)
}

func TestEngineStartSubscribes(t *testing.T) {
	server := newTestSyncServer(t)
	server.respond("GetTask", `{"data": {"task": {"__typename": "TaskType", "id": "t1", "name": "Check vitals", "done": false}}}`)

	settings := DefaultEngineSettings()
	settings.RootLocationIds = []string{"L1"}
	engine := newTestEngine(t, server, settings)

	key := NewQueryKey("GetTask", map[string]any{"id": "t1"})
	var watchLock sync.Mutex
	names := []any{}
	cancel := engine.Watch(key, func(value map[string]any, ok bool) {
		if !ok {
			return
		}
		watchLock.Lock()
		defer watchLock.Unlock()
		names = append(names, value["task"].(map[string]any)["name"])
	})
	defer cancel()
	waitFor(t, 5*time.Second, func() bool {
		watchLock.Lock()
		defer watchLock.Unlock()
		return len(names) == 1
	})

	assert.Equal(t, engine.Start(context.Background()), nil)
	assert.Equal(t, engine.Transport().State(), ConnectionStateConnected)

	var subscriptionId string
	waitFor(t, 5*time.Second, func() bool {
		var ok bool
		subscriptionId, ok = server.subscriptionId("TaskUpdated")
		return ok
	})

	// a server side change is pushed and the watched query is refetched
	server.respond("GetTask", `{"data": {"task": {"__typename": "TaskType", "id": "t1", "name": "Renamed", "done": false}}}`)
	server.write(&protocol.Frame{
		Id:      subscriptionId,
		Type:    protocol.MessageTypeData,
		Payload: json.RawMessage(`{"data": {"taskUpdated": "t1"}}`),
	})
	waitFor(t, 5*time.Second, func() bool {
		watchLock.Lock()
		defer watchLock.Unlock()
		return 2 <= len(names) && names[len(names)-1] == "Renamed"
	})
}

func TestEnginePersistAndReplay(t *testing.T) {
	server := newTestSyncServer(t)
	server.respond("GetTask", `{"data": {"task": {"__typename": "TaskType", "id": "t1", "name": "Check vitals", "done": false}}}`)
	server.respond("CompleteTask", `{"data": {"completeTask": {"__typename": "TaskType", "id": "t1", "done": true}}}`)

	storeSettings := DefaultStoreSettings()
	storeSettings.Path = t.TempDir()
	storeSettings.SyncWrites = false

	settings := DefaultEngineSettings()
	settings.Store = storeSettings
	engine := newTestEngine(t, server, settings)

	key := NewQueryKey("GetTask", map[string]any{"id": "t1"})
	_, err := engine.Query(context.Background(), key)
	assert.Equal(t, err, nil)

	// a mutation left pending by a previous run
	assert.Equal(t, engine.store.PutPending(&PendingMutation{
		Id:               NewId(),
		ClientMutationId: "cm-previous",
		MutationName:     "CompleteTask",
		Variables:        Variables{"id": "t1", ClientMutationIdVariable: "cm-previous"},
		EntityKind:       EntityKindTask,
		EntityId:         "t1",
		SubmittedAt:      time.Now(),
	}), nil)
	// close writes the snapshot
	engine.Close()

	restarted := newTestEngine(t, server, settings)
	assert.Equal(t, restarted.Start(context.Background()), nil)

	// the name comes from the snapshot, the done flag from the replayed mutation
	fields, ok := restarted.Cache().ReadEntity(taskKey("t1"))
	assert.Equal(t, ok, true)
	assert.Equal(t, fields["name"], "Check vitals")
	assert.Equal(t, fields["done"], true)
	assert.Equal(t, server.requestCount("CompleteTask"), 1)

	pendings, err := restarted.store.ListPending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pendings), 0)
}

func TestEngineFailedReplayRevertsToServer(t *testing.T) {
	server := newTestSyncServer(t)
	server.respond("GetTask", `{"data": {"task": {"__typename": "TaskType", "id": "t1", "name": "Check vitals", "done": false}}}`)
	server.respond("CompleteTask", `{"errors": [{"message": "task is locked", "extensions": {"code": "FORBIDDEN"}}]}`)

	storeSettings := DefaultStoreSettings()
	storeSettings.Path = t.TempDir()
	storeSettings.SyncWrites = false

	settings := DefaultEngineSettings()
	settings.Store = storeSettings
	engine := newTestEngine(t, server, settings)

	key := NewQueryKey("GetTask", map[string]any{"id": "t1"})
	_, err := engine.Query(context.Background(), key)
	assert.Equal(t, err, nil)

	// the previous run stopped with the optimistic value applied
	engine.Cache().Update(func(tx *CacheTx) {
		tx.MergeEntity(taskKey("t1"), map[string]any{"done": true})
	})
	assert.Equal(t, engine.store.PutPending(&PendingMutation{
		Id:               NewId(),
		ClientMutationId: "cm-previous",
		MutationName:     "CompleteTask",
		Variables:        Variables{"id": "t1", ClientMutationIdVariable: "cm-previous"},
		EntityKind:       EntityKindTask,
		EntityId:         "t1",
		SubmittedAt:      time.Now(),
	}), nil)
	engine.Close()

	restarted := newTestEngine(t, server, settings)
	assert.Equal(t, restarted.Start(context.Background()), nil)
	assert.Equal(t, server.requestCount("CompleteTask"), 1)

	// nothing watched the task, so the restored optimistic entity is evicted
	_, ok := restarted.Cache().ReadEntity(taskKey("t1"))
	assert.Equal(t, ok, false)

	value, err := restarted.Query(context.Background(), key)
	assert.Equal(t, err, nil)
	assert.Equal(t, value["task"].(map[string]any)["done"], false)

	pendings, err := restarted.store.ListPending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pendings), 0)
}

func TestEngineSettingsValidation(t *testing.T) {
	settings := DefaultEngineSettings()
	_, err := NewEngine(context.Background(), nil, settings, nil)
	assert.NotEqual(t, err, nil)

	settings.GraphQLUrl = "ftp://example.com"
	_, err = NewEngine(context.Background(), nil, settings, nil)
	assert.Equal(t, err != nil && strings.Contains(err.Error(), "realtime url"), true)
}
