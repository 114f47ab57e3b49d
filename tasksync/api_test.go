package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type recordedGraphQLRequest struct {
	authorization string
	request       *GraphQLRequest
}

type testGraphQLServer struct {
	server *httptest.Server

	stateLock sync.Mutex
	requests  []*recordedGraphQLRequest
	status    int
	body      string
}

func newTestGraphQLServer(t *testing.T) *testGraphQLServer {
	s := &testGraphQLServer{
		status: http.StatusOK,
		body:   `{"data": {}}`,
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		request := &GraphQLRequest{}
		json.NewDecoder(r.Body).Decode(request)

		s.stateLock.Lock()
		s.requests = append(s.requests, &recordedGraphQLRequest{
			authorization: r.Header.Get("Authorization"),
			request:       request,
		})
		status := s.status
		body := s.body
		s.stateLock.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (self *testGraphQLServer) respond(status int, body string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.status = status
	self.body = body
}

func (self *testGraphQLServer) lastRequest() *recordedGraphQLRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.requests[len(self.requests)-1]
}

const getTaskDocument = `query GetTask($id: ID!) { task(id: $id) { id name done updateDate } }`

func newTestGraphQLClient(t *testing.T, server *testGraphQLServer) *GraphQLClient {
	documents := NewDocumentRegistry()
	assert.Equal(t, documents.Register(getTaskDocument), nil)
	client := NewGraphQLClientWithDefaults(context.Background(), server.server.URL, StaticTokenProvider("abc"), documents)
	t.Cleanup(client.Close)
	return client
}

func TestGraphQLClientFetchQuery(t *testing.T) {
	server := newTestGraphQLServer(t)
	client := newTestGraphQLClient(t, server)

	server.respond(http.StatusOK, `{"data": {"task": {"__typename": "TaskType", "id": "t1", "name": "Check vitals"}}}`)
	data, err := client.FetchQuery(context.Background(), NewQueryKey("GetTask", map[string]any{"id": "t1"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, data["task"].(map[string]any)["name"], "Check vitals")

	request := server.lastRequest()
	assert.Equal(t, request.authorization, "Bearer abc")
	assert.Equal(t, request.request.OperationName, "GetTask")
	assert.Equal(t, request.request.Query, getTaskDocument)
	assert.Equal(t, request.request.Variables["id"], "t1")

	_, err = client.FetchQuery(context.Background(), NewQueryKey("GetMissing", nil))
	assert.Equal(t, errors.Is(err, ErrUnknownOperation), true)
}

func TestGraphQLClientErrorClassification(t *testing.T) {
	server := newTestGraphQLServer(t)
	client := newTestGraphQLClient(t, server)
	call := client.Mutation(`mutation CompleteTask($id: ID!) { completeTask(id: $id) { id done } }`)

	server.respond(http.StatusServiceUnavailable, `unavailable`)
	_, err := call(context.Background(), Variables{"id": "t1"})
	assert.Equal(t, IsTransient(err), true)

	server.respond(http.StatusTooManyRequests, `slow down`)
	_, err = call(context.Background(), Variables{"id": "t1"})
	assert.Equal(t, IsTransient(err), true)

	server.respond(http.StatusOK, `{"errors": [{"message": "CONFLICT: Expected checksum: abc, Got: def"}]}`)
	_, err = call(context.Background(), Variables{"id": "t1"})
	conflictErr, ok := AsConflict(err)
	assert.Equal(t, ok, true)
	assert.Equal(t, conflictErr.ExpectedChecksum, "abc")
	assert.Equal(t, conflictErr.GotChecksum, "def")

	server.respond(http.StatusOK, `{"errors": [{"message": "not allowed", "extensions": {"code": "FORBIDDEN"}}]}`)
	_, err = call(context.Background(), Variables{"id": "t1"})
	businessErr, ok := AsBusiness(err)
	assert.Equal(t, ok, true)
	assert.Equal(t, businessErr.Code, "FORBIDDEN")
	assert.Equal(t, IsTransient(err), false)

	server.respond(http.StatusBadRequest, `{"errors": [{"message": "bad input"}]}`)
	_, err = call(context.Background(), Variables{"id": "t1"})
	_, ok = AsBusiness(err)
	assert.Equal(t, ok, true)

	server.respond(http.StatusOK, `{}`)
	_, err = call(context.Background(), Variables{"id": "t1"})
	assert.Equal(t, errors.Is(err, ErrNoData), true)

	assert.Equal(t, server.lastRequest().request.OperationName, "CompleteTask")
}

func TestGraphQLClientTokenOutage(t *testing.T) {
	server := newTestGraphQLServer(t)
	documents := NewDocumentRegistry()
	tokenProvider := TokenProviderFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("auth service down")
	})
	client := NewGraphQLClientWithDefaults(context.Background(), server.server.URL, tokenProvider, documents)
	defer client.Close()

	_, err := client.Execute(context.Background(), getTaskDocument, map[string]any{"id": "t1"})
	assert.Equal(t, IsTransient(err), true)
	assert.Equal(t, IsAuthUnavailable(err), true)
}

func TestGraphQLClientNetworkError(t *testing.T) {
	server := newTestGraphQLServer(t)
	url := server.server.URL
	server.server.Close()

	client := NewGraphQLClientWithDefaults(context.Background(), url, nil, NewDocumentRegistry())
	defer client.Close()
	_, err := client.Execute(context.Background(), getTaskDocument, nil)
	assert.Equal(t, IsTransient(err), true)
}

func TestGraphQLClientExecuteAsync(t *testing.T) {
	server := newTestGraphQLServer(t)
	client := newTestGraphQLClient(t, server)
	server.respond(http.StatusOK, `{"data": {"task": {"id": "t1"}}}`)
	assert.Equal(t, client.EndpointUrl(), server.server.URL)

	callback, results := NewBlockingApiCallback[map[string]any]()
	client.ExecuteAsync(getTaskDocument, map[string]any{"id": "t1"}, callback)
	select {
	case result := <-results:
		assert.Equal(t, result.Error, nil)
		assert.Equal(t, result.Result["task"].(map[string]any)["id"], "t1")
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for result.")
	}
}
