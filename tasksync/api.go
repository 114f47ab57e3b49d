package tasksync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/tasksync/protocol"
)

func DefaultGraphQLClientSettings() *GraphQLClientSettings {
	return &GraphQLClientSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

type GraphQLClientSettings struct {
	HttpTimeout        time.Duration `yaml:"http_timeout"`
	HttpConnectTimeout time.Duration `yaml:"http_connect_timeout"`
	HttpTlsTimeout     time.Duration `yaml:"http_tls_timeout"`
}

func defaultClient(settings *GraphQLClientSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type GraphQLRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// sends queries and mutations over http POST
type GraphQLClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpointUrl   string
	tokenProvider TokenProvider
	documents     *DocumentRegistry
	client        *http.Client
}

func NewGraphQLClientWithDefaults(ctx context.Context, endpointUrl string, tokenProvider TokenProvider, documents *DocumentRegistry) *GraphQLClient {
	return NewGraphQLClient(ctx, endpointUrl, tokenProvider, documents, DefaultGraphQLClientSettings())
}

func NewGraphQLClient(
	ctx context.Context,
	endpointUrl string,
	tokenProvider TokenProvider,
	documents *DocumentRegistry,
	settings *GraphQLClientSettings,
) *GraphQLClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &GraphQLClient{
		ctx:           cancelCtx,
		cancel:        cancel,
		endpointUrl:   endpointUrl,
		tokenProvider: tokenProvider,
		documents:     documents,
		client:        defaultClient(settings),
	}
}

func (self *GraphQLClient) Close() {
	self.cancel()
}

func (self *GraphQLClient) EndpointUrl() string {
	return self.endpointUrl
}

// executes the document and returns `data`
// errors are classified into transient, business and conflict errors
func (self *GraphQLClient) Execute(ctx context.Context, document string, variables map[string]any) (map[string]any, error) {
	operationName := ""
	if operation, err := ParseOperation(document); err == nil {
		operationName = operation.Name
	}
	return post(ctx, self.client, self.endpointUrl, self.tokenProvider, &GraphQLRequest{
		Query:         document,
		Variables:     variables,
		OperationName: operationName,
	}, NewNoopApiCallback[map[string]any]())
}

func (self *GraphQLClient) ExecuteAsync(document string, variables map[string]any, callback apiCallback[map[string]any]) {
	go HandleError(func() {
		operationName := ""
		if operation, err := ParseOperation(document); err == nil {
			operationName = operation.Name
		}
		post(self.ctx, self.client, self.endpointUrl, self.tokenProvider, &GraphQLRequest{
			Query:         document,
			Variables:     variables,
			OperationName: operationName,
		}, callback)
	})
}

// `QueryFetcher` implementation. the document is looked up by operation name.
func (self *GraphQLClient) FetchQuery(ctx context.Context, key QueryKey) (map[string]any, error) {
	operation, ok := self.documents.Lookup(key.Operation)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, key.Operation)
	}
	return post(ctx, self.client, self.endpointUrl, self.tokenProvider, &GraphQLRequest{
		Query:         operation.Document,
		Variables:     key.VariablesMap(),
		OperationName: operation.Name,
	}, NewNoopApiCallback[map[string]any]())
}

// the network call for a mutation document
func (self *GraphQLClient) Mutation(document string) NetworkCall {
	return func(ctx context.Context, variables Variables) (map[string]any, error) {
		return self.Execute(ctx, document, variables)
	}
}

func post(
	ctx context.Context,
	client *http.Client,
	url string,
	tokenProvider TokenProvider,
	request *GraphQLRequest,
	callback apiCallback[map[string]any],
) (map[string]any, error) {
	result, err := func() (map[string]any, error) {
		requestBodyBytes, err := json.Marshal(request)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Add("Content-Type", "application/json")

		if tokenProvider != nil {
			token, err := tokenProvider.GetToken(ctx)
			if err != nil {
				return nil, classifyTokenError(err)
			}
			if token != "" {
				req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
			}
		}

		r, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransientError{Err: err}
		}
		defer r.Body.Close()

		responseBodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, &TransientError{StatusCode: r.StatusCode, Err: err}
		}

		response := &protocol.DataPayload{}
		parseErr := json.Unmarshal(responseBodyBytes, response)

		if http.StatusOK != r.StatusCode {
			// graphql servers may answer 4xx with a well formed error body
			if parseErr == nil && 0 < len(response.Errors) && r.StatusCode < 500 {
				return nil, ClassifyGraphQLErrors(response.Errors)
			}
			return nil, ClassifyHttpStatus(r.StatusCode, string(responseBodyBytes))
		}
		if parseErr != nil {
			return nil, parseErr
		}
		if 0 < len(response.Errors) {
			return nil, ClassifyGraphQLErrors(response.Errors)
		}
		if response.Data == nil {
			return nil, ErrNoData
		}
		return response.Data, nil
	}()

	if err != nil {
		glog.V(LogLevelTrace).Infof("[api]%s error = %s\n", request.OperationName, err)
	}
	callback.Result(result, err)
	return result, err
}

// token failures count as an authentication outage unless already classified
func classifyTokenError(err error) error {
	var transientErr *TransientError
	var businessErr *BusinessError
	if errors.As(err, &transientErr) || errors.As(err, &businessErr) {
		return err
	}
	return NewAuthServiceError(0, err)
}
