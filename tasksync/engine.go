package tasksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// one instance of every service, wired together
// plans are registered by the caller on `Registry()` before `Start`
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *EngineSettings

	metrics     *Metrics
	cache       *Cache
	registry    *OptimisticRegistry
	documents   *DocumentRegistry
	client      *GraphQLClient
	transport   *RealtimeTransport
	runner      *MutationRunner
	coordinator *Coordinator
	// nil when persistence is disabled
	store *Store

	stateLock         sync.Mutex
	started           bool
	closed            bool
	unsubscribeGlobal UnsubscribeFunction
	persistTimer      *time.Timer
	removePersist     func()

	// serializes snapshot writes with store close
	persistLock sync.Mutex
}

func NewEngineWithDefaults(ctx context.Context, graphQLUrl string, tokenProvider TokenProvider) (*Engine, error) {
	settings := DefaultEngineSettings()
	settings.GraphQLUrl = graphQLUrl
	return NewEngine(ctx, tokenProvider, settings, nil)
}

// `registerer` may be nil to disable metrics
func NewEngine(
	ctx context.Context,
	tokenProvider TokenProvider,
	settings *EngineSettings,
	registerer prometheus.Registerer,
) (*Engine, error) {
	if settings.GraphQLUrl == "" {
		return nil, errors.New("GraphQL url is required.")
	}
	if _, err := RealtimeUrl(settings.GraphQLUrl, ""); err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}

	var store *Store
	if settings.PersistenceEnabled() {
		var err error
		store, err = OpenStore(settings.Store)
		if err != nil {
			return nil, err
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	var metrics *Metrics
	if registerer != nil {
		metrics = NewMetrics(registerer)
	}

	cache := NewCache()
	registry := NewOptimisticRegistry()
	documents := NewDocumentRegistry()
	client := NewGraphQLClient(cancelCtx, settings.GraphQLUrl, tokenProvider, documents, settings.GraphQL)
	transport := NewRealtimeTransport(
		cancelCtx,
		settings.GraphQLUrl,
		tokenProvider,
		NewWebsocketDialer(settings.Realtime),
		settings.Realtime,
		metrics,
	)
	runner := NewMutationRunner(cache, registry, NewEchoTracker(settings.EchoWindow), metrics, settings.Runner)
	coordinator := NewCoordinator(cancelCtx, cache, client, runner, metrics, settings.Coordinator)
	runner.SetRefresher(coordinator)
	if store != nil {
		runner.SetStore(store)
	}

	engine := &Engine{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		metrics:     metrics,
		cache:       cache,
		registry:    registry,
		documents:   documents,
		client:      client,
		transport:   transport,
		runner:      runner,
		coordinator: coordinator,
		store:       store,
	}
	if store != nil {
		engine.removePersist = cache.AddChangeCallback(engine.schedulePersist)
	}
	return engine, nil
}

func (self *Engine) Cache() *Cache {
	return self.cache
}

func (self *Engine) Registry() *OptimisticRegistry {
	return self.registry
}

func (self *Engine) Documents() *DocumentRegistry {
	return self.documents
}

func (self *Engine) Client() *GraphQLClient {
	return self.client
}

func (self *Engine) Transport() *RealtimeTransport {
	return self.transport
}

func (self *Engine) Runner() *MutationRunner {
	return self.runner
}

func (self *Engine) Coordinator() *Coordinator {
	return self.coordinator
}

func (self *Engine) SetConflictResolver(conflictResolver ConflictResolver) {
	self.runner.SetConflictResolver(conflictResolver)
}

// restores the persisted cache, resends pending mutations from the previous run
// and subscribes to the change streams
func (self *Engine) Start(ctx context.Context) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return ErrTransportClosed
	}
	if self.started {
		self.stateLock.Unlock()
		return nil
	}
	self.started = true
	self.stateLock.Unlock()

	startFailed := func(err error) error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.started = false
		return err
	}

	if self.store != nil {
		if err := self.restore(ctx); err != nil {
			return startFailed(err)
		}
	}
	if err := self.transport.Connect(ctx); err != nil {
		return startFailed(err)
	}
	unsubscribe, err := self.coordinator.SubscribeGlobal(self.ctx, self.transport, self.settings.RootLocationIds)
	if err != nil {
		return startFailed(err)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unsubscribeGlobal = unsubscribe
	return nil
}

func (self *Engine) restore(ctx context.Context) error {
	snapshot, err := self.store.LoadSnapshot()
	if err != nil {
		return err
	}
	if snapshot != nil {
		self.cache.Restore(snapshot)
		glog.V(LogLevelLifecycle).Infof(
			"[engine]restored %d queries, %d entities\n",
			len(snapshot.Queries),
			len(snapshot.Entities),
		)
	}

	pendings, err := self.store.ListPending()
	if err != nil {
		return err
	}
	if len(pendings) == 0 {
		return nil
	}
	glog.V(LogLevelLifecycle).Infof("[engine]replay %d pending mutations\n", len(pendings))
	err = self.runner.Replay(ctx, pendings, func(pending *PendingMutation) NetworkCall {
		document := pending.Document
		if document == "" {
			if operation, ok := self.documents.Lookup(pending.MutationName); ok {
				document = operation.Document
			}
		}
		return self.client.Mutation(document)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// a failed replay is rolled back like any failed mutation
		glog.Infof("[engine]replay = %s\n", err)
	}
	return nil
}

// runs a mutation through the optimistic runner
// an empty document is looked up by the mutation name
func (self *Engine) Mutate(ctx context.Context, request *MutationRequest) (*MutationResult, error) {
	document := request.Document
	if document == "" {
		operation, ok := self.documents.Lookup(request.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, request.Name)
		}
		document = operation.Document
		requestWithDocument := *request
		requestWithDocument.Document = document
		request = &requestWithDocument
	}
	return self.runner.Run(ctx, request, self.client.Mutation(document))
}

// cache first. a miss fetches and writes the result.
func (self *Engine) Query(ctx context.Context, key QueryKey) (map[string]any, error) {
	if value, ok := self.cache.ReadQuery(key); ok {
		return value, nil
	}
	if err := self.coordinator.Refetch(ctx, key); err != nil {
		return nil, err
	}
	value, ok := self.cache.ReadQuery(key)
	if !ok {
		return nil, ErrNoData
	}
	return value, nil
}

// watches the query, fetching it when not cached
// the query stays active until the returned function is called
func (self *Engine) Watch(key QueryKey, callback QueryWatchFunction) func() {
	cancel := self.cache.Watch(key, callback)
	if value, ok := self.cache.ReadQuery(key); ok {
		callback(value, true)
	} else {
		go HandleError(func() {
			self.coordinator.Refetch(self.ctx, key)
		})
	}
	return cancel
}

func (self *Engine) schedulePersist() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed || self.persistTimer != nil {
		return
	}
	self.persistTimer = time.AfterFunc(self.settings.PersistDebounce, func() {
		self.stateLock.Lock()
		self.persistTimer = nil
		self.stateLock.Unlock()
		self.persist()
	})
}

func (self *Engine) persist() {
	if self.store == nil {
		return
	}
	self.persistLock.Lock()
	defer self.persistLock.Unlock()
	if self.isClosed() {
		return
	}
	snapshot := self.cache.Extract()
	if err := self.store.SaveSnapshot(snapshot); err != nil {
		glog.Infof("[engine]persist error = %s\n", err)
		return
	}
	glog.V(LogLevelTrace).Infof("[engine]persisted %d queries\n", len(snapshot.Queries))
}

func (self *Engine) isClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

// the final cache snapshot is written before the store closes
func (self *Engine) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	unsubscribeGlobal := self.unsubscribeGlobal
	self.unsubscribeGlobal = nil
	if self.persistTimer != nil {
		self.persistTimer.Stop()
		self.persistTimer = nil
	}
	self.stateLock.Unlock()

	if unsubscribeGlobal != nil {
		unsubscribeGlobal()
	}
	self.coordinator.Close()
	self.transport.Close()
	self.client.Close()
	self.cancel()

	if self.store != nil {
		if self.removePersist != nil {
			self.removePersist()
		}
		self.persistLock.Lock()
		defer self.persistLock.Unlock()
		if err := self.store.SaveSnapshot(self.cache.Extract()); err != nil {
			glog.Infof("[engine]persist error = %s\n", err)
		}
		if err := self.store.Close(); err != nil {
			glog.Infof("[engine]store close error = %s\n", err)
		}
	}
}
