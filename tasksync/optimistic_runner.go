package tasksync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// runs a named mutation with optimistic cache patches
//
// sequence per mutation:
//   1. assign the clientMutationId and record the pending mutation
//   2. apply the registered plan's patches in one cache transaction
//   3. call the network through the retry policy
//   4. success: write the server response over the optimistic values and refresh
//      the queries that depend on the mutated entity
//   5. failure: roll back the patches in reverse order and route conflicts

const ClientMutationIdVariable = "clientMutationId"

type MutationRequest struct {
	// the mutation name. plans are looked up by this name.
	Name       string
	Document   string
	Variables  Variables
	EntityKind EntityKind
	// defaults to the `id` variable
	EntityId string
	// set to replay a mutation with its original idempotency token
	ClientMutationId string
}

type NetworkCall func(ctx context.Context, variables Variables) (map[string]any, error)

type MutationResult struct {
	ClientMutationId string
	Data             map[string]any
	// entities written from the server response
	Entities []EntityKey
}

type ConflictChoice string

const (
	ConflictChoiceRetry     ConflictChoice = "retry"
	ConflictChoiceUseServer ConflictChoice = "use-server"
	ConflictChoiceKeepLocal ConflictChoice = "keep-local"
)

type ConflictResolver func(ctx context.Context, request *MutationRequest, conflictErr *ConflictError) ConflictChoice

// refetches cached queries from the server
type QueryRefresher interface {
	Refresh(ctx context.Context, keys []QueryKey)
	RefreshActive(ctx context.Context)
}

// durable log of pending mutations
type PendingStore interface {
	PutPending(pending *PendingMutation) error
	DeletePending(clientMutationId string) error
}

// outcome labels
const (
	MutationOutcomeSuccess    = "success"
	MutationOutcomeRolledBack = "rolled_back"
	MutationOutcomeConflict   = "conflict"
)

func DefaultMutationRunnerSettings() *MutationRunnerSettings {
	return &MutationRunnerSettings{
		Retry:              DefaultMutationRetrySettings(),
		MaxConflictRetries: 1,
		IdVariables:        []string{"id"},
	}
}

type MutationRunnerSettings struct {
	Retry *RetrySettings `yaml:"retry"`
	// bound on `ConflictChoiceRetry` reruns per mutation
	MaxConflictRetries int `yaml:"max_conflict_retries"`
	// variables that key single entity queries
	IdVariables []string `yaml:"id_variables"`
}

type MutationRunner struct {
	cache    *Cache
	registry *OptimisticRegistry
	pending  *pendingQueue
	echo     *EchoTracker
	metrics  *Metrics
	settings *MutationRunnerSettings

	stateLock        sync.Mutex
	store            PendingStore
	refresher        QueryRefresher
	conflictResolver ConflictResolver
}

func NewMutationRunnerWithDefaults(cache *Cache, registry *OptimisticRegistry) *MutationRunner {
	return NewMutationRunner(cache, registry, NewEchoTracker(DefaultEchoWindow), nil, DefaultMutationRunnerSettings())
}

func NewMutationRunner(
	cache *Cache,
	registry *OptimisticRegistry,
	echo *EchoTracker,
	metrics *Metrics,
	settings *MutationRunnerSettings,
) *MutationRunner {
	return &MutationRunner{
		cache:    cache,
		registry: registry,
		pending:  newPendingQueue(),
		echo:     echo,
		metrics:  metrics,
		settings: settings,
	}
}

func (self *MutationRunner) SetStore(store PendingStore) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.store = store
}

func (self *MutationRunner) SetRefresher(refresher QueryRefresher) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.refresher = refresher
}

func (self *MutationRunner) SetConflictResolver(conflictResolver ConflictResolver) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conflictResolver = conflictResolver
}

func (self *MutationRunner) dependencies() (PendingStore, QueryRefresher, ConflictResolver) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.store, self.refresher, self.conflictResolver
}

func (self *MutationRunner) EchoTracker() *EchoTracker {
	return self.echo
}

func (self *MutationRunner) HasPendingForEntity(entityId string) bool {
	return self.pending.HasPendingForEntity(entityId)
}

func (self *MutationRunner) IsPendingClientMutationId(clientMutationId string) bool {
	return self.pending.ContainsClientMutationId(clientMutationId)
}

// pending mutations in submission order
func (self *MutationRunner) Pending() []*PendingMutation {
	return self.pending.List()
}

func (self *MutationRunner) Run(ctx context.Context, request *MutationRequest, call NetworkCall) (*MutationResult, error) {
	return self.run(ctx, request, call, 0, 0)
}

// `priorAttempts` counts the sends made by a previous run
func (self *MutationRunner) run(
	ctx context.Context,
	request *MutationRequest,
	call NetworkCall,
	conflictRetries int,
	priorAttempts int,
) (*MutationResult, error) {
	store, refresher, conflictResolver := self.dependencies()

	clientMutationId := request.ClientMutationId
	if clientMutationId == "" {
		if v, ok := request.Variables[ClientMutationIdVariable].(string); ok && v != "" {
			clientMutationId = v
		} else {
			clientMutationId = NewId().String()
		}
	}
	variables := Variables{}
	for k, v := range request.Variables {
		variables[k] = v
	}
	variables[ClientMutationIdVariable] = clientMutationId

	entityId := request.EntityId
	if entityId == "" {
		entityId, _ = idString(variables["id"])
	}

	pending := &PendingMutation{
		Id:               NewId(),
		ClientMutationId: clientMutationId,
		MutationName:     request.Name,
		Document:         request.Document,
		Variables:        variables,
		EntityKind:       request.EntityKind,
		EntityId:         entityId,
		SubmittedAt:      time.Now(),
		Attempt:          priorAttempts,
	}
	self.pending.Add(pending)
	self.metrics.SetPending(self.pending.QueueSize())
	if store != nil {
		if err := store.PutPending(pending); err != nil {
			glog.Infof("[mr]%s store error = %s\n", clientMutationId, err)
		}
	}
	if entityId != "" {
		self.echo.MarkEntityMutated(request.EntityKind, entityId, clientMutationId)
	}

	var patches []OptimisticPatch
	var contexts []*PatchContext
	group := NewPatchContextGroup()
	if plan, ok := self.registry.Lookup(request.Name); ok {
		pending.PlanName = request.Name
		patches = plan.Patches(variables)
		self.cache.Update(func(tx *CacheTx) {
			for _, patch := range patches {
				pctx := group.New()
				patch.Apply(tx, variables, pctx)
				contexts = append(contexts, pctx)
			}
			group.Applied(tx)
		})
		glog.V(LogLevelTrace).Infof("[mr]%s %s applied %d patches\n", clientMutationId, request.Name, len(patches))
	}

	data, err := ExecuteWithRetry(ctx, func(ctx context.Context) (map[string]any, error) {
		if record, ok := self.pending.IncrementAttempt(pending.Id); ok {
			if 1 < record.Attempt {
				glog.V(LogLevelLifecycle).Infof("[mr]%s %s attempt %d\n", clientMutationId, request.Name, record.Attempt)
			}
			if store != nil {
				if err := store.PutPending(record); err != nil {
					glog.Infof("[mr]%s store error = %s\n", clientMutationId, err)
				}
			}
		}
		data, err := call(ctx, variables)
		if err == nil && data == nil {
			err = ErrNoData
		}
		return data, err
	}, self.settings.Retry)

	self.pending.Remove(pending.Id)
	self.metrics.SetPending(self.pending.QueueSize())
	if store != nil {
		if err := store.DeletePending(clientMutationId); err != nil {
			glog.Infof("[mr]%s store error = %s\n", clientMutationId, err)
		}
	}

	if err == nil {
		var entities []EntityKey
		var refreshKeys []QueryKey
		self.cache.Update(func(tx *CacheTx) {
			for _, pctx := range contexts {
				pctx.Discard()
			}
			entities = tx.WriteEntities(data)
			if entityId != "" {
				refreshKeys = tx.QueriesForEntityId(entityId, self.settings.IdVariables...)
			}
		})
		self.metrics.Mutation(MutationOutcomeSuccess)
		glog.V(LogLevelLifecycle).Infof("[mr]%s %s confirmed\n", clientMutationId, request.Name)

		if refresher != nil && 0 < len(refreshKeys) {
			refresher.Refresh(ctx, refreshKeys)
		}
		return &MutationResult{
			ClientMutationId: clientMutationId,
			Data:             data,
			Entities:         entities,
		}, nil
	}

	skipped := []CacheKey{}
	if 0 < len(patches) {
		self.cache.Update(func(tx *CacheTx) {
			for i := len(patches) - 1; 0 <= i; i -= 1 {
				patches[i].Rollback(tx, variables, contexts[i])
			}
			skipped = group.Skipped()
		})
		self.metrics.Rollback()
	}
	if entityId != "" {
		self.echo.ClearEntityMutated(request.EntityKind, entityId, clientMutationId)
	}
	if refresher != nil && 0 < len(skipped) {
		// a newer write owns these keys. the server decides their value.
		refresher.Refresh(ctx, self.queriesForKeys(skipped))
	}

	if conflictErr, ok := AsConflict(err); ok {
		self.metrics.Mutation(MutationOutcomeConflict)
		glog.Infof("[mr]%s %s conflict = %s\n", clientMutationId, request.Name, conflictErr)

		choice := ConflictChoiceKeepLocal
		if conflictResolver != nil {
			choice = conflictResolver(ctx, request, conflictErr)
		}
		switch choice {
		case ConflictChoiceRetry:
			if conflictRetries < self.settings.MaxConflictRetries {
				retryRequest := *request
				retryRequest.ClientMutationId = ""
				retryRequest.Variables = Variables{}
				for k, v := range request.Variables {
					if k != ClientMutationIdVariable {
						retryRequest.Variables[k] = v
					}
				}
				return self.run(ctx, &retryRequest, call, conflictRetries+1, 0)
			}
		case ConflictChoiceUseServer:
			if refresher != nil {
				refresher.RefreshActive(ctx)
			}
		}
		return nil, err
	}

	self.metrics.Mutation(MutationOutcomeRolledBack)
	glog.Infof("[mr]%s %s rolled back = %s\n", clientMutationId, request.Name, err)
	return nil, err
}

func (self *MutationRunner) queriesForKeys(keys []CacheKey) []QueryKey {
	queryKeys := map[QueryKey]bool{}
	self.cache.Update(func(tx *CacheTx) {
		for _, key := range keys {
			if queryKey, ok := key.Query(); ok {
				if tx.HasQuery(queryKey) {
					queryKeys[queryKey] = true
				}
			} else if entityKey, ok := key.Entity(); ok {
				for _, queryKey := range tx.QueriesReferencing(entityKey) {
					queryKeys[queryKey] = true
				}
			}
		}
	})
	return sortedQueryKeys(queryKeys)
}

// builds the network call for a pending mutation loaded from the store
type MutationExecutor func(pending *PendingMutation) NetworkCall

// resends mutations left pending by a previous run, in submission order,
// with their original idempotency tokens
func (self *MutationRunner) Replay(ctx context.Context, pendings []*PendingMutation, executor MutationExecutor) error {
	queue := newPendingQueue()
	for _, pending := range pendings {
		queue.Add(pending)
	}

	var replayErr error
	for pending := queue.RemoveFirst(); pending != nil; pending = queue.RemoveFirst() {
		request := &MutationRequest{
			Name:             pending.MutationName,
			Document:         pending.Document,
			Variables:        pending.Variables,
			EntityKind:       pending.EntityKind,
			EntityId:         pending.EntityId,
			ClientMutationId: pending.ClientMutationId,
		}
		glog.V(LogLevelLifecycle).Infof("[mr]replay %s %s\n", pending.ClientMutationId, pending.MutationName)
		if _, err := self.run(ctx, request, executor(pending), 0, pending.Attempt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			self.revertToServer(ctx, pending)
			if replayErr == nil {
				replayErr = fmt.Errorf("replay %s: %w", pending.ClientMutationId, err)
			}
		}
	}
	return replayErr
}

// the restored cache already holds the optimistic values of a replayed mutation,
// so rolling back its patches does not reach server truth.
// active queries for the entity are refetched, inactive ones dropped,
// and the entity is evicted once nothing references it.
func (self *MutationRunner) revertToServer(ctx context.Context, pending *PendingMutation) {
	if pending.EntityId == "" {
		return
	}
	_, refresher, _ := self.dependencies()

	var keys []QueryKey
	self.cache.Update(func(tx *CacheTx) {
		keys = tx.QueriesForEntityId(pending.EntityId, self.settings.IdVariables...)
		if refresher == nil {
			for _, key := range keys {
				tx.EvictQuery(key)
			}
		}
	})
	if refresher != nil && 0 < len(keys) {
		refresher.Refresh(ctx, keys)
	}

	if pending.EntityKind == "" {
		return
	}
	entityKey := pending.EntityKind.EntityKey(pending.EntityId)
	evicted := false
	self.cache.Update(func(tx *CacheTx) {
		if len(tx.QueriesReferencing(entityKey)) == 0 {
			evicted = tx.EvictEntity(entityKey)
		}
	})
	glog.V(LogLevelLifecycle).Infof(
		"[mr]replay %s reverted to server: refresh=%d evict=%t\n",
		pending.ClientMutationId,
		len(keys),
		evicted,
	)
}

const DefaultEchoWindow = 5 * time.Second

type echoKey struct {
	entityKind EntityKind
	entityId   string
}

type echoMark struct {
	clientMutationId string
	markTime         time.Time
}

// remembers recent local mutations so their server echoes can be recognized
type EchoTracker struct {
	window time.Duration
	now    func() time.Time

	stateLock sync.Mutex
	marks     map[echoKey]*echoMark
}

func NewEchoTracker(window time.Duration) *EchoTracker {
	return &EchoTracker{
		window: window,
		now:    time.Now,
		marks:  map[echoKey]*echoMark{},
	}
}

func (self *EchoTracker) MarkEntityMutated(entityKind EntityKind, entityId string, clientMutationId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.marks[echoKey{entityKind, entityId}] = &echoMark{
		clientMutationId: clientMutationId,
		markTime:         self.now(),
	}
}

// clears the mark only if it still belongs to the mutation
func (self *EchoTracker) ClearEntityMutated(entityKind EntityKind, entityId string, clientMutationId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	key := echoKey{entityKind, entityId}
	if mark, ok := self.marks[key]; ok && mark.clientMutationId == clientMutationId {
		delete(self.marks, key)
	}
}

// an event is an echo when it carries the last local clientMutationId for the entity,
// or arrives within the window after the last local mutation
func (self *EchoTracker) IsLikelyEcho(entityKind EntityKind, entityId string, clientMutationId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	key := echoKey{entityKind, entityId}
	mark, ok := self.marks[key]
	if !ok {
		return false
	}
	if clientMutationId != "" && clientMutationId == mark.clientMutationId {
		return true
	}
	if self.now().Sub(mark.markTime) < self.window {
		return true
	}
	delete(self.marks, key)
	return false
}
