package tasksync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// the coordinator maps push change events to the cached queries they affect
// and invalidates or refetches those queries in one cache transaction per event
//
// single entity queries keyed by the event id are refetched when watched, otherwise dropped.
// `deleted` evicts them and the entity.
// list queries are invalidated only when the event scope overlaps the list's root locations.
// summary queries are always invalidated.

type EntityKind string

const (
	EntityKindTask     EntityKind = "task"
	EntityKindPatient  EntityKind = "patient"
	EntityKindLocation EntityKind = "location"
)

const (
	TypenameTask     = "TaskType"
	TypenamePatient  = "PatientType"
	TypenameLocation = "LocationNodeType"
	TypenameUser     = "UserType"
)

func (self EntityKind) Typename() string {
	switch self {
	case EntityKindTask:
		return TypenameTask
	case EntityKindPatient:
		return TypenamePatient
	case EntityKindLocation:
		return TypenameLocation
	default:
		return ""
	}
}

func (self EntityKind) EntityKey(id string) EntityKey {
	return EntityKey{
		Typename: self.Typename(),
		Id:       id,
	}
}

type ChangeKind string

const (
	ChangeKindCreated ChangeKind = "created"
	ChangeKindUpdated ChangeKind = "updated"
	ChangeKindDeleted ChangeKind = "deleted"
)

type ChangeEvent struct {
	EntityKind EntityKind
	EntityId   string
	Change     ChangeKind
	// set when the server echoes the token of the mutation that caused the change
	ClientMutationId string
	// location ids carried by the event, if any
	LocationIds []string
}

type QueryRole string

const (
	QueryRoleSingle  QueryRole = "single"
	QueryRoleList    QueryRole = "list"
	QueryRoleSummary QueryRole = "summary"
)

// how the coordinator treats cached queries of one operation
type QueryPolicy struct {
	Operation  string
	Role       QueryRole
	EntityKind EntityKind
	// single queries: the variable holding the entity id
	IdVariable string
	// list queries: the variable holding root location ids. empty means unscoped.
	ScopeVariable string
	// single queries: the response field holding the entity, used for the updateDate check
	ResultField string
}

func DefaultQueryPolicies() []*QueryPolicy {
	return []*QueryPolicy{
		{Operation: "GetTask", Role: QueryRoleSingle, EntityKind: EntityKindTask, IdVariable: "id", ResultField: "task"},
		{Operation: "GetPatient", Role: QueryRoleSingle, EntityKind: EntityKindPatient, IdVariable: "id", ResultField: "patient"},
		{Operation: "GetLocationNode", Role: QueryRoleSingle, EntityKind: EntityKindLocation, IdVariable: "id", ResultField: "locationNode"},
		{Operation: "GetTasks", Role: QueryRoleList, EntityKind: EntityKindTask, ScopeVariable: "rootLocationIds"},
		{Operation: "GetMyTasks", Role: QueryRoleList, EntityKind: EntityKindTask},
		{Operation: "GetPatients", Role: QueryRoleList, EntityKind: EntityKindPatient, ScopeVariable: "rootLocationIds"},
		{Operation: "GetLocations", Role: QueryRoleList, EntityKind: EntityKindLocation},
		{Operation: "GetGlobalData", Role: QueryRoleSummary},
		{Operation: "GetOverviewData", Role: QueryRoleSummary},
	}
}

type QueryFetcher interface {
	FetchQuery(ctx context.Context, key QueryKey) (map[string]any, error)
}

type ConflictStrategy string

const (
	// push updates for an entity with a pending local mutation are skipped
	ConflictStrategyDefer      ConflictStrategy = "defer"
	ConflictStrategyServerWins ConflictStrategy = "server-wins"
)

// resolves the location ids an event touches, including ancestors
// `known` is false when the cache cannot tell
type ScopeResolver func(tx *CacheTx, event *ChangeEvent) (scope []string, known bool)

// refetch results
const (
	RefetchResultSuccess = "success"
	RefetchResultError   = "error"
	RefetchResultStale   = "stale"
	RefetchResultLimited = "limited"
	RefetchResultRemoved = "removed"
)

// invalidation actions
const (
	InvalidationActionRefetch = "refetch"
	InvalidationActionDrop    = "drop"
	InvalidationActionEvict   = "evict"
)

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		ConflictStrategy:    ConflictStrategyDefer,
		RefetchRate:         rate.Limit(20),
		RefetchBurst:        10,
		RefetchTimeout:      30 * time.Second,
		RemovedRefetchLimit: 1,
		Policies:            DefaultQueryPolicies(),
	}
}

type CoordinatorSettings struct {
	ConflictStrategy ConflictStrategy `yaml:"conflict_strategy"`
	// refetches per second across all queries
	RefetchRate    rate.Limit    `yaml:"refetch_rate"`
	RefetchBurst   int           `yaml:"refetch_burst"`
	RefetchTimeout time.Duration `yaml:"refetch_timeout"`
	// extra fetches when a result embeds an entity deleted during the fetch
	RemovedRefetchLimit int            `yaml:"removed_refetch_limit"`
	Policies            []*QueryPolicy `yaml:"-"`
	// nil uses the cached location graph
	ScopeResolver ScopeResolver `yaml:"-"`
}

// the targets of one event, computed once
type InvalidationBatch struct {
	Event *ChangeEvent
	// empty when the event was applied
	SkipReason      string
	Scope           []string
	ScopeKnown      bool
	Refetch         []QueryKey
	Dropped         []QueryKey
	Evicted         []QueryKey
	EvictedEntities []EntityKey
}

func (self *InvalidationBatch) Skipped() bool {
	return self.SkipReason != ""
}

type pendingChecker interface {
	HasPendingForEntity(entityId string) bool
	IsPendingClientMutationId(clientMutationId string) bool
}

type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache    *Cache
	fetcher  QueryFetcher
	pending  pendingChecker
	echo     *EchoTracker
	metrics  *Metrics
	settings *CoordinatorSettings

	policies      map[string]*QueryPolicy
	scopeResolver ScopeResolver

	refetchGroup singleflight.Group
	limiter      *rate.Limiter

	stateLock          sync.Mutex
	refreshingEntities map[EntityKey]int
	removalGeneration  uint64
	removedQueries     map[QueryKey]uint64
	removedEntities    map[EntityKey]uint64
	// removal generation at start -> refetches in flight
	refetchStarts map[uint64]int

	refreshingCallbacks *CallbackList[func()]
	batchCallbacks      *CallbackList[func(*InvalidationBatch)]
}

func NewCoordinatorWithDefaults(ctx context.Context, cache *Cache, fetcher QueryFetcher, runner *MutationRunner) *Coordinator {
	return NewCoordinator(ctx, cache, fetcher, runner, nil, DefaultCoordinatorSettings())
}

// `runner` may be nil, in which case no event is treated as an echo or deferred
func NewCoordinator(
	ctx context.Context,
	cache *Cache,
	fetcher QueryFetcher,
	runner *MutationRunner,
	metrics *Metrics,
	settings *CoordinatorSettings,
) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)

	policies := map[string]*QueryPolicy{}
	for _, policy := range settings.Policies {
		policies[policy.Operation] = policy
	}
	scopeResolver := settings.ScopeResolver
	if scopeResolver == nil {
		scopeResolver = ResolveCachedScope
	}

	coordinator := &Coordinator{
		ctx:                 cancelCtx,
		cancel:              cancel,
		cache:               cache,
		fetcher:             fetcher,
		metrics:             metrics,
		settings:            settings,
		policies:            policies,
		scopeResolver:       scopeResolver,
		limiter:             rate.NewLimiter(settings.RefetchRate, settings.RefetchBurst),
		refreshingEntities:  map[EntityKey]int{},
		removedQueries:      map[QueryKey]uint64{},
		removedEntities:     map[EntityKey]uint64{},
		refetchStarts:       map[uint64]int{},
		refreshingCallbacks: NewCallbackList[func()](),
		batchCallbacks:      NewCallbackList[func(*InvalidationBatch)](),
	}
	if runner != nil {
		coordinator.pending = runner
		coordinator.echo = runner.EchoTracker()
	}
	return coordinator
}

func (self *Coordinator) Close() {
	self.cancel()
}

func (self *Coordinator) Policy(operation string) (*QueryPolicy, bool) {
	policy, ok := self.policies[operation]
	return policy, ok
}

func (self *Coordinator) AddBatchCallback(callback func(*InvalidationBatch)) func() {
	callbackId := self.batchCallbacks.Add(callback)
	return func() {
		self.batchCallbacks.Remove(callbackId)
	}
}

// applies one event and waits for its refetches
func (self *Coordinator) HandleEvent(ctx context.Context, event *ChangeEvent) *InvalidationBatch {
	batch := &InvalidationBatch{
		Event: event,
	}

	if reason := self.skipReason(event); reason != "" {
		batch.SkipReason = reason
		glog.V(LogLevelLifecycle).Infof("[nc]skip %s %s %s (%s)\n", event.Change, event.EntityKind, event.EntityId, reason)
		self.notifyBatch(batch)
		return batch
	}

	self.cache.Update(func(tx *CacheTx) {
		self.planWithLock(tx, batch)
		self.applyWithLock(tx, batch)
		if event.Change == ChangeKindDeleted {
			self.recordRemovals(batch)
		}
	})

	glog.V(LogLevelLifecycle).Infof(
		"[nc]%s %s %s: refetch=%d drop=%d evict=%d\n",
		event.Change,
		event.EntityKind,
		event.EntityId,
		len(batch.Refetch),
		len(batch.Dropped),
		len(batch.Evicted)+len(batch.EvictedEntities),
	)
	self.notifyBatch(batch)

	if 0 < len(batch.Refetch) {
		self.refetchAll(ctx, batch.Refetch)
	}
	return batch
}

func (self *Coordinator) notifyBatch(batch *InvalidationBatch) {
	for _, callback := range self.batchCallbacks.Get() {
		HandleError(func() {
			callback(batch)
		})
	}
}

func (self *Coordinator) skipReason(event *ChangeEvent) string {
	if event.Change != ChangeKindUpdated {
		return ""
	}
	if self.pending != nil && event.ClientMutationId != "" && self.pending.IsPendingClientMutationId(event.ClientMutationId) {
		return "echo"
	}
	if self.echo != nil && self.echo.IsLikelyEcho(event.EntityKind, event.EntityId, event.ClientMutationId) {
		return "echo"
	}
	if self.settings.ConflictStrategy == ConflictStrategyDefer && self.pending != nil && self.pending.HasPendingForEntity(event.EntityId) {
		return "deferred"
	}
	return ""
}

// computes the targets. the scope is resolved before anything is evicted.
func (self *Coordinator) planWithLock(tx *CacheTx, batch *InvalidationBatch) {
	event := batch.Event
	batch.Scope, batch.ScopeKnown = self.scopeResolver(tx, event)
	entityKey := event.EntityKind.EntityKey(event.EntityId)

	for _, key := range tx.Queries() {
		policy, ok := self.policies[key.Operation]
		affected := false
		role := QueryRoleSingle
		if !ok {
			// unknown operations are affected when they embed the entity
			affected = slices.Contains(tx.QueriesReferencing(entityKey), key)
		} else {
			role = policy.Role
			switch policy.Role {
			case QueryRoleSingle:
				affected = self.singleAffected(tx, policy, key, event, entityKey)
			case QueryRoleList:
				affected = self.listAffected(tx, policy, key, event, entityKey, batch)
			case QueryRoleSummary:
				affected = true
			}
		}
		if !affected {
			continue
		}

		switch {
		case role == QueryRoleSingle && event.Change == ChangeKindDeleted && self.keyedBy(policy, key, event):
			batch.Evicted = append(batch.Evicted, key)
			self.metrics.Invalidation(role, InvalidationActionEvict)
		case tx.IsActive(key):
			batch.Refetch = append(batch.Refetch, key)
			self.metrics.Invalidation(role, InvalidationActionRefetch)
		default:
			batch.Dropped = append(batch.Dropped, key)
			self.metrics.Invalidation(role, InvalidationActionDrop)
		}
	}

	if event.Change == ChangeKindDeleted && tx.HasEntity(entityKey) {
		batch.EvictedEntities = append(batch.EvictedEntities, entityKey)
	}
}

func (self *Coordinator) keyedBy(policy *QueryPolicy, key QueryKey, event *ChangeEvent) bool {
	if policy == nil || policy.IdVariable == "" || policy.EntityKind != event.EntityKind {
		return false
	}
	id, ok := idString(key.VariablesMap()[policy.IdVariable])
	return ok && id == event.EntityId
}

func (self *Coordinator) singleAffected(tx *CacheTx, policy *QueryPolicy, key QueryKey, event *ChangeEvent, entityKey EntityKey) bool {
	if self.keyedBy(policy, key, event) {
		return true
	}
	// e.g. a patient query embedding the updated task
	return tx.reachableEntities(key)[entityKey]
}

func (self *Coordinator) listAffected(tx *CacheTx, policy *QueryPolicy, key QueryKey, event *ChangeEvent, entityKey EntityKey, batch *InvalidationBatch) bool {
	if event.EntityKind == EntityKindLocation {
		// location changes move scopes
		return true
	}
	if policy.EntityKind != event.EntityKind && !tx.reachableEntities(key)[entityKey] {
		return false
	}
	if policy.ScopeVariable == "" {
		return true
	}
	listScope := stringList(key.VariablesMap()[policy.ScopeVariable])
	if len(listScope) == 0 {
		// unscoped
		return true
	}
	if !batch.ScopeKnown {
		return true
	}
	for _, locationId := range batch.Scope {
		if slices.Contains(listScope, locationId) {
			return true
		}
	}
	return false
}

func (self *Coordinator) applyWithLock(tx *CacheTx, batch *InvalidationBatch) {
	for _, key := range batch.Evicted {
		tx.EvictQuery(key)
	}
	for _, key := range batch.Dropped {
		tx.EvictQuery(key)
	}
	for _, entityKey := range batch.EvictedEntities {
		tx.EvictEntity(entityKey)
	}
}

// tombstones the keys a deleted event removed
// a refetch that started before the removal must not write them back
func (self *Coordinator) recordRemovals(batch *InvalidationBatch) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.refetchStarts) == 0 {
		// no refetch can predate this removal
		return
	}
	self.removalGeneration += 1
	for _, key := range batch.Evicted {
		self.removedQueries[key] = self.removalGeneration
	}
	for _, key := range batch.Dropped {
		self.removedQueries[key] = self.removalGeneration
	}
	for _, entityKey := range batch.EvictedEntities {
		self.removedEntities[entityKey] = self.removalGeneration
	}
	entityKey := batch.Event.EntityKind.EntityKey(batch.Event.EntityId)
	self.removedEntities[entityKey] = self.removalGeneration
}

func (self *Coordinator) beginRefetch() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.refetchStarts[self.removalGeneration] += 1
	return self.removalGeneration
}

func (self *Coordinator) endRefetch(start uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.refetchStarts[start] -= 1
	if self.refetchStarts[start] <= 0 {
		delete(self.refetchStarts, start)
	}

	// tombstones at or before the oldest start in flight can no longer match
	if len(self.refetchStarts) == 0 {
		clear(self.removedQueries)
		clear(self.removedEntities)
		return
	}
	oldestStart := self.removalGeneration
	for start := range self.refetchStarts {
		oldestStart = min(oldestStart, start)
	}
	for key, generation := range self.removedQueries {
		if generation <= oldestStart {
			delete(self.removedQueries, key)
		}
	}
	for key, generation := range self.removedEntities {
		if generation <= oldestStart {
			delete(self.removedEntities, key)
		}
	}
}

type refetchOutcome int

const (
	refetchWritten refetchOutcome = iota
	refetchStale
	// the query itself was removed after the fetch started
	refetchRemovedQuery
	// the result embeds an entity removed after the fetch started
	refetchRemovedEntity
)

// the tombstone check and write happen under the cache lock, so no removal can interleave
func (self *Coordinator) writeRefetchWithLock(tx *CacheTx, key QueryKey, policy *QueryPolicy, data map[string]any, start uint64) refetchOutcome {
	removed := func() refetchOutcome {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if start < self.removedQueries[key] {
			return refetchRemovedQuery
		}
		if len(self.removedEntities) == 0 {
			return refetchWritten
		}
		entityKeys := map[EntityKey]bool{}
		collectEntityKeys(toJsonValue(data), entityKeys)
		for entityKey := range entityKeys {
			if start < self.removedEntities[entityKey] {
				return refetchRemovedEntity
			}
		}
		return refetchWritten
	}()
	if removed != refetchWritten {
		return removed
	}

	if policy != nil && policy.ResultField != "" {
		if existing, ok := tx.ReadQuery(key); ok {
			if !isNewer(data[policy.ResultField], existing[policy.ResultField]) {
				return refetchStale
			}
		}
	}
	tx.WriteQuery(key, data)
	return refetchWritten
}

func stringList(value any) []string {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := idString(e); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// `QueryRefresher` implementation

// refetches the active keys and drops the inactive ones
func (self *Coordinator) Refresh(ctx context.Context, keys []QueryKey) {
	refetchKeys := []QueryKey{}
	self.cache.Update(func(tx *CacheTx) {
		for _, key := range keys {
			if tx.IsActive(key) {
				refetchKeys = append(refetchKeys, key)
			} else {
				tx.EvictQuery(key)
			}
		}
	})
	self.refetchAll(ctx, refetchKeys)
}

func (self *Coordinator) RefreshActive(ctx context.Context) {
	keys := self.cache.ActiveQueries()
	if glog.V(LogLevelTrace) {
		Trace(fmt.Sprintf("[nc]refresh active %d", len(keys)), func() {
			self.refetchAll(ctx, keys)
		})
		return
	}
	self.refetchAll(ctx, keys)
}

func (self *Coordinator) refetchAll(ctx context.Context, keys []QueryKey) {
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go HandleError(func() {
			defer wg.Done()
			self.Refetch(ctx, key)
		})
	}
	wg.Wait()
}

// fetches the query and writes the result. concurrent refetches of a key share one fetch.
func (self *Coordinator) Refetch(ctx context.Context, key QueryKey) error {
	_, err, _ := self.refetchGroup.Do(key.String(), func() (any, error) {
		return nil, self.refetch(ctx, key)
	})
	return err
}

func (self *Coordinator) refetch(ctx context.Context, key QueryKey) error {
	policy := self.policies[key.Operation]
	var refreshingKey *EntityKey
	if policy != nil && policy.Role == QueryRoleSingle && policy.IdVariable != "" {
		if id, ok := idString(key.VariablesMap()[policy.IdVariable]); ok {
			entityKey := policy.EntityKind.EntityKey(id)
			refreshingKey = &entityKey
		}
	}
	if refreshingKey != nil {
		self.addRefreshing(*refreshingKey)
		defer self.removeRefreshing(*refreshingKey)
	}

	for i := 0; ; i += 1 {
		outcome, err := self.fetchAndWrite(ctx, key, policy)
		if err != nil {
			return err
		}
		switch outcome {
		case refetchWritten:
			self.metrics.Refetch(RefetchResultSuccess)
			return nil
		case refetchStale:
			self.metrics.Refetch(RefetchResultStale)
			glog.V(LogLevelTrace).Infof("[nc]refetch %s stale\n", key)
			return nil
		case refetchRemovedQuery:
			self.metrics.Refetch(RefetchResultRemoved)
			glog.V(LogLevelTrace).Infof("[nc]refetch %s removed during fetch\n", key)
			return nil
		case refetchRemovedEntity:
			self.metrics.Refetch(RefetchResultRemoved)
			// the result predates a delete. fetch again while the query is still wanted.
			if self.settings.RemovedRefetchLimit <= i || !self.cache.IsActive(key) {
				glog.V(LogLevelTrace).Infof("[nc]refetch %s embeds a removed entity\n", key)
				return nil
			}
		}
	}
}

func (self *Coordinator) fetchAndWrite(ctx context.Context, key QueryKey, policy *QueryPolicy) (refetchOutcome, error) {
	if err := self.limiter.Wait(ctx); err != nil {
		self.metrics.Refetch(RefetchResultLimited)
		return refetchWritten, err
	}

	start := self.beginRefetch()
	defer self.endRefetch(start)

	fetchCtx, fetchCancel := context.WithTimeout(ctx, self.settings.RefetchTimeout)
	defer fetchCancel()
	data, err := self.fetcher.FetchQuery(fetchCtx, key)
	if err != nil {
		self.metrics.Refetch(RefetchResultError)
		glog.Infof("[nc]refetch %s error = %s\n", key, err)
		return refetchWritten, err
	}

	var outcome refetchOutcome
	self.cache.Update(func(tx *CacheTx) {
		outcome = self.writeRefetchWithLock(tx, key, policy, data, start)
	})
	return outcome, nil
}

// true unless both sides carry an updateDate and the incoming one is not after the existing one
func isNewer(incoming any, existing any) bool {
	incomingFields, ok := incoming.(map[string]any)
	if !ok {
		return true
	}
	existingFields, ok := existing.(map[string]any)
	if !ok {
		return true
	}
	incomingDate, ok := incomingFields["updateDate"].(string)
	if !ok || incomingDate == "" {
		return true
	}
	existingDate, ok := existingFields["updateDate"].(string)
	if !ok || existingDate == "" {
		return true
	}
	incomingTime, err1 := time.Parse(time.RFC3339Nano, incomingDate)
	existingTime, err2 := time.Parse(time.RFC3339Nano, existingDate)
	if err1 != nil || err2 != nil {
		return existingDate < incomingDate
	}
	return existingTime.Before(incomingTime)
}

func (self *Coordinator) addRefreshing(key EntityKey) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.refreshingEntities[key] += 1
	}()
	self.refreshingChanged()
}

func (self *Coordinator) removeRefreshing(key EntityKey) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.refreshingEntities[key] -= 1
		if self.refreshingEntities[key] <= 0 {
			delete(self.refreshingEntities, key)
		}
	}()
	self.refreshingChanged()
}

func (self *Coordinator) refreshingChanged() {
	for _, callback := range self.refreshingCallbacks.Get() {
		HandleError(callback)
	}
}

// entities with a refetch in flight
func (self *Coordinator) RefreshingEntities() []EntityKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	keys := make([]EntityKey, 0, len(self.refreshingEntities))
	for key := range self.refreshingEntities {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareEntityKeys)
	return keys
}

func (self *Coordinator) IsRefreshing(key EntityKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < self.refreshingEntities[key]
}

func (self *Coordinator) AddRefreshingCallback(callback func()) func() {
	callbackId := self.refreshingCallbacks.Add(callback)
	return func() {
		self.refreshingCallbacks.Remove(callbackId)
	}
}

type globalSubscription struct {
	document   string
	entityKind EntityKind
	change     ChangeKind
	scoped     bool
}

var globalSubscriptions = []*globalSubscription{
	{
		document:   `subscription TaskCreated($rootLocationIds: [ID!]) { taskCreated(rootLocationIds: $rootLocationIds) }`,
		entityKind: EntityKindTask,
		change:     ChangeKindCreated,
		scoped:     true,
	},
	{
		document:   `subscription TaskUpdated($taskId: ID, $rootLocationIds: [ID!]) { taskUpdated(taskId: $taskId, rootLocationIds: $rootLocationIds) }`,
		entityKind: EntityKindTask,
		change:     ChangeKindUpdated,
		scoped:     true,
	},
	{
		document:   `subscription TaskDeleted($rootLocationIds: [ID!]) { taskDeleted(rootLocationIds: $rootLocationIds) }`,
		entityKind: EntityKindTask,
		change:     ChangeKindDeleted,
		scoped:     true,
	},
	{
		document:   `subscription PatientCreated($rootLocationIds: [ID!]) { patientCreated(rootLocationIds: $rootLocationIds) }`,
		entityKind: EntityKindPatient,
		change:     ChangeKindCreated,
		scoped:     true,
	},
	{
		document:   `subscription PatientUpdated($patientId: ID, $rootLocationIds: [ID!]) { patientUpdated(patientId: $patientId, rootLocationIds: $rootLocationIds) }`,
		entityKind: EntityKindPatient,
		change:     ChangeKindUpdated,
		scoped:     true,
	},
	{
		document:   `subscription PatientStateChanged($patientId: ID, $rootLocationIds: [ID!]) { patientStateChanged(patientId: $patientId, rootLocationIds: $rootLocationIds) }`,
		entityKind: EntityKindPatient,
		change:     ChangeKindUpdated,
		scoped:     true,
	},
	{
		document:   `subscription LocationNodeCreated { locationNodeCreated }`,
		entityKind: EntityKindLocation,
		change:     ChangeKindCreated,
	},
	{
		document:   `subscription LocationNodeUpdated($locationId: ID) { locationNodeUpdated(locationId: $locationId) }`,
		entityKind: EntityKindLocation,
		change:     ChangeKindUpdated,
	},
	{
		document:   `subscription LocationNodeDeleted { locationNodeDeleted }`,
		entityKind: EntityKindLocation,
		change:     ChangeKindDeleted,
	},
}

type Subscriber interface {
	Subscribe(ctx context.Context, query string, variables map[string]any, observer SubscriptionObserver) UnsubscribeFunction
}

// subscribes to every entity change stream and feeds the events to `HandleEvent`
// returns one function that unsubscribes all
func (self *Coordinator) SubscribeGlobal(ctx context.Context, subscriber Subscriber, rootLocationIds []string) (UnsubscribeFunction, error) {
	unsubscribes := []UnsubscribeFunction{}
	unsubscribeAll := func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}

	for _, subscription := range globalSubscriptions {
		operation, err := ParseOperation(subscription.document)
		if err != nil {
			unsubscribeAll()
			return nil, err
		}

		variables := map[string]any{}
		if subscription.scoped && 0 < len(rootLocationIds) && operation.DeclaresVariable("rootLocationIds") {
			variables["rootLocationIds"] = rootLocationIds
		}

		entityKind := subscription.entityKind
		change := subscription.change
		name := operation.Name
		observer := &ObserverFuncs{
			NextFn: func(payload json.RawMessage) {
				event, ok := ParseChangeEvent(payload, entityKind, change)
				if !ok {
					glog.V(LogLevelTrace).Infof("[nc]%s no entity id\n", name)
					return
				}
				go HandleError(func() {
					self.HandleEvent(self.ctx, event)
				})
			},
			ErrorFn: func(err error) {
				glog.Infof("[nc]%s error = %s\n", name, err)
			},
		}
		unsubscribes = append(unsubscribes, subscriber.Subscribe(ctx, subscription.document, variables, observer))
	}
	return unsubscribeAll, nil
}

// reads the entity id from a push payload
//
// accepted shapes:
//   "id"
//   {"data": {"taskUpdated": "id"}}
//   {"data": {"taskUpdated": {"id": "id", "clientMutationId": "...", "locationIds": [...]}}}
//   {"payload": "id"}
func ParseChangeEvent(payload json.RawMessage, entityKind EntityKind, change ChangeKind) (*ChangeEvent, bool) {
	event := &ChangeEvent{
		EntityKind: entityKind,
		Change:     change,
	}

	var message any
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, false
	}

	switch v := message.(type) {
	case string:
		event.EntityId = v
	case map[string]any:
		if data, ok := v["data"].(map[string]any); ok && 0 < len(data) {
			keys := make([]string, 0, len(data))
			for k := range data {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			switch first := data[keys[0]].(type) {
			case string:
				event.EntityId = first
			case map[string]any:
				event.EntityId, _ = idString(first["id"])
				event.ClientMutationId, _ = first[ClientMutationIdVariable].(string)
				event.LocationIds = stringList(first["locationIds"])
			}
		} else if id, ok := v["payload"].(string); ok {
			event.EntityId = id
		}
	}

	if event.EntityId == "" {
		return nil, false
	}
	return event, true
}
