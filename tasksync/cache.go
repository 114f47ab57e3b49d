package tasksync

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// the local cache is a normalized store of query results and entities
// every read or write happens inside `Update`, which holds the cache lock
// watchers and change callbacks run after the lock is released

type cachedQuery struct {
	value      map[string]any
	generation uint64
}

type cachedEntity struct {
	fields     map[string]any
	generation uint64
}

type QueryWatchFunction func(value map[string]any, ok bool)

type queryWatcher struct {
	key      QueryKey
	callback QueryWatchFunction
}

type Cache struct {
	stateLock  sync.Mutex
	generation uint64
	queries    map[QueryKey]*cachedQuery
	entities   map[EntityKey]*cachedEntity

	nextWatcherId int
	watchers      map[int]*queryWatcher

	changeCallbacks *CallbackList[func()]
}

func NewCache() *Cache {
	return &Cache{
		queries:         map[QueryKey]*cachedQuery{},
		entities:        map[EntityKey]*cachedEntity{},
		watchers:        map[int]*queryWatcher{},
		changeCallbacks: NewCallbackList[func()](),
	}
}

// runs `update` under the cache lock as one transaction
func (self *Cache) Update(update func(tx *CacheTx)) {
	notifications, changed := func() ([]func(), bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		tx := &CacheTx{
			cache:         self,
			dirtyQueries:  map[QueryKey]bool{},
			dirtyEntities: map[EntityKey]bool{},
		}
		update(tx)

		if len(tx.dirtyQueries) == 0 && len(tx.dirtyEntities) == 0 {
			return nil, false
		}
		return self.watchNotificationsWithLock(tx), true
	}()

	for _, notification := range notifications {
		HandleError(notification)
	}
	if changed {
		for _, callback := range self.changeCallbacks.Get() {
			HandleError(callback)
		}
	}
}

// must be called with the state lock
func (self *Cache) watchNotificationsWithLock(tx *CacheTx) []func() {
	notifications := []func(){}
	watcherIds := make([]int, 0, len(self.watchers))
	for watcherId := range self.watchers {
		watcherIds = append(watcherIds, watcherId)
	}
	slices.Sort(watcherIds)

	for _, watcherId := range watcherIds {
		watcher := self.watchers[watcherId]
		if !tx.dirtyQueries[watcher.key] && !tx.referencesAny(watcher.key, tx.dirtyEntities) {
			continue
		}
		value, ok := tx.ReadQuery(watcher.key)
		callback := watcher.callback
		notifications = append(notifications, func() {
			callback(value, ok)
		})
	}
	return notifications
}

func (self *Cache) ReadQuery(key QueryKey) (value map[string]any, ok bool) {
	self.Update(func(tx *CacheTx) {
		value, ok = tx.ReadQuery(key)
	})
	return
}

func (self *Cache) WriteQuery(key QueryKey, value map[string]any) {
	self.Update(func(tx *CacheTx) {
		tx.WriteQuery(key, value)
	})
}

func (self *Cache) ReadEntity(key EntityKey) (fields map[string]any, ok bool) {
	self.Update(func(tx *CacheTx) {
		fields, ok = tx.ReadEntity(key)
	})
	return
}

// calls `callback` after every transaction that changes the query result
// a query with at least one watcher is active
func (self *Cache) Watch(key QueryKey, callback QueryWatchFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	watcherId := self.nextWatcherId
	self.nextWatcherId += 1
	self.watchers[watcherId] = &queryWatcher{
		key:      key,
		callback: callback,
	}
	glog.V(LogLevelTrace).Infof("[cache]watch %s\n", key)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.watchers, watcherId)
	}
}

func (self *Cache) IsActive(key QueryKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isActiveWithLock(key)
}

func (self *Cache) isActiveWithLock(key QueryKey) bool {
	for _, watcher := range self.watchers {
		if watcher.key == key {
			return true
		}
	}
	return false
}

func (self *Cache) ActiveQueries() []QueryKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := map[QueryKey]bool{}
	for _, watcher := range self.watchers {
		keys[watcher.key] = true
	}
	return sortedQueryKeys(keys)
}

// called after every transaction that changed anything
func (self *Cache) AddChangeCallback(callback func()) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// a transaction on the cache. only valid inside `Cache.Update`.
type CacheTx struct {
	cache         *Cache
	dirtyQueries  map[QueryKey]bool
	dirtyEntities map[EntityKey]bool
}

func (self *CacheTx) nextGeneration() uint64 {
	self.cache.generation += 1
	return self.cache.generation
}

func (self *CacheTx) IsActive(key QueryKey) bool {
	return self.cache.isActiveWithLock(key)
}

func (self *CacheTx) HasQuery(key QueryKey) bool {
	_, ok := self.cache.queries[key]
	return ok
}

// the denormalized query result
func (self *CacheTx) ReadQuery(key QueryKey) (map[string]any, bool) {
	query, ok := self.cache.queries[key]
	if !ok {
		return nil, false
	}
	value, _ := self.denormalize(query.value, map[EntityKey]bool{})
	m, _ := value.(map[string]any)
	return m, true
}

// normalizes and stores a query result, merging every embedded entity
func (self *CacheTx) WriteQuery(key QueryKey, value map[string]any) {
	normalized, _ := self.normalize(toJsonValue(value)).(map[string]any)
	if normalized == nil {
		normalized = map[string]any{}
	}
	self.setQuery(key, normalized)
}

func (self *CacheTx) setQuery(key QueryKey, normalized map[string]any) bool {
	if query, ok := self.cache.queries[key]; ok {
		if jsonEqual(query.value, normalized) {
			return false
		}
		query.value = normalized
		query.generation = self.nextGeneration()
	} else {
		self.cache.queries[key] = &cachedQuery{
			value:      normalized,
			generation: self.nextGeneration(),
		}
	}
	self.dirtyQueries[key] = true
	return true
}

// edits the normalized query value. entity refs appear as `Ref` values.
// returns false when the query is not cached.
func (self *CacheTx) ModifyQuery(key QueryKey, modify func(value map[string]any) map[string]any) bool {
	query, ok := self.cache.queries[key]
	if !ok {
		return false
	}
	next := modify(copyFields(query.value))
	normalized, _ := self.normalize(toJsonValue(next)).(map[string]any)
	if normalized == nil {
		normalized = map[string]any{}
	}
	self.setQuery(key, normalized)
	return true
}

func (self *CacheTx) EvictQuery(key QueryKey) bool {
	if _, ok := self.cache.queries[key]; !ok {
		return false
	}
	delete(self.cache.queries, key)
	self.dirtyQueries[key] = true
	return true
}

func (self *CacheTx) QueryGeneration(key QueryKey) (uint64, bool) {
	query, ok := self.cache.queries[key]
	if !ok {
		return 0, false
	}
	return query.generation, true
}

func (self *CacheTx) HasEntity(key EntityKey) bool {
	_, ok := self.cache.entities[key]
	return ok
}

// the denormalized entity
func (self *CacheTx) ReadEntity(key EntityKey) (map[string]any, bool) {
	if _, ok := self.cache.entities[key]; !ok {
		return nil, false
	}
	value, ok := self.denormalize(Ref(key), map[EntityKey]bool{})
	if !ok {
		return nil, false
	}
	m, _ := value.(map[string]any)
	return m, true
}

// the normalized entity fields. nested entities appear as `Ref` values.
func (self *CacheTx) ReadEntityFields(key EntityKey) (map[string]any, bool) {
	entity, ok := self.cache.entities[key]
	if !ok {
		return nil, false
	}
	return copyFields(entity.fields), true
}

// merges fields into an existing entity. an absent entity is left absent.
func (self *CacheTx) MergeEntity(key EntityKey, fields map[string]any) bool {
	if _, ok := self.cache.entities[key]; !ok {
		return false
	}
	normalizedFields, _ := self.normalizeFields(toJsonValue(fields))
	self.mergeEntity(key, normalizedFields)
	return true
}

// merges fields into the entity, creating it if needed
func (self *CacheTx) WriteEntity(key EntityKey, fields map[string]any) {
	normalizedFields, _ := self.normalizeFields(toJsonValue(fields))
	normalizedFields[typenameField] = key.Typename
	if _, ok := normalizedFields[idField]; !ok {
		normalizedFields[idField] = key.Id
	}
	self.mergeEntity(key, normalizedFields)
}

// edits the normalized fields of an existing entity
func (self *CacheTx) ModifyEntity(key EntityKey, modify func(fields map[string]any) map[string]any) bool {
	entity, ok := self.cache.entities[key]
	if !ok {
		return false
	}
	next := modify(copyFields(entity.fields))
	normalizedFields, _ := self.normalizeFields(toJsonValue(next))
	self.setEntity(key, normalizedFields)
	return true
}

func (self *CacheTx) EvictEntity(key EntityKey) bool {
	if _, ok := self.cache.entities[key]; !ok {
		return false
	}
	delete(self.cache.entities, key)
	self.dirtyEntities[key] = true
	return true
}

func (self *CacheTx) EntityGeneration(key EntityKey) (uint64, bool) {
	entity, ok := self.cache.entities[key]
	if !ok {
		return 0, false
	}
	return entity.generation, true
}

// normalizes a server response, merging every embedded entity.
// returns the keys of the entities written.
func (self *CacheTx) WriteEntities(response map[string]any) []EntityKey {
	value := toJsonValue(response)
	self.normalize(value)

	written := map[EntityKey]bool{}
	collectEntityKeys(value, written)
	keys := make([]EntityKey, 0, len(written))
	for key := range written {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareEntityKeys)
	return keys
}

func collectEntityKeys(value any, keys map[EntityKey]bool) {
	switch v := value.(type) {
	case map[string]any:
		if key, ok := entityKeyOf(v); ok {
			keys[key] = true
		}
		for _, mv := range v {
			collectEntityKeys(mv, keys)
		}
	case []any:
		for _, sv := range v {
			collectEntityKeys(sv, keys)
		}
	}
}

func (self *CacheTx) mergeEntity(key EntityKey, normalizedFields map[string]any) {
	entity, ok := self.cache.entities[key]
	if !ok {
		self.setEntity(key, normalizedFields)
		return
	}
	changed := false
	for k, v := range normalizedFields {
		if existing, ok := entity.fields[k]; !ok || !jsonEqual(existing, v) {
			changed = true
			break
		}
	}
	if !changed {
		return
	}
	merged := copyFields(entity.fields)
	for k, v := range normalizedFields {
		merged[k] = v
	}
	self.setEntity(key, merged)
}

func (self *CacheTx) setEntity(key EntityKey, normalizedFields map[string]any) bool {
	if entity, ok := self.cache.entities[key]; ok {
		if jsonEqual(entity.fields, normalizedFields) {
			return false
		}
		entity.fields = normalizedFields
		entity.generation = self.nextGeneration()
	} else {
		self.cache.entities[key] = &cachedEntity{
			fields:     normalizedFields,
			generation: self.nextGeneration(),
		}
	}
	self.dirtyEntities[key] = true
	return true
}

// all cached query keys, sorted
func (self *CacheTx) Queries() []QueryKey {
	keys := make(map[QueryKey]bool, len(self.cache.queries))
	for key := range self.cache.queries {
		keys[key] = true
	}
	return sortedQueryKeys(keys)
}

// all cached entity keys, sorted
func (self *CacheTx) Entities() []EntityKey {
	keys := make([]EntityKey, 0, len(self.cache.entities))
	for key := range self.cache.entities {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareEntityKeys)
	return keys
}

// the entities reachable from the query result, following refs through entities
func (self *CacheTx) reachableEntities(key QueryKey) map[EntityKey]bool {
	reachable := map[EntityKey]bool{}
	query, ok := self.cache.queries[key]
	if !ok {
		return reachable
	}
	frontier := map[EntityKey]bool{}
	collectRefs(query.value, frontier)
	for 0 < len(frontier) {
		next := map[EntityKey]bool{}
		for entityKey := range frontier {
			if reachable[entityKey] {
				continue
			}
			reachable[entityKey] = true
			if entity, ok := self.cache.entities[entityKey]; ok {
				collectRefs(entity.fields, next)
			}
		}
		frontier = next
	}
	return reachable
}

func (self *CacheTx) referencesAny(key QueryKey, entityKeys map[EntityKey]bool) bool {
	if len(entityKeys) == 0 {
		return false
	}
	for entityKey := range self.reachableEntities(key) {
		if entityKeys[entityKey] {
			return true
		}
	}
	return false
}

// queries whose result reaches the entity
func (self *CacheTx) QueriesReferencing(entityKey EntityKey) []QueryKey {
	keys := map[QueryKey]bool{}
	for key := range self.cache.queries {
		if self.reachableEntities(key)[entityKey] {
			keys[key] = true
		}
	}
	return sortedQueryKeys(keys)
}

// queries that reach any entity with the id, of any typename,
// or that are keyed by the id through a variable
func (self *CacheTx) QueriesForEntityId(entityId string, idVariables ...string) []QueryKey {
	keys := map[QueryKey]bool{}
	for key := range self.cache.queries {
		if 0 < len(idVariables) {
			variables := key.VariablesMap()
			for _, idVariable := range idVariables {
				if id, ok := idString(variables[idVariable]); ok && id == entityId {
					keys[key] = true
				}
			}
		}
		if keys[key] {
			continue
		}
		for entityKey := range self.reachableEntities(key) {
			if entityKey.Id == entityId {
				keys[key] = true
				break
			}
		}
	}
	return sortedQueryKeys(keys)
}

func (self *CacheTx) normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if _, ok := refKey(v); ok {
			return copyFields(v)
		}
		if key, ok := entityKeyOf(v); ok {
			fields, _ := self.normalizeFields(v)
			self.mergeEntity(key, fields)
			return Ref(key)
		}
		fields, _ := self.normalizeFields(v)
		return fields
	case []any:
		s := make([]any, len(v))
		for i, sv := range v {
			s[i] = self.normalize(sv)
		}
		return s
	default:
		return v
	}
}

func (self *CacheTx) normalizeFields(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return map[string]any{}, false
	}
	fields := make(map[string]any, len(m))
	for k, v := range m {
		fields[k] = self.normalize(v)
	}
	return fields, true
}

// resolves refs. a dangling ref is dropped from lists and nil elsewhere.
func (self *CacheTx) denormalize(value any, visiting map[EntityKey]bool) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		if key, ok := refKey(v); ok {
			entity, ok := self.cache.entities[key]
			if !ok {
				return nil, false
			}
			if visiting[key] {
				// cycle
				return map[string]any{
					typenameField: key.Typename,
					idField:       key.Id,
				}, true
			}
			visiting[key] = true
			defer delete(visiting, key)
			out, _ := self.denormalize(entity.fields, visiting)
			return out, true
		}
		m := make(map[string]any, len(v))
		for k, mv := range v {
			dv, _ := self.denormalize(mv, visiting)
			m[k] = dv
		}
		return m, true
	case []any:
		s := make([]any, 0, len(v))
		for _, sv := range v {
			if dv, ok := self.denormalize(sv, visiting); ok {
				s = append(s, dv)
			}
		}
		return s, true
	default:
		return v, true
	}
}

func sortedQueryKeys(keys map[QueryKey]bool) []QueryKey {
	sorted := make([]QueryKey, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	slices.SortFunc(sorted, compareQueryKeys)
	return sorted
}

func compareQueryKeys(a QueryKey, b QueryKey) int {
	if a.Operation != b.Operation {
		if a.Operation < b.Operation {
			return -1
		}
		return 1
	}
	if a.Variables != b.Variables {
		if a.Variables < b.Variables {
			return -1
		}
		return 1
	}
	return 0
}

func compareEntityKeys(a EntityKey, b EntityKey) int {
	if a.Typename != b.Typename {
		if a.Typename < b.Typename {
			return -1
		}
		return 1
	}
	if a.Id != b.Id {
		if a.Id < b.Id {
			return -1
		}
		return 1
	}
	return 0
}

// serializable copy of the normalized cache
type CacheSnapshot struct {
	Entities []*EntitySnapshot `json:"entities"`
	Queries  []*QuerySnapshot  `json:"queries"`
}

type EntitySnapshot struct {
	Typename string         `json:"typename"`
	Id       string         `json:"id"`
	Fields   map[string]any `json:"fields"`
}

type QuerySnapshot struct {
	Operation string         `json:"operation"`
	Variables string         `json:"variables"`
	Value     map[string]any `json:"value"`
}

func (self *Cache) Extract() *CacheSnapshot {
	snapshot := &CacheSnapshot{
		Entities: []*EntitySnapshot{},
		Queries:  []*QuerySnapshot{},
	}
	self.Update(func(tx *CacheTx) {
		for _, key := range tx.Entities() {
			snapshot.Entities = append(snapshot.Entities, &EntitySnapshot{
				Typename: key.Typename,
				Id:       key.Id,
				Fields:   copyFields(self.entities[key].fields),
			})
		}
		for _, key := range tx.Queries() {
			snapshot.Queries = append(snapshot.Queries, &QuerySnapshot{
				Operation: key.Operation,
				Variables: key.Variables,
				Value:     copyFields(self.queries[key].value),
			})
		}
	})
	return snapshot
}

// replaces the whole cache content with the snapshot
func (self *Cache) Restore(snapshot *CacheSnapshot) {
	self.Update(func(tx *CacheTx) {
		for _, key := range tx.Queries() {
			tx.EvictQuery(key)
		}
		for _, key := range tx.Entities() {
			tx.EvictEntity(key)
		}
		for _, entitySnapshot := range snapshot.Entities {
			key := EntityKey{
				Typename: entitySnapshot.Typename,
				Id:       entitySnapshot.Id,
			}
			fields, _ := toJsonValue(entitySnapshot.Fields).(map[string]any)
			if fields == nil {
				fields = map[string]any{}
			}
			tx.setEntity(key, fields)
		}
		for _, querySnapshot := range snapshot.Queries {
			key := QueryKey{
				Operation: querySnapshot.Operation,
				Variables: querySnapshot.Variables,
			}
			value, _ := toJsonValue(querySnapshot.Value).(map[string]any)
			if value == nil {
				value = map[string]any{}
			}
			tx.setQuery(key, value)
		}
	})
}
