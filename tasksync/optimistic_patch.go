package tasksync

import (
	"github.com/golang/glog"
)

type Variables = map[string]any

// an optimistic cache edit and its inverse
// pre-images are kept in the per call `PatchContext`, never in the patch
type OptimisticPatch interface {
	Apply(tx *CacheTx, variables Variables, pctx *PatchContext)
	Rollback(tx *CacheTx, variables Variables, pctx *PatchContext)
}

// the optimistic side of one named mutation
type OptimisticPlan interface {
	Patches(variables Variables) []OptimisticPatch
}

type OptimisticPlanFunc func(variables Variables) []OptimisticPatch

func (self OptimisticPlanFunc) Patches(variables Variables) []OptimisticPatch {
	return self(variables)
}

type cacheState struct {
	present    bool
	generation uint64
}

func currentCacheState(tx *CacheTx, key CacheKey) cacheState {
	if entityKey, ok := key.Entity(); ok {
		generation, present := tx.EntityGeneration(entityKey)
		return cacheState{present: present, generation: generation}
	}
	queryKey, _ := key.Query()
	generation, present := tx.QueryGeneration(queryKey)
	return cacheState{present: present, generation: generation}
}

// the generation check for all patches of one mutation
// a key written by anyone else since the mutation applied is not rolled back
type patchGuard struct {
	contexts []*PatchContext
	applied  map[CacheKey]cacheState
	// nil until the first rollback
	skip map[CacheKey]bool
}

func (self *patchGuard) recordApplied(tx *CacheTx) {
	self.applied = map[CacheKey]cacheState{}
	for _, pctx := range self.contexts {
		for _, key := range pctx.order {
			self.applied[key] = currentCacheState(tx, key)
		}
	}
}

func (self *patchGuard) checkOnce(tx *CacheTx) {
	if self.skip != nil {
		return
	}
	self.skip = map[CacheKey]bool{}
	if self.applied == nil {
		return
	}
	for key, state := range self.applied {
		if currentCacheState(tx, key) != state {
			self.skip[key] = true
		}
	}
}

type patchSnapshot struct {
	present bool
	// normalized
	value map[string]any
}

// per invocation state of one patch
type PatchContext struct {
	guard     *patchGuard
	snapshots map[CacheKey]*patchSnapshot
	order     []CacheKey
	restored  bool
	// keys left alone by the restore
	skippedKeys []CacheKey
}

// a standalone context. use `PatchContextGroup` for the patches of one mutation.
func NewPatchContext() *PatchContext {
	guard := &patchGuard{}
	pctx := newPatchContext(guard)
	return pctx
}

func newPatchContext(guard *patchGuard) *PatchContext {
	pctx := &PatchContext{
		guard:     guard,
		snapshots: map[CacheKey]*patchSnapshot{},
	}
	guard.contexts = append(guard.contexts, pctx)
	return pctx
}

// records the pre-image of the entity the first time it is touched
func (self *PatchContext) SnapshotEntity(tx *CacheTx, key EntityKey) {
	cacheKey := EntityCacheKey(key)
	if _, ok := self.snapshots[cacheKey]; ok {
		return
	}
	fields, present := tx.ReadEntityFields(key)
	self.snapshots[cacheKey] = &patchSnapshot{
		present: present,
		value:   fields,
	}
	self.order = append(self.order, cacheKey)
}

// records the pre-image of the query the first time it is touched
func (self *PatchContext) SnapshotQuery(tx *CacheTx, key QueryKey) {
	cacheKey := QueryCacheKey(key)
	if _, ok := self.snapshots[cacheKey]; ok {
		return
	}
	snapshot := &patchSnapshot{}
	if query, ok := tx.cache.queries[key]; ok {
		snapshot.present = true
		snapshot.value = copyFields(query.value)
	}
	self.snapshots[cacheKey] = snapshot
	self.order = append(self.order, cacheKey)
}

func (self *PatchContext) Keys() []CacheKey {
	return append([]CacheKey{}, self.order...)
}

// records the generations right after apply
func (self *PatchContext) Applied(tx *CacheTx) {
	self.guard.recordApplied(tx)
}

// restores every pre-image in reverse order, once
// keys whose generation moved since apply are skipped and returned
func (self *PatchContext) Restore(tx *CacheTx) (skipped []CacheKey) {
	if self.restored {
		return nil
	}
	self.restored = true
	self.guard.checkOnce(tx)

	for i := len(self.order) - 1; 0 <= i; i -= 1 {
		key := self.order[i]
		if self.guard.skip[key] {
			glog.V(LogLevelTrace).Infof("[op]skip restore %s (generation advanced)\n", key)
			skipped = append(skipped, key)
			self.skippedKeys = append(self.skippedKeys, key)
			continue
		}
		snapshot := self.snapshots[key]
		if entityKey, ok := key.Entity(); ok {
			if snapshot.present {
				tx.setEntity(entityKey, copyFields(snapshot.value))
			} else {
				tx.EvictEntity(entityKey)
			}
		} else if queryKey, ok := key.Query(); ok {
			if snapshot.present {
				tx.setQuery(queryKey, copyFields(snapshot.value))
			} else {
				tx.EvictQuery(queryKey)
			}
		}
	}
	// the pre-images are discarded after restore
	self.snapshots = map[CacheKey]*patchSnapshot{}
	self.order = nil
	return skipped
}

// discards the pre-images once the mutation is confirmed
func (self *PatchContext) Discard() {
	self.restored = true
	self.snapshots = map[CacheKey]*patchSnapshot{}
	self.order = nil
}

// the contexts of all patches of one mutation share one generation check
type PatchContextGroup struct {
	guard *patchGuard
}

func NewPatchContextGroup() *PatchContextGroup {
	return &PatchContextGroup{
		guard: &patchGuard{},
	}
}

func (self *PatchContextGroup) New() *PatchContext {
	return newPatchContext(self.guard)
}

func (self *PatchContextGroup) Applied(tx *CacheTx) {
	self.guard.recordApplied(tx)
}

// an apply function whose rollback restores what it snapshotted
type PatchFunc func(tx *CacheTx, variables Variables, pctx *PatchContext)

func (self PatchFunc) Apply(tx *CacheTx, variables Variables, pctx *PatchContext) {
	self(tx, variables, pctx)
}

func (self PatchFunc) Rollback(tx *CacheTx, variables Variables, pctx *PatchContext) {
	pctx.Restore(tx)
}

// merges fields into a cached entity. an absent entity is not created.
type EntityFieldsPatch struct {
	Key    EntityKey
	Fields map[string]any
}

func (self *EntityFieldsPatch) Apply(tx *CacheTx, variables Variables, pctx *PatchContext) {
	if !tx.HasEntity(self.Key) {
		return
	}
	pctx.SnapshotEntity(tx, self.Key)
	tx.MergeEntity(self.Key, self.Fields)
}

func (self *EntityFieldsPatch) Rollback(tx *CacheTx, variables Variables, pctx *PatchContext) {
	pctx.Restore(tx)
}

// edits the normalized fields of a cached entity
type EntityModifyPatch struct {
	Key    EntityKey
	Modify func(fields map[string]any) map[string]any
}

func (self *EntityModifyPatch) Apply(tx *CacheTx, variables Variables, pctx *PatchContext) {
	if !tx.HasEntity(self.Key) {
		return
	}
	pctx.SnapshotEntity(tx, self.Key)
	tx.ModifyEntity(self.Key, self.Modify)
}

func (self *EntityModifyPatch) Rollback(tx *CacheTx, variables Variables, pctx *PatchContext) {
	pctx.Restore(tx)
}

// edits every cached query with the operation name
type QueryPatch struct {
	Operation string
	Modify    func(key QueryKey, value map[string]any) map[string]any
}

func (self *QueryPatch) Apply(tx *CacheTx, variables Variables, pctx *PatchContext) {
	for _, key := range tx.Queries() {
		if key.Operation != self.Operation {
			continue
		}
		pctx.SnapshotQuery(tx, key)
		tx.ModifyQuery(key, func(value map[string]any) map[string]any {
			return self.Modify(key, value)
		})
	}
}

func (self *QueryPatch) Rollback(tx *CacheTx, variables Variables, pctx *PatchContext) {
	pctx.Restore(tx)
}

// removes the entity from every cached query and evicts it
type RemoveEntityPatch struct {
	Key EntityKey
}

func (self *RemoveEntityPatch) Apply(tx *CacheTx, variables Variables, pctx *PatchContext) {
	for _, queryKey := range tx.QueriesReferencing(self.Key) {
		pctx.SnapshotQuery(tx, queryKey)
		tx.ModifyQuery(queryKey, func(value map[string]any) map[string]any {
			out, _ := removeRefs(value, self.Key).(map[string]any)
			return out
		})
	}
	for _, entityKey := range tx.Entities() {
		if entityKey == self.Key {
			continue
		}
		fields, _ := tx.ReadEntityFields(entityKey)
		refs := map[EntityKey]bool{}
		collectRefs(fields, refs)
		if !refs[self.Key] {
			continue
		}
		pctx.SnapshotEntity(tx, entityKey)
		tx.ModifyEntity(entityKey, func(fields map[string]any) map[string]any {
			out, _ := removeRefs(fields, self.Key).(map[string]any)
			return out
		})
	}
	if tx.HasEntity(self.Key) {
		pctx.SnapshotEntity(tx, self.Key)
		tx.EvictEntity(self.Key)
	}
}

func (self *RemoveEntityPatch) Rollback(tx *CacheTx, variables Variables, pctx *PatchContext) {
	pctx.Restore(tx)
}

// drops refs to the entity from lists and nils single refs
func removeRefs(value any, key EntityKey) any {
	switch v := value.(type) {
	case map[string]any:
		if k, ok := refKey(v); ok && k == key {
			return nil
		}
		m := make(map[string]any, len(v))
		for k, mv := range v {
			m[k] = removeRefs(mv, key)
		}
		return m
	case []any:
		s := make([]any, 0, len(v))
		for _, sv := range v {
			if k, ok := refKey(sv); ok && k == key {
				continue
			}
			s = append(s, removeRefs(sv, key))
		}
		return s
	default:
		return v
	}
}

// keys that were not restored because a newer write owns them
func (self *PatchContextGroup) Skipped() []CacheKey {
	skipped := []CacheKey{}
	if self.guard.skip == nil {
		return skipped
	}
	for _, pctx := range self.guard.contexts {
		for _, key := range pctx.skippedKeys {
			skipped = append(skipped, key)
		}
	}
	return skipped
}
