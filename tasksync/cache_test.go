package tasksync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testTask(id string, name string, done bool) map[string]any {
	return map[string]any{
		"__typename": TypenameTask,
		"id":         id,
		"name":       name,
		"done":       done,
	}
}

func TestCacheNormalizedAcrossQueries(t *testing.T) {
	cache := NewCache()

	listKey := NewQueryKey("GetTasks", map[string]any{"rootLocationIds": []string{"L1"}})
	singleKey := NewQueryKey("GetTask", map[string]any{"id": "t1"})

	cache.WriteQuery(listKey, map[string]any{
		"tasks": []any{
			testTask("t1", "Check vitals", false),
			testTask("t2", "Draw blood", false),
		},
	})
	cache.WriteQuery(singleKey, map[string]any{
		"task": testTask("t1", "Check vitals", false),
	})

	// an edit through one query is visible through the other
	cache.Update(func(tx *CacheTx) {
		assert.Equal(t, tx.MergeEntity(taskKey("t1"), map[string]any{"done": true}), true)
	})

	value, ok := cache.ReadQuery(listKey)
	assert.Equal(t, ok, true)
	tasks := value["tasks"].([]any)
	assert.Equal(t, len(tasks), 2)
	assert.Equal(t, tasks[0].(map[string]any)["done"], true)
	assert.Equal(t, tasks[1].(map[string]any)["done"], false)

	value, ok = cache.ReadQuery(singleKey)
	assert.Equal(t, ok, true)
	assert.Equal(t, value["task"].(map[string]any)["done"], true)
}

func taskKey(id string) EntityKey {
	return EntityKindTask.EntityKey(id)
}

func TestCacheVariablesCanonical(t *testing.T) {
	a := NewQueryKey("GetTasks", map[string]any{"a": 1, "b": "x"})
	b := NewQueryKey("GetTasks", map[string]any{"b": "x", "a": 1.0})
	assert.Equal(t, a, b)
	assert.Equal(t, NewQueryKey("GetGlobalData", nil).Variables, "{}")
}

func TestCacheDanglingRef(t *testing.T) {
	cache := NewCache()
	listKey := NewQueryKey("GetTasks", nil)
	cache.WriteQuery(listKey, map[string]any{
		"tasks": []any{
			testTask("t1", "a", false),
			testTask("t2", "b", false),
		},
		"first": testTask("t1", "a", false),
	})

	cache.Update(func(tx *CacheTx) {
		assert.Equal(t, tx.EvictEntity(taskKey("t1")), true)
		assert.Equal(t, tx.EvictEntity(taskKey("t1")), false)
	})

	value, ok := cache.ReadQuery(listKey)
	assert.Equal(t, ok, true)
	// dropped from lists, nil elsewhere
	tasks := value["tasks"].([]any)
	assert.Equal(t, len(tasks), 1)
	assert.Equal(t, tasks[0].(map[string]any)["id"], "t2")
	assert.Equal(t, value["first"], nil)
}

func TestCacheMergeEntityAbsent(t *testing.T) {
	cache := NewCache()
	changes := 0
	cache.AddChangeCallback(func() {
		changes += 1
	})
	cache.Update(func(tx *CacheTx) {
		assert.Equal(t, tx.MergeEntity(taskKey("missing"), map[string]any{"done": true}), false)
		assert.Equal(t, tx.HasEntity(taskKey("missing")), false)
	})
	assert.Equal(t, changes, 0)
}

func TestCacheWatch(t *testing.T) {
	cache := NewCache()
	key := NewQueryKey("GetTask", map[string]any{"id": "t1"})
	otherKey := NewQueryKey("GetTask", map[string]any{"id": "t2"})

	notifications := []map[string]any{}
	cancel := cache.Watch(key, func(value map[string]any, ok bool) {
		notifications = append(notifications, value)
	})
	assert.Equal(t, cache.IsActive(key), true)
	assert.Equal(t, cache.IsActive(otherKey), false)
	assert.Equal(t, cache.ActiveQueries(), []QueryKey{key})

	cache.WriteQuery(key, map[string]any{"task": testTask("t1", "a", false)})
	assert.Equal(t, len(notifications), 1)

	// unrelated write
	cache.WriteQuery(otherKey, map[string]any{"task": testTask("t2", "b", false)})
	assert.Equal(t, len(notifications), 1)

	// an entity write reaches the watcher through the ref
	cache.Update(func(tx *CacheTx) {
		tx.MergeEntity(taskKey("t1"), map[string]any{"name": "c"})
	})
	assert.Equal(t, len(notifications), 2)
	assert.Equal(t, notifications[1]["task"].(map[string]any)["name"], "c")

	// identical write is not a change
	cache.WriteQuery(key, map[string]any{"task": testTask("t1", "c", false)})
	assert.Equal(t, len(notifications), 2)

	cancel()
	assert.Equal(t, cache.IsActive(key), false)
	cache.Update(func(tx *CacheTx) {
		tx.MergeEntity(taskKey("t1"), map[string]any{"name": "d"})
	})
	assert.Equal(t, len(notifications), 2)
}

func TestCacheQueriesForEntityId(t *testing.T) {
	cache := NewCache()
	singleKey := NewQueryKey("GetTask", map[string]any{"id": "t1"})
	listKey := NewQueryKey("GetTasks", nil)
	patientKey := NewQueryKey("GetPatient", map[string]any{"id": "p1"})

	// a single query that has not resolved its entity yet is still keyed by the id
	cache.WriteQuery(singleKey, map[string]any{"task": nil})
	cache.WriteQuery(listKey, map[string]any{
		"tasks": []any{testTask("t1", "a", false)},
	})
	cache.WriteQuery(patientKey, map[string]any{
		"patient": map[string]any{
			"__typename": TypenamePatient,
			"id":         "p1",
			"tasks":      []any{testTask("t9", "z", false)},
		},
	})

	cache.Update(func(tx *CacheTx) {
		assert.Equal(t, tx.QueriesForEntityId("t1", "id"), []QueryKey{singleKey, listKey})
		assert.Equal(t, tx.QueriesForEntityId("t1"), []QueryKey{listKey})
		// reachable through the patient entity
		assert.Equal(t, tx.QueriesReferencing(taskKey("t9")), []QueryKey{patientKey})
	})
}

func TestCacheSnapshotRoundTrip(t *testing.T) {
	cache := NewCache()
	key := NewQueryKey("GetTasks", nil)
	cache.WriteQuery(key, map[string]any{
		"tasks": []any{testTask("t1", "a", false)},
	})
	snapshot := cache.Extract()
	assert.Equal(t, len(snapshot.Entities), 1)
	assert.Equal(t, len(snapshot.Queries), 1)

	restored := NewCache()
	restored.WriteQuery(NewQueryKey("Stale", nil), map[string]any{"x": 1})
	restored.Restore(snapshot)

	restored.Update(func(tx *CacheTx) {
		assert.Equal(t, tx.Queries(), []QueryKey{key})
		assert.Equal(t, tx.Entities(), []EntityKey{taskKey("t1")})
	})
	value, ok := restored.ReadQuery(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, value["tasks"].([]any)[0].(map[string]any)["name"], "a")
}
