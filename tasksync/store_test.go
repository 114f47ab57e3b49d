package tasksync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestStore(t *testing.T) *Store {
	settings := DefaultStoreSettings()
	settings.InMemory = true
	settings.SyncWrites = false
	store, err := OpenStore(settings)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestStorePendingOrder(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	second := &PendingMutation{
		Id:               NewId(),
		ClientMutationId: "cm-b",
		MutationName:     "CompleteTask",
		PlanName:         "CompleteTask",
		Document:         "mutation CompleteTask($id: ID!) { completeTask(id: $id) { id done } }",
		Variables: Variables{
			"id":    "t1",
			"count": 3,
		},
		EntityKind:  EntityKindTask,
		EntityId:    "t1",
		SubmittedAt: now.Add(time.Second),
		Attempt:     2,
	}
	first := &PendingMutation{
		Id:               NewId(),
		ClientMutationId: "cm-a",
		MutationName:     "ReopenTask",
		Variables: Variables{
			"id": "t2",
		},
		EntityKind:  EntityKindTask,
		EntityId:    "t2",
		SubmittedAt: now,
	}
	assert.Equal(t, store.PutPending(second), nil)
	assert.Equal(t, store.PutPending(first), nil)

	pendings, err := store.ListPending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pendings), 2)
	assert.Equal(t, pendings[0].ClientMutationId, "cm-a")
	assert.Equal(t, pendings[1].ClientMutationId, "cm-b")

	restored := pendings[1]
	assert.Equal(t, restored.Id, second.Id)
	assert.Equal(t, restored.MutationName, "CompleteTask")
	assert.Equal(t, restored.PlanName, "CompleteTask")
	assert.Equal(t, restored.Document, second.Document)
	assert.Equal(t, restored.Variables["id"], "t1")
	// numbers come back as json numbers
	assert.Equal(t, restored.Variables["count"], float64(3))
	assert.Equal(t, restored.EntityKind, EntityKindTask)
	assert.Equal(t, restored.EntityId, "t1")
	assert.Equal(t, restored.SubmittedAt.UnixMilli(), second.SubmittedAt.UnixMilli())
	assert.Equal(t, restored.Attempt, 2)

	assert.Equal(t, store.DeletePending("cm-a"), nil)
	pendings, err = store.ListPending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pendings), 1)
	assert.Equal(t, pendings[0].ClientMutationId, "cm-b")

	// deleting a missing key is not an error
	assert.Equal(t, store.DeletePending("cm-missing"), nil)
}

func TestStorePendingSameMillisecond(t *testing.T) {
	store := newTestStore(t)

	// submitted in the same millisecond, stored in reverse
	submittedAt := time.UnixMilli(time.Now().UnixMilli())
	ids := []Id{NewId(), NewId(), NewId()}
	for i := len(ids) - 1; 0 <= i; i -= 1 {
		assert.Equal(t, store.PutPending(&PendingMutation{
			Id:               ids[i],
			ClientMutationId: ids[i].String(),
			MutationName:     "CompleteTask",
			SubmittedAt:      submittedAt,
		}), nil)
	}

	pendings, err := store.ListPending()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pendings), 3)
	for i, pending := range pendings {
		assert.Equal(t, pending.Id, ids[i])
	}
}

func TestDecodePendingWithoutSubmittedAt(t *testing.T) {
	id := NewId()
	record, err := structpb.NewStruct(map[string]any{
		"id":               id.String(),
		"clientMutationId": "cm-1",
		"mutationName":     "CompleteTask",
	})
	assert.Equal(t, err, nil)
	value, err := proto.Marshal(record)
	assert.Equal(t, err, nil)

	pending, err := decodePending(value)
	assert.Equal(t, err, nil)
	assert.Equal(t, pending.Id, id)
	// falls back to the id creation time
	assert.Equal(t, uint64(pending.SubmittedAt.UnixMilli()), id.Time())
}

func TestStoreSnapshot(t *testing.T) {
	store := newTestStore(t)

	snapshot, err := store.LoadSnapshot()
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot == nil, true)

	cache := NewCache()
	key := NewQueryKey("GetTask", map[string]any{"id": "t1"})
	cache.WriteQuery(key, map[string]any{
		"task": map[string]any{
			"__typename": TypenameTask,
			"id":         "t1",
			"name":       "Check vitals",
			"done":       false,
		},
	})
	assert.Equal(t, store.SaveSnapshot(cache.Extract()), nil)

	snapshot, err = store.LoadSnapshot()
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot != nil, true)

	restoredCache := NewCache()
	restoredCache.Restore(snapshot)
	value, ok := restoredCache.ReadQuery(key)
	assert.Equal(t, ok, true)
	task := value["task"].(map[string]any)
	assert.Equal(t, task["name"], "Check vitals")
	assert.Equal(t, task["done"], false)
}
