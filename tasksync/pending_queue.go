package tasksync

import (
	"container/heap"
	"sync"
	"time"
)

// a mutation submitted to the server and not yet finished
type PendingMutation struct {
	Id               Id         `json:"id"`
	ClientMutationId string     `json:"clientMutationId"`
	MutationName     string     `json:"mutationName"`
	PlanName         string     `json:"planName,omitempty"`
	Document         string     `json:"document,omitempty"`
	Variables        Variables  `json:"variables"`
	EntityKind       EntityKind `json:"entityKind,omitempty"`
	EntityId         string     `json:"entityId,omitempty"`
	SubmittedAt      time.Time  `json:"submittedAt"`
	// sends started, across runs
	Attempt int `json:"attempt"`

	sequenceNumber uint64
	// the index of the item in the heap
	heapIndex int
}

// ordered by submission
type pendingQueue struct {
	stateLock sync.Mutex

	orderedItems []*PendingMutation
	// mutation id -> item
	idItems map[Id]*PendingMutation
	// client mutation id -> item
	clientMutationIdItems map[string]*PendingMutation
	// entity id -> count of pending items
	entityCounts map[string]int

	nextSequenceNumber uint64
}

func newPendingQueue() *pendingQueue {
	pendingQueue := &pendingQueue{
		orderedItems:          []*PendingMutation{},
		idItems:               map[Id]*PendingMutation{},
		clientMutationIdItems: map[string]*PendingMutation{},
		entityCounts:          map[string]int{},
	}
	heap.Init(pendingQueue)
	return pendingQueue
}

func (self *pendingQueue) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *pendingQueue) Add(item *PendingMutation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.idItems[item.Id]; ok {
		return
	}
	item.sequenceNumber = self.nextSequenceNumber
	self.nextSequenceNumber += 1
	self.idItems[item.Id] = item
	if item.ClientMutationId != "" {
		self.clientMutationIdItems[item.ClientMutationId] = item
	}
	if item.EntityId != "" {
		self.entityCounts[item.EntityId] += 1
	}
	heap.Push(self, item)
}

func (self *pendingQueue) Get(id Id) *PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.idItems[id]
}

func (self *pendingQueue) ContainsClientMutationId(clientMutationId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.clientMutationIdItems[clientMutationId]
	return ok
}

func (self *pendingQueue) HasPendingForEntity(entityId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < self.entityCounts[entityId]
}

func (self *pendingQueue) Remove(id Id) *PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.idItems[id]
	if !ok {
		return nil
	}
	return self.remove(item)
}

func (self *pendingQueue) remove(item *PendingMutation) *PendingMutation {
	delete(self.idItems, item.Id)
	if item.ClientMutationId != "" {
		delete(self.clientMutationIdItems, item.ClientMutationId)
	}
	if item.EntityId != "" {
		self.entityCounts[item.EntityId] -= 1
		if self.entityCounts[item.EntityId] <= 0 {
			delete(self.entityCounts, item.EntityId)
		}
	}
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("Heap invariant broken.")
	}
	return item
}

// counts a send of the item. returns a copy to persist.
func (self *pendingQueue) IncrementAttempt(id Id) (*PendingMutation, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.idItems[id]
	if !ok {
		return nil, false
	}
	item.Attempt += 1
	itemCopy := *item
	return &itemCopy, true
}

func (self *pendingQueue) RemoveFirst() *PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.remove(self.orderedItems[0])
}

// copies of the items in submission order
func (self *pendingQueue) List() []*PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]*PendingMutation, 0, len(self.orderedItems))
	for _, item := range self.orderedItems {
		itemCopy := *item
		items = append(items, &itemCopy)
	}
	// the heap is only partially ordered
	for i := 1; i < len(items); i += 1 {
		for j := i; 0 < j && pendingLess(items[j], items[j-1]); j -= 1 {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
	return items
}

func pendingLess(a *PendingMutation, b *PendingMutation) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.sequenceNumber < b.sequenceNumber
}

// heap.Interface

func (self *pendingQueue) Push(x any) {
	item := x.(*PendingMutation)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *pendingQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *pendingQueue) Len() int {
	return len(self.orderedItems)
}

func (self *pendingQueue) Less(i int, j int) bool {
	return pendingLess(self.orderedItems[i], self.orderedItems[j])
}

func (self *pendingQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
