package tasksync

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// mutation name -> optimistic plan
// constructed once per engine and injected into the runner
type OptimisticRegistry struct {
	stateLock sync.RWMutex
	plans     map[string]OptimisticPlan
}

func NewOptimisticRegistry() *OptimisticRegistry {
	return &OptimisticRegistry{
		plans: map[string]OptimisticPlan{},
	}
}

// the last registration for a name wins
func (self *OptimisticRegistry) Register(name string, plan OptimisticPlan) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.plans[name]; ok {
		glog.V(LogLevelLifecycle).Infof("[or]replace plan %s\n", name)
	}
	self.plans[name] = plan
}

func (self *OptimisticRegistry) Lookup(name string) (OptimisticPlan, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	plan, ok := self.plans[name]
	return plan, ok
}

func (self *OptimisticRegistry) Names() []string {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	names := make([]string, 0, len(self.plans))
	for name := range self.plans {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
