package board

import (
	"sync"
)

// the current user's multi-select. an ordered set of object ids; the first
// element is the primary selection for features needing a single target.
// local only, never persisted.
type SelectionSet struct {
	mutex sync.Mutex

	objectIds []string
}

func NewSelectionSet() *SelectionSet {
	return &SelectionSet{}
}

func (self *SelectionSet) Add(objectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, id := range self.objectIds {
		if id == objectId {
			return
		}
	}
	self.objectIds = append(self.objectIds, objectId)
}

// replaces the selection with a single object
func (self *SelectionSet) Set(objectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.objectIds = []string{objectId}
}

func (self *SelectionSet) Remove(objectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextObjectIds := make([]string, 0, len(self.objectIds))
	for _, id := range self.objectIds {
		if id != objectId {
			nextObjectIds = append(nextObjectIds, id)
		}
	}
	self.objectIds = nextObjectIds
}

func (self *SelectionSet) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.objectIds = nil
}

func (self *SelectionSet) Contains(objectId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, id := range self.objectIds {
		if id == objectId {
			return true
		}
	}
	return false
}

// the primary selection, or "" when nothing is selected
func (self *SelectionSet) Primary() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.objectIds) == 0 {
		return ""
	}
	return self.objectIds[0]
}

func (self *SelectionSet) Ids() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ids := make([]string, len(self.objectIds))
	copy(ids, self.objectIds)
	return ids
}

// carries selection membership forward across optimistic id reconciliation,
// preserving order
func (self *SelectionSet) Rename(objectId string, nextObjectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, id := range self.objectIds {
		if id == objectId {
			self.objectIds[i] = nextObjectId
		}
	}
}
