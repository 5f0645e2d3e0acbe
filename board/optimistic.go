package board

import (
	"sync"
	"time"
)

// bridges the gap between "user created a shape" and "store assigned a
// permanent id".
//
// an entry is created synchronously on the user action so the object renders
// on the next frame with zero network wait. when the create write succeeds
// the entry is renamed to the permanent id and stops being optimistic; it is
// kept as a local overlay until the object is observed on the change feed,
// then pruned. on write failure the entry is removed entirely, a visible,
// honest failure rather than a silently stuck ghost.
//
// mutations issued against an object that is still optimistic cannot be
// written to the store, which does not know the temporary id yet. they are
// applied to the local entry and accumulated in a deferred patch that is
// flushed immediately after reconciliation.
type OptimisticCreateManager struct {
	mutex sync.Mutex

	// keyed by temporary id, then by permanent id after reconciliation
	entries map[string]*CanvasObject

	// create order, for stable z-order ties in composition
	order []string

	// mutations held while the entry is optimistic
	deferred map[string]*ObjectPatch
}

func NewOptimisticCreateManager() *OptimisticCreateManager {
	return &OptimisticCreateManager{
		entries:  map[string]*CanvasObject{},
		deferred: map[string]*ObjectPatch{},
	}
}

// assigns a temporary id and adds the local-only entry.
// the returned id is valid for all dispatcher operations until
// reconciliation renames it.
func (self *OptimisticCreateManager) Create(obj *CanvasObject) string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := obj.Clone()
	entry.Id = NewTempObjectId()
	entry.IsOptimistic = true
	if entry.CreatedAt.IsZero() {
		// provisional. the store assigns the authoritative timestamps
		entry.CreatedAt = time.Now().UTC()
	}
	self.entries[entry.Id] = entry
	self.order = append(self.order, entry.Id)
	return entry.Id
}

func (self *OptimisticCreateManager) Get(objectId string) *CanvasObject {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if entry, ok := self.entries[objectId]; ok {
		return entry.Clone()
	}
	return nil
}

// true while an entry is held for the id, optimistic or awaiting its first
// appearance on the change feed
func (self *OptimisticCreateManager) Has(objectId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.entries[objectId]
	return ok
}

// true while the store has not acknowledged the create for this id
func (self *OptimisticCreateManager) IsOptimistic(objectId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if entry, ok := self.entries[objectId]; ok {
		return entry.IsOptimistic
	}
	return false
}

// applies a mutation locally and defers it for the post-reconcile flush
func (self *OptimisticCreateManager) ApplyLocal(objectId string, patch *ObjectPatch) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.entries[objectId]
	if !ok {
		return false
	}
	patch.Apply(entry)
	deferred, ok := self.deferred[objectId]
	if !ok {
		deferred = &ObjectPatch{}
		self.deferred[objectId] = deferred
	}
	deferred.Merge(patch)
	return true
}

// renames the entry from the temporary id to the store-assigned permanent id
// and drops the optimistic flag. returns the deferred mutations accumulated
// while the create was in flight, if any; the caller flushes them to the
// store under the permanent id.
func (self *OptimisticCreateManager) Reconcile(objectId string, permanentId string) (*ObjectPatch, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.entries[objectId]
	if !ok {
		return nil, false
	}
	delete(self.entries, objectId)
	entry.Id = permanentId
	entry.IsOptimistic = false
	self.entries[permanentId] = entry

	for i, orderId := range self.order {
		if orderId == objectId {
			self.order[i] = permanentId
		}
	}

	deferred := self.deferred[objectId]
	delete(self.deferred, objectId)
	if deferred == nil || deferred.IsEmpty() {
		return nil, true
	}
	return deferred, true
}

func (self *OptimisticCreateManager) Remove(objectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.entries, objectId)
	delete(self.deferred, objectId)
	nextOrder := make([]string, 0, len(self.order))
	for _, orderId := range self.order {
		if orderId != objectId {
			nextOrder = append(nextOrder, orderId)
		}
	}
	self.order = nextOrder
}

// drops reconciled entries that are now visible on the change feed.
// `remote` reports whether the merged remote state contains an id
func (self *OptimisticCreateManager) Prune(remote func(objectId string) bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextOrder := make([]string, 0, len(self.order))
	for _, objectId := range self.order {
		entry := self.entries[objectId]
		if entry != nil && !entry.IsOptimistic && remote(objectId) {
			delete(self.entries, objectId)
			delete(self.deferred, objectId)
		} else {
			nextOrder = append(nextOrder, objectId)
		}
	}
	self.order = nextOrder
}

// entries in create order
func (self *OptimisticCreateManager) Entries() []*CanvasObject {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entries := make([]*CanvasObject, 0, len(self.order))
	for _, objectId := range self.order {
		if entry, ok := self.entries[objectId]; ok {
			entries = append(entries, entry.Clone())
		}
	}
	return entries
}
