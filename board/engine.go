package board

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type ObjectsFunction = func(objects []*CanvasObject)

// owns the single live subscription to the object store's change feed and
// drives the conflict resolver on every snapshot, publishing the ordered
// "current objects" list consumed by rendering.
//
// the published list is composed from three layers:
//   - the resolver's merged remote state, minus locally-deleted tombstones
//   - the local edit tracker's records, applied as an overlay so the editing
//     user sees their own value with zero round-trip latency
//   - optimistic create entries not yet visible on the feed
//
// sorted ascending by zIndex, ties stable on arrival order.
type SyncEngine struct {
	ctx context.Context

	store      ObjectStore
	localEdits *LocalEditTracker
	optimistic *OptimisticCreateManager

	stateLock sync.Mutex

	documentId string
	unsub      func()

	resolver *ConflictResolver

	// ids optimistically removed locally, hidden until the feed confirms.
	// a tombstone outliving a failed delete keeps hiding the object; the
	// delete path does not roll back (see CommandDispatcher)
	locallyDeleted map[string]bool

	// true until the first snapshot arrives, then permanently false for the
	// life of the subscription
	loading bool

	// sticky. the prior object list is retained on feed errors
	err error

	objects []*CanvasObject

	objectsCallbacks *CallbackList[ObjectsFunction]
}

func NewSyncEngine(
	ctx context.Context,
	documentId string,
	store ObjectStore,
	localEdits *LocalEditTracker,
	optimistic *OptimisticCreateManager,
) *SyncEngine {
	return &SyncEngine{
		ctx:              ctx,
		store:            store,
		localEdits:       localEdits,
		optimistic:       optimistic,
		documentId:       documentId,
		resolver:         NewConflictResolver(),
		locallyDeleted:   map[string]bool{},
		loading:          true,
		objectsCallbacks: NewCallbackList[ObjectsFunction](),
	}
}

// begins the feed subscription. idempotent: calling again while already
// subscribed is a no-op.
func (self *SyncEngine) Subscribe() {
	self.stateLock.Lock()
	if self.unsub != nil {
		self.stateLock.Unlock()
		return
	}
	documentId := self.documentId
	// reserve the slot so concurrent Subscribe calls are no-ops.
	// the store fires the initial snapshot synchronously, so the lock cannot
	// be held across the call
	self.unsub = func() {}
	self.stateLock.Unlock()

	unsub := self.store.Subscribe(documentId, self.applySnapshot, self.feedError)

	self.stateLock.Lock()
	if self.unsub == nil {
		// closed while the subscription was being set up
		self.stateLock.Unlock()
		unsub()
		return
	}
	self.unsub = unsub
	self.stateLock.Unlock()
}

// switches the feed to a different document, tearing down and resubscribing
// if a subscription is live. not expected at runtime in the single shared
// document design, but required for correctness under re-authentication.
func (self *SyncEngine) SetDocumentId(documentId string) {
	self.stateLock.Lock()
	if self.documentId == documentId {
		self.stateLock.Unlock()
		return
	}
	unsub := self.unsub
	self.unsub = nil
	self.documentId = documentId
	// the previous document's state does not carry over
	self.resolver = NewConflictResolver()
	self.locallyDeleted = map[string]bool{}
	self.loading = true
	self.err = nil
	self.objects = nil
	self.stateLock.Unlock()

	if unsub != nil {
		unsub()
		self.Subscribe()
	}
}

func (self *SyncEngine) DocumentId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.documentId
}

// SnapshotFunction
func (self *SyncEngine) applySnapshot(snapshot []*CanvasObject) {
	var objects []*CanvasObject
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.resolver.Apply(snapshot, self.localEdits.ActiveIds())
		self.resolver.Settle(self.localEdits, self.optimistic.Has)
		self.optimistic.Prune(self.resolver.Has)

		// a tombstone is done once the feed no longer carries the id
		for objectId := range self.locallyDeleted {
			if !self.resolver.Has(objectId) {
				delete(self.locallyDeleted, objectId)
			}
		}

		self.loading = false
		objects = self.composeLocked()
		self.objects = objects
	}()

	self.publish(objects)
}

// ErrorFunction
func (self *SyncEngine) feedError(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	glog.Warningf("[engine]feed error for document %s: %s\n", self.documentId, err)
	// sticky. rendering keeps the stale-but-available object list
	self.err = err
}

// recomposes and publishes after a local-only mutation
// (drag move, optimistic create, local delete)
func (self *SyncEngine) Refresh() {
	var objects []*CanvasObject
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		objects = self.composeLocked()
		self.objects = objects
	}()

	self.publish(objects)
}

// must be called with `stateLock`
func (self *SyncEngine) composeLocked() []*CanvasObject {
	records := self.localEdits.Records()

	composed := []*CanvasObject{}
	for _, obj := range self.resolver.Objects() {
		if self.locallyDeleted[obj.Id] {
			continue
		}
		if record, ok := records[obj.Id]; ok {
			patched := obj.Clone()
			record.Apply(patched)
			composed = append(composed, patched)
		} else {
			composed = append(composed, obj)
		}
	}

	for _, entry := range self.optimistic.Entries() {
		if self.resolver.Has(entry.Id) || self.locallyDeleted[entry.Id] {
			continue
		}
		if record, ok := records[entry.Id]; ok {
			record.Apply(entry)
		}
		composed = append(composed, entry)
	}

	return SortObjects(composed)
}

func (self *SyncEngine) publish(objects []*CanvasObject) {
	for _, callback := range self.objectsCallbacks.Get() {
		HandleError(func() {
			callback(objects)
		})
	}
}

// hides ids immediately, ahead of the store delete
func (self *SyncEngine) markLocallyDeleted(objectIds []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, objectId := range objectIds {
		self.locallyDeleted[objectId] = true
	}
}

// the current ordered object list
func (self *SyncEngine) Objects() []*CanvasObject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	objects := make([]*CanvasObject, len(self.objects))
	copy(objects, self.objects)
	return objects
}

func (self *SyncEngine) Loading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loading
}

func (self *SyncEngine) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *SyncEngine) AddObjectsCallback(callback ObjectsFunction) func() {
	callbackId := self.objectsCallbacks.Add(callback)
	return func() {
		self.objectsCallbacks.Remove(callbackId)
	}
}

// tears down the feed subscription deterministically
func (self *SyncEngine) Close() {
	self.stateLock.Lock()
	unsub := self.unsub
	self.unsub = nil
	self.stateLock.Unlock()

	if unsub != nil {
		unsub()
	}
}
