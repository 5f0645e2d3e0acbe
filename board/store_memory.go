package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"golang.org/x/exp/maps"
)

// in-process ObjectStore with the same contract as the hosted store:
// permanent uuid ids, server-assigned monotone write timestamps, and a full
// snapshot pushed to every subscriber on every change.
// used by tests and by the simulator. all operations are synchronous, which
// keeps test scenarios deterministic.
type MemoryObjectStore struct {
	mutex sync.Mutex

	// documentId -> objectId -> object
	documents map[string]map[string]*CanvasObject

	// documentId -> subscriber callbacks
	subscribers map[string]*CallbackList[SnapshotFunction]

	// strictly increasing server clock
	lastWriteTime time.Time

	// fault injection for tests. applies to all writes while set
	writeErr error
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		documents:   map[string]map[string]*CanvasObject{},
		subscribers: map[string]*CallbackList[SnapshotFunction]{},
	}
}

func (self *MemoryObjectStore) SetWriteError(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.writeErr = err
}

// must be called with `mutex`
func (self *MemoryObjectStore) serverNow() time.Time {
	now := time.Now().UTC()
	if !self.lastWriteTime.Before(now) {
		now = self.lastWriteTime.Add(time.Microsecond)
	}
	self.lastWriteTime = now
	return now
}

// must be called with `mutex`
func (self *MemoryObjectStore) document(documentId string) map[string]*CanvasObject {
	objects, ok := self.documents[documentId]
	if !ok {
		objects = map[string]*CanvasObject{}
		self.documents[documentId] = objects
	}
	return objects
}

// must be called with `mutex`
func (self *MemoryObjectStore) snapshot(documentId string) []*CanvasObject {
	objects := maps.Values(self.document(documentId))
	// the feed is ordered by last-write timestamp
	sort.Slice(objects, func(i int, j int) bool {
		return objects[i].EditTime().Before(objects[j].EditTime())
	})
	snapshot := make([]*CanvasObject, 0, len(objects))
	for _, obj := range objects {
		snapshot = append(snapshot, obj.Clone())
	}
	return snapshot
}

func (self *MemoryObjectStore) notify(documentId string) {
	var callbacks []SnapshotFunction
	var snapshot []*CanvasObject
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if subscribers, ok := self.subscribers[documentId]; ok {
			callbacks = subscribers.Get()
		}
		if len(callbacks) == 0 {
			return
		}
		snapshot = self.snapshot(documentId)
	}()
	for _, callback := range callbacks {
		HandleError(func() {
			callback(snapshot)
		})
	}
}

func (self *MemoryObjectStore) CreateObject(
	ctx context.Context,
	documentId string,
	obj *CanvasObject,
	callback CreateObjectCallback,
) {
	var objectId string
	err := func() error {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.writeErr != nil {
			return self.writeErr
		}
		stored := obj.Clone()
		objectId = uuid.NewString()
		stored.Id = objectId
		stored.IsOptimistic = false
		now := self.serverNow()
		stored.CreatedAt = now
		stored.LastEditedAt = now
		self.document(documentId)[objectId] = stored
		return nil
	}()
	if err != nil {
		callback.Result(nil, err)
		return
	}
	self.notify(documentId)
	callback.Result(&CreateObjectResult{ObjectId: objectId}, nil)
}

func (self *MemoryObjectStore) UpdateObject(
	ctx context.Context,
	documentId string,
	objectId string,
	patch *ObjectPatch,
	callback WriteCallback,
) {
	err := func() error {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.writeErr != nil {
			return self.writeErr
		}
		obj, ok := self.document(documentId)[objectId]
		if !ok {
			return fmt.Errorf("object %s not found", objectId)
		}
		patch.Apply(obj)
		// createdAt never changes after first write
		obj.LastEditedAt = self.serverNow()
		return nil
	}()
	if err != nil {
		callback.Result(nil, err)
		return
	}
	self.notify(documentId)
	callback.Result(&WriteResult{}, nil)
}

func (self *MemoryObjectStore) DeleteObject(
	ctx context.Context,
	documentId string,
	objectId string,
	callback WriteCallback,
) {
	self.DeleteObjects(ctx, documentId, []string{objectId}, callback)
}

func (self *MemoryObjectStore) DeleteObjects(
	ctx context.Context,
	documentId string,
	objectIds []string,
	callback WriteCallback,
) {
	err := func() error {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.writeErr != nil {
			return self.writeErr
		}
		objects := self.document(documentId)
		for _, objectId := range objectIds {
			// deleting an already-deleted object is a no-op
			delete(objects, objectId)
		}
		// deletes still advance the server clock
		self.serverNow()
		return nil
	}()
	if err != nil {
		callback.Result(nil, err)
		return
	}
	self.notify(documentId)
	callback.Result(&WriteResult{}, nil)
}

func (self *MemoryObjectStore) Subscribe(
	documentId string,
	onSnapshot SnapshotFunction,
	onError ErrorFunction,
) func() {
	var callbackId Id
	var initial []*CanvasObject
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		subscribers, ok := self.subscribers[documentId]
		if !ok {
			subscribers = NewCallbackList[SnapshotFunction]()
			self.subscribers[documentId] = subscribers
		}
		callbackId = subscribers.Add(onSnapshot)
		initial = self.snapshot(documentId)
	}()
	// fires at least once immediately with the current state, even if empty
	HandleError(func() {
		onSnapshot(initial)
	})
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if subscribers, ok := self.subscribers[documentId]; ok {
			subscribers.Remove(callbackId)
		}
	}
}
