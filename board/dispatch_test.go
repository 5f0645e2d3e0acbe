package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// store double with manual create completion, so tests can observe the
// optimistic window between the user action and the store ack
type manualStore struct {
	mutex sync.Mutex

	objects map[string]*CanvasObject

	writeClock int64

	snapshotCallbacks *CallbackList[SnapshotFunction]
	errorCallbacks    *CallbackList[ErrorFunction]

	subscribeCount int

	pendingCreates []*manualCreate
	updateErr      error
}

type manualCreate struct {
	obj      *CanvasObject
	callback CreateObjectCallback
}

func newManualStore() *manualStore {
	return &manualStore{
		objects:           map[string]*CanvasObject{},
		snapshotCallbacks: NewCallbackList[SnapshotFunction](),
		errorCallbacks:    NewCallbackList[ErrorFunction](),
	}
}

func (self *manualStore) serverNow() time.Time {
	self.writeClock += 1
	return time.Unix(1000+self.writeClock, 0)
}

func (self *manualStore) snapshot() []*CanvasObject {
	objects := []*CanvasObject{}
	for _, obj := range self.objects {
		objects = append(objects, obj.Clone())
	}
	sort.Slice(objects, func(i int, j int) bool {
		return objects[i].EditTime().Before(objects[j].EditTime())
	})
	return objects
}

func (self *manualStore) notify() {
	self.mutex.Lock()
	callbacks := self.snapshotCallbacks.Get()
	snapshot := self.snapshot()
	self.mutex.Unlock()
	for _, callback := range callbacks {
		callback(snapshot)
	}
}

func (self *manualStore) failFeed(err error) {
	for _, callback := range self.errorCallbacks.Get() {
		callback(err)
	}
}

func (self *manualStore) CreateObject(ctx context.Context, documentId string, obj *CanvasObject, callback CreateObjectCallback) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pendingCreates = append(self.pendingCreates, &manualCreate{
		obj:      obj.Clone(),
		callback: callback,
	})
}

// acknowledges the oldest pending create with the given permanent id
func (self *manualStore) completeCreate(permanentId string) {
	self.mutex.Lock()
	create := self.pendingCreates[0]
	self.pendingCreates = self.pendingCreates[1:]
	stored := create.obj.Clone()
	stored.Id = permanentId
	stored.IsOptimistic = false
	now := self.serverNow()
	stored.CreatedAt = now
	stored.LastEditedAt = now
	self.objects[permanentId] = stored
	self.mutex.Unlock()

	self.notify()
	create.callback.Result(&CreateObjectResult{ObjectId: permanentId}, nil)
}

func (self *manualStore) failCreate(err error) {
	self.mutex.Lock()
	create := self.pendingCreates[0]
	self.pendingCreates = self.pendingCreates[1:]
	self.mutex.Unlock()

	create.callback.Result(nil, err)
}

func (self *manualStore) UpdateObject(ctx context.Context, documentId string, objectId string, patch *ObjectPatch, callback WriteCallback) {
	err := func() error {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.updateErr != nil {
			return self.updateErr
		}
		obj, ok := self.objects[objectId]
		if !ok {
			return fmt.Errorf("object %s not found", objectId)
		}
		patch.Apply(obj)
		obj.LastEditedAt = self.serverNow()
		return nil
	}()
	if err != nil {
		callback.Result(nil, err)
		return
	}
	self.notify()
	callback.Result(&WriteResult{}, nil)
}

func (self *manualStore) DeleteObject(ctx context.Context, documentId string, objectId string, callback WriteCallback) {
	self.DeleteObjects(ctx, documentId, []string{objectId}, callback)
}

func (self *manualStore) DeleteObjects(ctx context.Context, documentId string, objectIds []string, callback WriteCallback) {
	self.mutex.Lock()
	for _, objectId := range objectIds {
		delete(self.objects, objectId)
	}
	self.mutex.Unlock()

	self.notify()
	callback.Result(&WriteResult{}, nil)
}

func (self *manualStore) Subscribe(documentId string, onSnapshot SnapshotFunction, onError ErrorFunction) func() {
	self.mutex.Lock()
	self.subscribeCount += 1
	snapshotId := self.snapshotCallbacks.Add(onSnapshot)
	errorId := self.errorCallbacks.Add(onError)
	initial := self.snapshot()
	self.mutex.Unlock()

	onSnapshot(initial)
	return func() {
		self.snapshotCallbacks.Remove(snapshotId)
		self.errorCallbacks.Remove(errorId)
	}
}

// captures the store's current state via a one-shot subscription
func storeSnapshot(store ObjectStore, documentId string) []*CanvasObject {
	var snapshot []*CanvasObject
	unsub := store.Subscribe(documentId, func(objects []*CanvasObject) {
		snapshot = objects
	}, func(error) {})
	unsub()
	return snapshot
}

func newTestBoard(t *testing.T, store ObjectStore, userId string) *Board {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := NewBoardWithDefaults(ctx, userId, "doc-test", store, nil)
	b.Engine().Subscribe()
	t.Cleanup(b.Close)
	return b
}

func TestOptimisticCreateReconcile(t *testing.T) {
	store := newManualStore()
	b := newTestBoard(t, store, "alice")

	callback, c := NewBlockingApiCallback[*CreateObjectResult]()
	tempId := b.Dispatcher().Create(&CanvasObject{
		Kind:   KindRectangle,
		X:      10,
		Y:      10,
		Width:  100,
		Height: 100,
		Fill:   "#3B82F6",
	}, callback)

	// renders immediately under the temporary id, before any store ack
	objects := b.Engine().Objects()
	assert.Equal(t, 1, len(objects))
	assert.Equal(t, tempId, objects[0].Id)
	assert.Equal(t, true, IsTempObjectId(objects[0].Id))
	assert.Equal(t, true, objects[0].IsOptimistic)
	assert.Equal(t, "alice", objects[0].CreatedBy)

	b.Selection().Set(tempId)

	store.completeCreate("abc123")
	result := <-c
	assert.Equal(t, nil, result.Error)
	assert.Equal(t, "abc123", result.Result.ObjectId)

	// exactly one entry under the permanent id and none under the temp id
	objects = b.Engine().Objects()
	assert.Equal(t, 1, len(objects))
	assert.Equal(t, "abc123", objects[0].Id)
	assert.Equal(t, false, objects[0].IsOptimistic)

	// selection carried forward
	assert.Equal(t, []string{"abc123"}, b.Selection().Ids())
	assert.Equal(t, "abc123", b.Selection().Primary())
}

func TestCreateFailureRollsBack(t *testing.T) {
	store := newManualStore()
	b := newTestBoard(t, store, "alice")

	callback, c := NewBlockingApiCallback[*CreateObjectResult]()
	tempId := b.Dispatcher().Create(&CanvasObject{
		Kind:   KindCircle,
		X:      500,
		Y:      500,
		Radius: 50,
	}, callback)
	b.Selection().Set(tempId)

	store.failCreate(fmt.Errorf("store unavailable"))
	result := <-c
	assert.NotEqual(t, nil, result.Error)

	// a visible, honest failure: the object vanishes
	assert.Equal(t, 0, len(b.Engine().Objects()))
	assert.Equal(t, 0, len(b.Selection().Ids()))
}

func TestDeferredMutationsFlushAfterReconcile(t *testing.T) {
	store := newManualStore()
	b := newTestBoard(t, store, "alice")

	tempId := b.Dispatcher().Create(&CanvasObject{
		Kind:       KindText,
		X:          100,
		Y:          100,
		Width:      200,
		Height:     50,
		FontSize:   16,
		FontFamily: "Arial",
	}, nil)

	// edits against the still-optimistic object are held locally
	b.Dispatcher().EditText(tempId, "hello", nil)
	b.Dispatcher().DragStart(tempId)
	b.Dispatcher().DragMove(tempId, 300, 300)
	b.Dispatcher().DragEnd(tempId, 300, 300, nil)

	objects := b.Engine().Objects()
	assert.Equal(t, "hello", objects[0].Text)
	assert.Equal(t, float64(300), objects[0].X)

	// nothing was written to the store yet
	assert.Equal(t, 0, len(store.objects))

	store.completeCreate("abc123")

	// the deferred patch flushed under the permanent id
	stored := store.objects["abc123"]
	assert.Equal(t, "hello", stored.Text)
	assert.Equal(t, float64(300), stored.X)
	assert.Equal(t, float64(300), stored.Y)
	assert.Equal(t, "alice", stored.LastModifiedBy)
}

func TestDeleteBeforeReconcile(t *testing.T) {
	store := newManualStore()
	b := newTestBoard(t, store, "alice")

	tempId := b.Dispatcher().Create(&CanvasObject{
		Kind:   KindRectangle,
		Width:  100,
		Height: 100,
	}, nil)

	b.Dispatcher().Delete([]string{tempId}, nil)
	assert.Equal(t, 0, len(b.Engine().Objects()))

	// the late create still lands remotely and is deleted again
	store.completeCreate("abc123")
	assert.Equal(t, 0, len(store.objects))
	assert.Equal(t, 0, len(b.Engine().Objects()))
}

func TestDragSuppressionBetweenClients(t *testing.T) {
	store := NewMemoryObjectStore()
	a := newTestBoard(t, store, "alice")
	b := newTestBoard(t, store, "bob")

	callback, c := NewBlockingApiCallback[*CreateObjectResult]()
	a.Dispatcher().Create(&CanvasObject{
		Kind:   KindRectangle,
		X:      10,
		Y:      10,
		Width:  100,
		Height: 100,
	}, callback)
	result := <-c
	assert.Equal(t, nil, result.Error)
	objectId := result.Result.ObjectId

	// alice starts dragging and holds the object at (10, 10)
	a.Dispatcher().DragStart(objectId)
	a.Dispatcher().DragMove(objectId, 10, 10)

	// bob moves the same object to (50, 50)
	b.Dispatcher().DragStart(objectId)
	b.Dispatcher().DragEnd(objectId, 50, 50, nil)

	// bob's write must not snap alice's in-progress drag
	aObj := a.Engine().Objects()[0]
	assert.Equal(t, float64(10), aObj.X)
	assert.Equal(t, float64(10), aObj.Y)

	// bob sees his own write
	bObj := b.Engine().Objects()[0]
	assert.Equal(t, float64(50), bObj.X)

	// alice finishes the drag; her write is the last one and wins everywhere
	a.Dispatcher().DragEnd(objectId, 10, 10, nil)
	assert.Equal(t, float64(10), a.Engine().Objects()[0].X)
	assert.Equal(t, float64(10), b.Engine().Objects()[0].X)

	// and her edit record settled against the remote echo
	assert.Equal(t, true, a.localEdits.Record(objectId) == nil)
}

func TestDeleteWhileEditing(t *testing.T) {
	store := NewMemoryObjectStore()
	a := newTestBoard(t, store, "alice")
	b := newTestBoard(t, store, "bob")

	callback, c := NewBlockingApiCallback[*CreateObjectResult]()
	a.Dispatcher().Create(&CanvasObject{
		Kind:   KindRectangle,
		X:      10,
		Y:      10,
		Width:  100,
		Height: 100,
	}, callback)
	result := <-c
	objectId := result.Result.ObjectId

	a.Dispatcher().DragStart(objectId)
	a.Dispatcher().DragMove(objectId, 200, 200)

	// bob deletes the object out from under alice's drag.
	// deletes are never suppressed
	b.Dispatcher().Delete([]string{objectId}, nil)

	assert.Equal(t, 0, len(a.Engine().Objects()))
	assert.Equal(t, true, a.localEdits.Record(objectId) == nil)
	assert.Equal(t, "", a.localEdits.ActiveId())
}

func TestDragClampsToCanvas(t *testing.T) {
	store := NewMemoryObjectStore()
	a := newTestBoard(t, store, "alice")

	callback, c := NewBlockingApiCallback[*CreateObjectResult]()
	a.Dispatcher().Create(&CanvasObject{
		Kind:   KindRectangle,
		X:      100,
		Y:      100,
		Width:  100,
		Height: 100,
	}, callback)
	result := <-c
	objectId := result.Result.ObjectId

	a.Dispatcher().DragStart(objectId)
	a.Dispatcher().DragMove(objectId, -50, 6000)
	obj := a.Engine().Objects()[0]
	assert.Equal(t, float64(0), obj.X)
	assert.Equal(t, float64(4900), obj.Y)

	a.Dispatcher().DragEnd(objectId, -50, 6000, nil)
	stored := storeSnapshot(store, "doc-test")
	assert.Equal(t, float64(0), stored[0].X)
	assert.Equal(t, float64(4900), stored[0].Y)
}

func TestUpdateFailureDoesNotRollBack(t *testing.T) {
	store := NewMemoryObjectStore()
	a := newTestBoard(t, store, "alice")

	callback, c := NewBlockingApiCallback[*CreateObjectResult]()
	a.Dispatcher().Create(&CanvasObject{
		Kind:   KindRectangle,
		X:      10,
		Y:      10,
		Width:  100,
		Height: 100,
	}, callback)
	result := <-c
	objectId := result.Result.ObjectId

	store.SetWriteError(fmt.Errorf("store unavailable"))

	writeCallback, wc := NewBlockingApiCallback[*WriteResult]()
	a.Dispatcher().DragStart(objectId)
	a.Dispatcher().DragMove(objectId, 400, 400)
	a.Dispatcher().DragEnd(objectId, 400, 400, writeCallback)
	writeResult := <-wc

	// the failure is surfaced to the caller
	assert.NotEqual(t, nil, writeResult.Error)

	// but the optimistic local state is not rolled back. the local value
	// keeps rendering until some later remote write settles or replaces it
	obj := a.Engine().Objects()[0]
	assert.Equal(t, float64(400), obj.X)
}

func TestTransformGesture(t *testing.T) {
	store := NewMemoryObjectStore()
	a := newTestBoard(t, store, "alice")

	callback, c := NewBlockingApiCallback[*CreateObjectResult]()
	a.Dispatcher().Create(&CanvasObject{
		Kind:   KindRectangle,
		X:      100,
		Y:      100,
		Width:  100,
		Height: 100,
	}, callback)
	result := <-c
	objectId := result.Result.ObjectId

	writeCallback, wc := NewBlockingApiCallback[*WriteResult]()
	a.Dispatcher().TransformStart(objectId)
	a.Dispatcher().TransformMove(objectId, &ObjectPatch{Width: Float(200), Rotation: Float(45)})
	a.Dispatcher().TransformEnd(objectId, &ObjectPatch{Width: Float(220), Rotation: Float(50)}, writeCallback)
	writeResult := <-wc
	assert.Equal(t, nil, writeResult.Error)

	stored := storeSnapshot(store, "doc-test")[0]
	assert.Equal(t, float64(220), stored.Width)
	assert.Equal(t, float64(50), stored.Rotation)
	assert.Equal(t, "alice", stored.LastModifiedBy)
}
