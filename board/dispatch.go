package board

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// the single call surface through which every canvas mutation flows.
// coordinates the local edit tracker, the optimistic create manager, and
// writes to the object store so local state always reflects the user action
// before the remote write round trip.
//
// all writes are fire-and-continue: the dispatcher issues the write and
// returns immediately, and the result is delivered on the callback. write
// failures are caught here and surfaced to the caller; they never propagate
// into the change-feed callback.
//
// known gap: update and delete failures do not roll back the optimistic
// local state. only create rolls back. correcting this changes user-visible
// semantics, so it is flagged here rather than silently fixed.
type CommandDispatcher struct {
	ctx context.Context

	userId string

	store    ObjectStore
	presence PresenceChannel

	localEdits *LocalEditTracker
	optimistic *OptimisticCreateManager
	selection  *SelectionSet
	engine     *SyncEngine

	settings *BoardSettings

	positionBroadcasts chan *PositionUpdate
}

func NewCommandDispatcher(
	ctx context.Context,
	userId string,
	store ObjectStore,
	presence PresenceChannel,
	localEdits *LocalEditTracker,
	optimistic *OptimisticCreateManager,
	selection *SelectionSet,
	engine *SyncEngine,
	settings *BoardSettings,
) *CommandDispatcher {
	dispatcher := &CommandDispatcher{
		ctx:                ctx,
		userId:             userId,
		store:              store,
		presence:           presence,
		localEdits:         localEdits,
		optimistic:         optimistic,
		selection:          selection,
		engine:             engine,
		settings:           settings,
		positionBroadcasts: make(chan *PositionUpdate, settings.PositionBroadcastBufferSize),
	}
	if presence != nil {
		go dispatcher.runPositionBroadcasts()
	}
	return dispatcher
}

// creates the object optimistically: it renders on the next frame under a
// temporary id with zero network wait, and is renamed to the store-assigned
// permanent id once the create write is acknowledged. on failure the object
// is removed again, a visible, honest failure.
// returns the temporary id, which stays valid for all dispatcher operations
// until reconciliation.
func (self *CommandDispatcher) Create(obj *CanvasObject, callback CreateObjectCallback) string {
	if callback == nil {
		callback = NewNoopApiCallback[*CreateObjectResult]()
	}

	payload := obj.Clone()
	payload.CreatedBy = self.userId
	payload.LastModifiedBy = self.userId
	payload.X, payload.Y = payload.ClampPosition(payload.X, payload.Y)

	tempId := self.optimistic.Create(payload)
	self.engine.Refresh()

	// the create payload is the entry as of this moment. any faster
	// follow-up edit lands in the deferred patch and is flushed after
	// reconciliation
	created := self.optimistic.Get(tempId)
	self.store.CreateObject(
		self.ctx,
		self.engine.DocumentId(),
		created,
		NewApiCallback[*CreateObjectResult](func(result *CreateObjectResult, err error) {
			self.createResult(tempId, result, err, callback)
		}),
	)
	return tempId
}

func (self *CommandDispatcher) createResult(
	tempId string,
	result *CreateObjectResult,
	err error,
	callback CreateObjectCallback,
) {
	if err != nil {
		glog.Infof("[dispatch]create failed, rolling back %s: %s\n", tempId, err)
		self.optimistic.Remove(tempId)
		self.localEdits.Clear(tempId)
		self.selection.Remove(tempId)
		self.engine.Refresh()
		callback.Result(nil, err)
		return
	}

	permanentId := result.ObjectId

	// atomically carry every reference keyed by the temporary id forward to
	// the permanent id: the entry itself, the edit record, the active
	// gesture pointer, and selection membership
	deferred, ok := self.optimistic.Reconcile(tempId, permanentId)
	if !ok {
		// deleted locally while the create was in flight. the late create
		// has already landed remotely; delete it there too
		self.store.DeleteObject(self.ctx, self.engine.DocumentId(), permanentId, self.loggedWrite("create undo"))
		callback.Result(result, nil)
		return
	}
	self.localEdits.Rename(tempId, permanentId)
	self.selection.Rename(tempId, permanentId)
	self.engine.Refresh()

	// flush mutations deferred while the object was optimistic
	if deferred != nil {
		deferred.LastModifiedBy = Str(self.userId)
		self.store.UpdateObject(self.ctx, self.engine.DocumentId(), permanentId, deferred, self.loggedWrite("deferred flush"))
	}

	// the secondary channel first hears about the object here. writing it
	// earlier, under the temporary id, would orphan that key forever
	if entry := self.object(permanentId); entry != nil {
		self.broadcastPosition(permanentId, entry.X, entry.Y)
	}

	callback.Result(result, nil)
}

// drag gesture: DragStart -> DragMove* -> DragEnd

func (self *CommandDispatcher) DragStart(objectId string) {
	self.localEdits.BeginDrag(objectId)
}

// records the clamped position locally for instant visual feedback and
// broadcasts it best effort on the live-position channel. no store write.
func (self *CommandDispatcher) DragMove(objectId string, x float64, y float64) {
	obj := self.object(objectId)
	if obj == nil {
		// deleted out from under the gesture
		return
	}
	x, y = obj.ClampPosition(x, y)
	self.localEdits.RecordMove(objectId, &ObjectPatch{X: Float(x), Y: Float(y)})
	self.broadcastPosition(objectId, x, y)
	self.engine.Refresh()
}

// clears the active gesture and issues the authoritative store write with
// the clamped final position. while the object is still optimistic the
// write is deferred instead; the pending create carries the geometry and
// the rest flushes right after reconciliation.
func (self *CommandDispatcher) DragEnd(objectId string, x float64, y float64, callback WriteCallback) {
	if callback == nil {
		callback = self.loggedWrite("drag end")
	}

	obj := self.object(objectId)
	if obj == nil {
		self.localEdits.EndDrag(objectId)
		callback.Result(&WriteResult{}, nil)
		return
	}
	x, y = obj.ClampPosition(x, y)
	patch := &ObjectPatch{X: Float(x), Y: Float(y)}
	self.localEdits.RecordMove(objectId, patch)
	self.localEdits.EndDrag(objectId)
	self.engine.Refresh()

	if self.optimistic.IsOptimistic(objectId) {
		self.optimistic.ApplyLocal(objectId, patch)
		callback.Result(&WriteResult{}, nil)
		return
	}

	write := patch.Clone()
	write.LastModifiedBy = Str(self.userId)
	self.store.UpdateObject(self.ctx, self.engine.DocumentId(), objectId, write, callback)
	self.broadcastPosition(objectId, x, y)
}

// transform gesture: TransformStart -> TransformMove* -> TransformEnd.
// mutates size/rotation/fontSize instead of position, with the same
// optimistic-object deferral rule.

func (self *CommandDispatcher) TransformStart(objectId string) {
	self.localEdits.BeginTransform(objectId)
}

func (self *CommandDispatcher) TransformMove(objectId string, partial *ObjectPatch) {
	obj := self.object(objectId)
	if obj == nil {
		return
	}
	self.localEdits.RecordMove(objectId, self.clampTransform(obj, partial))
	self.engine.Refresh()
}

func (self *CommandDispatcher) TransformEnd(objectId string, partial *ObjectPatch, callback WriteCallback) {
	if callback == nil {
		callback = self.loggedWrite("transform end")
	}

	obj := self.object(objectId)
	if obj == nil {
		self.localEdits.EndTransform(objectId)
		callback.Result(&WriteResult{}, nil)
		return
	}
	patch := self.clampTransform(obj, partial)
	self.localEdits.RecordMove(objectId, patch)
	self.localEdits.EndTransform(objectId)
	self.engine.Refresh()

	if self.optimistic.IsOptimistic(objectId) {
		self.optimistic.ApplyLocal(objectId, patch)
		callback.Result(&WriteResult{}, nil)
		return
	}

	write := patch.Clone()
	write.LastModifiedBy = Str(self.userId)
	self.store.UpdateObject(self.ctx, self.engine.DocumentId(), objectId, write, callback)
}

// a resize can push the current position out of bounds, so the position is
// re-clamped against the post-transform extent
func (self *CommandDispatcher) clampTransform(obj *CanvasObject, partial *ObjectPatch) *ObjectPatch {
	patch := partial.Clone()
	transformed := obj.Clone()
	patch.Apply(transformed)
	x, y := transformed.ClampPosition(transformed.X, transformed.Y)
	if x != obj.X || patch.X != nil {
		patch.X = Float(x)
	}
	if y != obj.Y || patch.Y != nil {
		patch.Y = Float(y)
	}
	return patch
}

// removes the objects from the rendered set immediately, clears their
// selection and edit state, then issues the store deletes. on partial
// failure already-deleted objects remain deleted and the failure is
// surfaced; there is no automatic rollback.
func (self *CommandDispatcher) Delete(objectIds []string, callback WriteCallback) {
	if callback == nil {
		callback = self.loggedWrite("delete")
	}

	storeIds := []string{}
	for _, objectId := range objectIds {
		self.localEdits.Clear(objectId)
		self.selection.Remove(objectId)
		if IsTempObjectId(objectId) || self.optimistic.IsOptimistic(objectId) {
			// never acknowledged by the store. dropping the entry is the
			// whole delete
			self.optimistic.Remove(objectId)
		} else {
			self.optimistic.Remove(objectId)
			storeIds = append(storeIds, objectId)
		}
	}
	self.engine.markLocallyDeleted(storeIds)
	self.engine.Refresh()

	if len(storeIds) == 0 {
		callback.Result(&WriteResult{}, nil)
		return
	}
	self.store.DeleteObjects(self.ctx, self.engine.DocumentId(), storeIds, callback)

	if self.presence != nil {
		for _, objectId := range storeIds {
			objectId := objectId
			go HandleError(func() {
				if err := self.presence.DeletePosition(self.ctx, objectId); err != nil {
					glog.Infof("[dispatch]position delete for %s dropped: %s\n", objectId, err)
				}
			})
		}
	}
}

// commits a text edit. callers debounce to commit on blur/enter rather than
// per keystroke. while the object is still optimistic the edit is held
// locally and applied as part of the pending create flush.
func (self *CommandDispatcher) EditText(objectId string, text string, callback WriteCallback) {
	self.writeField(objectId, &ObjectPatch{Text: Str(text)}, callback)
}

func (self *CommandDispatcher) SetFill(objectId string, fill string, callback WriteCallback) {
	self.writeField(objectId, &ObjectPatch{Fill: Str(fill)}, callback)
}

func (self *CommandDispatcher) writeField(objectId string, patch *ObjectPatch, callback WriteCallback) {
	if callback == nil {
		callback = self.loggedWrite("field write")
	}

	if self.optimistic.IsOptimistic(objectId) {
		self.optimistic.ApplyLocal(objectId, patch)
		self.engine.Refresh()
		callback.Result(&WriteResult{}, nil)
		return
	}
	write := patch.Clone()
	write.LastModifiedBy = Str(self.userId)
	self.store.UpdateObject(self.ctx, self.engine.DocumentId(), objectId, write, callback)
}

// the object as currently displayed: merged remote state with any local
// overlay, or the optimistic entry
func (self *CommandDispatcher) object(objectId string) *CanvasObject {
	for _, obj := range self.engine.Objects() {
		if obj.Id == objectId {
			return obj
		}
	}
	if entry := self.optimistic.Get(objectId); entry != nil {
		return entry
	}
	return nil
}

// best effort. dropped under backpressure, never written under a temp id
func (self *CommandDispatcher) broadcastPosition(objectId string, x float64, y float64) {
	if self.presence == nil || IsTempObjectId(objectId) {
		return
	}
	update := &PositionUpdate{
		ObjectId:   objectId,
		X:          x,
		Y:          y,
		UpdateTime: time.Now().UTC(),
	}
	select {
	case self.positionBroadcasts <- update:
	default:
		// local visual state is authoritative regardless
	}
}

func (self *CommandDispatcher) runPositionBroadcasts() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case update := <-self.positionBroadcasts:
			if err := self.presence.SetPosition(self.ctx, update); err != nil {
				glog.Infof("[dispatch]position broadcast for %s dropped: %s\n", update.ObjectId, err)
			}
		}
	}
}

func (self *CommandDispatcher) loggedWrite(tag string) WriteCallback {
	return NewApiCallback[*WriteResult](func(result *WriteResult, err error) {
		if err != nil {
			// no rollback of optimistic local state here. see the type comment
			glog.Infof("[dispatch]%s failed: %s\n", tag, err)
		}
	})
}
