package board

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// tracks in-progress local mutations so the conflict resolver can suppress
// premature remote overwrites of the value the user is actively editing.
//
// the tracker holds two things:
//   - the single active gesture target. an object id is "actively edited"
//     from drag/transform start until the matching end.
//   - one edit record per object, a partial CanvasObject of just the fields
//     being mutated. records outlive the gesture: they are cleared by the
//     resolver's settle pass once the remote value catches up, which is what
//     prevents a visible snap during the write round trip.
//
// records are exclusively in-memory client state. they are never persisted.
type LocalEditTracker struct {
	mutex sync.Mutex

	activeId string

	records map[string]*ObjectPatch
}

func NewLocalEditTracker() *LocalEditTracker {
	return &LocalEditTracker{
		records: map[string]*ObjectPatch{},
	}
}

// sets the active gesture target. the edit record is not created here; that
// happens on the first move event.
func (self *LocalEditTracker) BeginDrag(objectId string) {
	self.begin(objectId)
}

func (self *LocalEditTracker) BeginTransform(objectId string) {
	self.begin(objectId)
}

func (self *LocalEditTracker) begin(objectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.activeId != "" && self.activeId != objectId {
		// one gesture at a time. a new gesture replaces an abandoned one
		glog.Infof("[edit]gesture on %s replaces active gesture on %s\n", objectId, self.activeId)
	}
	self.activeId = objectId
}

// merges the partial geometry into the record for the object, creating it if
// absent. called for every pointer-move frame.
func (self *LocalEditTracker) RecordMove(objectId string, partial *ObjectPatch) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[objectId]
	if !ok {
		record = &ObjectPatch{}
		self.records[objectId] = record
	}
	record.Merge(partial)
}

// clears the active gesture target only. the record remains until the
// settle pass confirms the remote state matches.
func (self *LocalEditTracker) EndDrag(objectId string) {
	self.end(objectId)
}

func (self *LocalEditTracker) EndTransform(objectId string) {
	self.end(objectId)
}

func (self *LocalEditTracker) end(objectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.activeId == objectId {
		self.activeId = ""
	}
}

func (self *LocalEditTracker) ActiveId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.activeId
}

// the set consumed by the conflict resolver's suppression rule
func (self *LocalEditTracker) ActiveIds() map[string]bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	activeIds := map[string]bool{}
	if self.activeId != "" {
		activeIds[self.activeId] = true
	}
	return activeIds
}

func (self *LocalEditTracker) Record(objectId string) *ObjectPatch {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if record, ok := self.records[objectId]; ok {
		return record.Clone()
	}
	return nil
}

func (self *LocalEditTracker) Records() map[string]*ObjectPatch {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	records := map[string]*ObjectPatch{}
	for objectId, record := range self.records {
		records[objectId] = record.Clone()
	}
	return records
}

func (self *LocalEditTracker) RecordIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.records)
}

// removes the record and, if the object was the active gesture target,
// clears the pointer. used when the object is deleted remotely while being
// edited and by the settle pass.
func (self *LocalEditTracker) Clear(objectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.records, objectId)
	if self.activeId == objectId {
		self.activeId = ""
	}
}

// carries record and gesture state forward from a temporary id to the
// store-assigned permanent id at optimistic create reconciliation
func (self *LocalEditTracker) Rename(objectId string, nextObjectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if record, ok := self.records[objectId]; ok {
		delete(self.records, objectId)
		self.records[nextObjectId] = record
	}
	if self.activeId == objectId {
		self.activeId = nextObjectId
	}
}
