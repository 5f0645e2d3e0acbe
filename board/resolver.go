package board

import (
	"sort"
)

// merges each remote snapshot against in-flight local edits.
//
// per object id present in the snapshot:
//  1. id actively edited -> the remote payload is stashed as a pending
//     update, not applied. the currently displayed value is kept (first-seen
//     remote if there is none, to avoid rendering nothing).
//  2. id has a pending update and is no longer actively edited -> last write
//     wins on the server timestamp. strictly greater adopts the remote,
//     otherwise the pending update is discarded. the pending slot is cleared
//     either way. ties are not broken further; see the tie note in the tests.
//  3. otherwise -> remote value taken as-is.
//
// ids absent from the snapshot are removed unconditionally. deletes are never
// suppressed by an in-progress edit.
//
// the resolver never fails: it is data transformation over whatever snapshot
// it is given, including partially-malformed documents.
type ConflictResolver struct {
	// merged authoritative objects, by id
	merged map[string]*CanvasObject

	// remote payloads suppressed by rule 1, by id
	pending map[string]*CanvasObject

	// arrival order of ids, for stable z-order ties
	order []string
}

func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{
		merged:  map[string]*CanvasObject{},
		pending: map[string]*CanvasObject{},
	}
}

func (self *ConflictResolver) Apply(snapshot []*CanvasObject, activeIds map[string]bool) {
	next := map[string]*CanvasObject{}

	for _, remote := range snapshot {
		if remote == nil || remote.Id == "" {
			// malformed document, nothing to key it by
			continue
		}
		objectId := remote.Id

		if activeIds[objectId] {
			// rule 1: suppress while the local edit is in flight.
			// keep the freshest remote as the pending update
			self.pending[objectId] = remote
			if current, ok := self.merged[objectId]; ok {
				next[objectId] = current
			} else {
				// first sight of the object. show the remote value rather
				// than nothing
				next[objectId] = remote
			}
		} else if _, ok := self.pending[objectId]; ok {
			// rule 2: the local edit just ended. last write wins.
			// the snapshot's payload supersedes the stashed pending value,
			// it is the same object one or more writes later
			delete(self.pending, objectId)
			if local, ok := self.merged[objectId]; ok && !remote.EditTime().After(local.EditTime()) {
				next[objectId] = local
			} else {
				next[objectId] = remote
			}
		} else {
			// rule 3
			next[objectId] = remote
		}
	}

	// deletes take absolute priority. anything not in the snapshot is gone,
	// including pending updates for it
	for objectId := range self.pending {
		if _, ok := next[objectId]; !ok {
			delete(self.pending, objectId)
		}
	}

	nextOrder := make([]string, 0, len(next))
	seen := map[string]bool{}
	for _, objectId := range self.order {
		if _, ok := next[objectId]; ok && !seen[objectId] {
			nextOrder = append(nextOrder, objectId)
			seen[objectId] = true
		}
	}
	for _, remote := range snapshot {
		if remote == nil || remote.Id == "" {
			continue
		}
		if _, ok := next[remote.Id]; ok && !seen[remote.Id] {
			nextOrder = append(nextOrder, remote.Id)
			seen[remote.Id] = true
		}
	}

	self.merged = next
	self.order = nextOrder
}

// garbage collects local edit records against the merged state:
//   - records for objects that no longer exist remotely are cleared,
//     which also releases the active gesture pointer for them. editing a
//     deleted object is meaningless.
//   - records within settle tolerance of the now-current remote values are
//     cleared. this is how a completed drag settles once the remote state
//     catches up, without a visible snap.
//
// runs on every snapshot, independent of the per-object merge rules.
// `localOnly` reports ids that are not expected on the feed yet (optimistic
// creates awaiting acknowledgement or rename); their records are exempt from
// the vanished-remotely rule.
func (self *ConflictResolver) Settle(localEdits *LocalEditTracker, localOnly func(objectId string) bool) {
	activeIds := localEdits.ActiveIds()
	for objectId, record := range localEdits.Records() {
		current, ok := self.merged[objectId]
		if !ok {
			if !localOnly(objectId) {
				localEdits.Clear(objectId)
			}
			continue
		}
		if activeIds[objectId] {
			// still mid-gesture, leave the record alone
			continue
		}
		if record.WithinToleranceOf(current) {
			localEdits.Clear(objectId)
		}
	}
}

func (self *ConflictResolver) Get(objectId string) *CanvasObject {
	if obj, ok := self.merged[objectId]; ok {
		return obj
	}
	return nil
}

func (self *ConflictResolver) Has(objectId string) bool {
	_, ok := self.merged[objectId]
	return ok
}

// merged objects in arrival order. z-order sorting happens at composition,
// over the merged list plus any optimistic overlay
func (self *ConflictResolver) Objects() []*CanvasObject {
	objects := make([]*CanvasObject, 0, len(self.order))
	for _, objectId := range self.order {
		objects = append(objects, self.merged[objectId])
	}
	return objects
}

// ascending z-index, ties broken by arrival order
func SortObjects(objects []*CanvasObject) []*CanvasObject {
	sorted := make([]*CanvasObject, len(objects))
	copy(sorted, objects)
	sort.SliceStable(sorted, func(i int, j int) bool {
		return sorted[i].ZIndex < sorted[j].ZIndex
	})
	return sorted
}
