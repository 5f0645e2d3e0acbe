package board

import (
	"context"
)

// the hosted document store behind the shared canvas.
// a per-document collection of object documents keyed by object id, with a
// live change feed that pushes the full current set of documents on every
// change, ordered by a server-assigned last-write timestamp.
//
// writes are fire-and-continue: the caller does not block, and the result is
// delivered on the callback. the effect of a successful write arrives
// through the change feed.

type SnapshotFunction = func(objects []*CanvasObject)
type ErrorFunction = func(err error)

type CreateObjectResult struct {
	// store assigned permanent id
	ObjectId string
}

type CreateObjectCallback = apiCallback[*CreateObjectResult]

type WriteResult struct {
}

type WriteCallback = apiCallback[*WriteResult]

type ObjectStore interface {
	// creates the document and returns the store-assigned permanent id on
	// the callback. the payload's id and timestamps are ignored; CreatedAt
	// and LastEditedAt are assigned server side.
	CreateObject(ctx context.Context, documentId string, obj *CanvasObject, callback CreateObjectCallback)

	// merges the non-nil patch fields into the document.
	// the store stamps LastEditedAt itself so the conflict ordering key is
	// monotone regardless of client clocks.
	UpdateObject(ctx context.Context, documentId string, objectId string, patch *ObjectPatch, callback WriteCallback)

	DeleteObject(ctx context.Context, documentId string, objectId string, callback WriteCallback)

	DeleteObjects(ctx context.Context, documentId string, objectIds []string, callback WriteCallback)

	// begins the change feed for the document. fires `onSnapshot` once
	// immediately with the current state, even if empty, and again on every
	// change with the full current set of documents.
	// returns the unsubscribe function.
	Subscribe(documentId string, onSnapshot SnapshotFunction, onError ErrorFunction) func()
}
