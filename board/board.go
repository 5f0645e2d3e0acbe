package board

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// a shared canvas document edited by many writers at once.
// the Board is the single owner of all client-side sync state:
// it constructs the sync engine, the local edit tracker, the optimistic
// create manager, and the command dispatcher, and tears them down together.
// nothing in this package holds module-level mutable state.

const TempObjectIdPrefix = "temp-"

// temporary ids are assigned locally at create time and are replaced by the
// store-assigned permanent id once the create write is acknowledged.
// the ulid encodes a monotonic timestamp plus random suffix, so temporary ids
// never collide with each other or with store-assigned uuids.
func NewTempObjectId() string {
	return TempObjectIdPrefix + strings.ToLower(ulid.Make().String())
}

func IsTempObjectId(objectId string) bool {
	return strings.HasPrefix(objectId, TempObjectIdPrefix)
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

func DefaultBoardSettings() *BoardSettings {
	return &BoardSettings{
		PositionBroadcastBufferSize: 64,
	}
}

type BoardSettings struct {
	// pending live-position broadcasts buffered before drops.
	// broadcasts are best effort so dropping under backpressure is fine.
	PositionBroadcastBufferSize int
}

type Board struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId     string
	documentId string

	store    ObjectStore
	presence PresenceChannel

	settings *BoardSettings

	localEdits *LocalEditTracker
	optimistic *OptimisticCreateManager
	selection  *SelectionSet
	engine     *SyncEngine
	dispatcher *CommandDispatcher
}

func NewBoardWithDefaults(
	ctx context.Context,
	userId string,
	documentId string,
	store ObjectStore,
	presence PresenceChannel,
) *Board {
	return NewBoard(ctx, userId, documentId, store, presence, DefaultBoardSettings())
}

// `presence` may be nil, in which case live-position broadcast is disabled.
func NewBoard(
	ctx context.Context,
	userId string,
	documentId string,
	store ObjectStore,
	presence PresenceChannel,
	settings *BoardSettings,
) *Board {
	cancelCtx, cancel := context.WithCancel(ctx)

	localEdits := NewLocalEditTracker()
	optimistic := NewOptimisticCreateManager()
	selection := NewSelectionSet()
	engine := NewSyncEngine(cancelCtx, documentId, store, localEdits, optimistic)
	dispatcher := NewCommandDispatcher(
		cancelCtx,
		userId,
		store,
		presence,
		localEdits,
		optimistic,
		selection,
		engine,
		settings,
	)

	return &Board{
		ctx:        cancelCtx,
		cancel:     cancel,
		userId:     userId,
		documentId: documentId,
		store:      store,
		presence:   presence,
		settings:   settings,
		localEdits: localEdits,
		optimistic: optimistic,
		selection:  selection,
		engine:     engine,
		dispatcher: dispatcher,
	}
}

func (self *Board) UserId() string {
	return self.userId
}

func (self *Board) DocumentId() string {
	return self.documentId
}

func (self *Board) Engine() *SyncEngine {
	return self.engine
}

func (self *Board) Dispatcher() *CommandDispatcher {
	return self.dispatcher
}

func (self *Board) Selection() *SelectionSet {
	return self.selection
}

func (self *Board) Close() {
	self.engine.Close()
	self.cancel()
}
