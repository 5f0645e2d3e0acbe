package board

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func agentArgs(t *testing.T, args map[string]any) json.RawMessage {
	raw, err := json.Marshal(args)
	assert.Equal(t, nil, err)
	return raw
}

func TestAgentCreateDefaults(t *testing.T) {
	store := NewMemoryObjectStore()
	b := newTestBoard(t, store, "agent")
	applier := NewAgentApplier(b.Dispatcher())

	objectIds, err := applier.ApplyAll([]*AgentCommand{
		{Tool: "createRectangle", Args: agentArgs(t, map[string]any{"x": 100, "y": 100})},
		{Tool: "createCircle", Args: agentArgs(t, map[string]any{"x": 500, "y": 500})},
		{Tool: "createText", Args: agentArgs(t, map[string]any{"x": 200, "y": 200, "text": "hello"})},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(objectIds))
	for _, objectId := range objectIds {
		// permanent store ids by the time the command resolves
		assert.Equal(t, false, IsTempObjectId(objectId))
	}

	objects := b.Engine().Objects()
	assert.Equal(t, 3, len(objects))

	byId := map[string]*CanvasObject{}
	for _, obj := range objects {
		byId[obj.Id] = obj
	}

	rect := byId[objectIds[0]]
	assert.Equal(t, KindRectangle, rect.Kind)
	assert.Equal(t, float64(100), rect.Width)
	assert.Equal(t, float64(100), rect.Height)
	assert.Equal(t, "#3B82F6", rect.Fill)
	assert.Equal(t, "agent", rect.CreatedBy)

	circle := byId[objectIds[1]]
	assert.Equal(t, KindCircle, circle.Kind)
	assert.Equal(t, float64(50), circle.Radius)
	assert.Equal(t, "#10B981", circle.Fill)

	text := byId[objectIds[2]]
	assert.Equal(t, KindText, text.Kind)
	assert.Equal(t, "hello", text.Text)
	assert.Equal(t, float64(16), text.FontSize)
	assert.Equal(t, "Arial", text.FontFamily)
	assert.Equal(t, float64(200), text.Width)
	assert.Equal(t, float64(50), text.Height)
}

func TestAgentMoveClamped(t *testing.T) {
	store := NewMemoryObjectStore()
	b := newTestBoard(t, store, "agent")
	applier := NewAgentApplier(b.Dispatcher())

	objectId, err := applier.Apply(&AgentCommand{
		Tool: "createRectangle",
		Args: agentArgs(t, map[string]any{"x": 100, "y": 100}),
	})
	assert.Equal(t, nil, err)

	// agent-issued moves go through the same clamp as direct manipulation
	_, err = applier.Apply(&AgentCommand{
		Tool: "moveObject",
		Args: agentArgs(t, map[string]any{"objectId": objectId, "x": -50, "y": 6000}),
	})
	assert.Equal(t, nil, err)

	obj := b.Engine().Objects()[0]
	assert.Equal(t, float64(0), obj.X)
	assert.Equal(t, float64(4900), obj.Y)
}

func TestAgentResizeRotateRecolorDelete(t *testing.T) {
	store := NewMemoryObjectStore()
	b := newTestBoard(t, store, "agent")
	applier := NewAgentApplier(b.Dispatcher())

	objectId, err := applier.Apply(&AgentCommand{
		Tool: "createCircle",
		Args: agentArgs(t, map[string]any{"x": 500, "y": 500}),
	})
	assert.Equal(t, nil, err)

	_, err = applier.Apply(&AgentCommand{
		Tool: "resizeObject",
		Args: agentArgs(t, map[string]any{"objectId": objectId, "radius": 80}),
	})
	assert.Equal(t, nil, err)

	_, err = applier.Apply(&AgentCommand{
		Tool: "rotateObject",
		Args: agentArgs(t, map[string]any{"objectId": objectId, "rotation": 45}),
	})
	assert.Equal(t, nil, err)

	_, err = applier.Apply(&AgentCommand{
		Tool: "changeColor",
		Args: agentArgs(t, map[string]any{"objectId": objectId, "fill": "#FF0000"}),
	})
	assert.Equal(t, nil, err)

	obj := b.Engine().Objects()[0]
	assert.Equal(t, float64(80), obj.Radius)
	assert.Equal(t, float64(45), obj.Rotation)
	assert.Equal(t, "#FF0000", obj.Fill)

	_, err = applier.Apply(&AgentCommand{
		Tool: "deleteObject",
		Args: agentArgs(t, map[string]any{"objectId": objectId}),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(b.Engine().Objects()))
}

func TestAgentUnknownCommand(t *testing.T) {
	store := NewMemoryObjectStore()
	b := newTestBoard(t, store, "agent")
	applier := NewAgentApplier(b.Dispatcher())

	_, err := applier.Apply(&AgentCommand{
		Tool: "summonDragon",
		Args: agentArgs(t, map[string]any{}),
	})
	assert.NotEqual(t, nil, err)
}

func TestAgentBatchStopsAtFirstFailure(t *testing.T) {
	store := NewMemoryObjectStore()
	b := newTestBoard(t, store, "agent")
	applier := NewAgentApplier(b.Dispatcher())

	objectIds, err := applier.ApplyAll([]*AgentCommand{
		{Tool: "createRectangle", Args: agentArgs(t, map[string]any{"x": 100, "y": 100})},
		{Tool: "moveObject", Args: agentArgs(t, map[string]any{"objectId": ""})},
		{Tool: "createCircle", Args: agentArgs(t, map[string]any{"x": 500, "y": 500})},
	})
	assert.NotEqual(t, nil, err)

	// the first command landed, the third never ran
	assert.Equal(t, 1, len(objectIds))
	assert.Equal(t, 1, len(b.Engine().Objects()))
}
