package board

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
)

// applies natural-language-agent command batches through the command
// dispatcher, so agent output flows the same optimistic create/update path
// as direct manipulation.
//
// the agent backend is an external collaborator; this is just its command
// surface. each command is awaited before the next is applied, matching the
// sequential tool-call semantics of the agent.

// agent create defaults
const agentDefaultRectWidth = float64(100)
const agentDefaultRectHeight = float64(100)
const agentDefaultRectFill = "#3B82F6"
const agentDefaultCircleRadius = float64(50)
const agentDefaultCircleFill = "#10B981"
const agentDefaultTextFontSize = float64(16)
const agentDefaultTextFontFamily = "Arial"
const agentDefaultTextFill = "#FFFFFF"
const agentDefaultTextWidth = float64(200)
const agentDefaultTextHeight = float64(50)

type AgentCommand struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type agentCreateArgs struct {
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Width      *float64 `json:"width"`
	Height     *float64 `json:"height"`
	Radius     *float64 `json:"radius"`
	Text       string   `json:"text"`
	FontSize   *float64 `json:"fontSize"`
	FontFamily *string  `json:"fontFamily"`
	Fill       *string  `json:"fill"`
	Rotation   float64  `json:"rotation"`
}

type agentTargetArgs struct {
	ObjectId string   `json:"objectId"`
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Width    *float64 `json:"width"`
	Height   *float64 `json:"height"`
	Radius   *float64 `json:"radius"`
	Rotation *float64 `json:"rotation"`
	Fill     *string  `json:"fill"`
}

type AgentApplier struct {
	dispatcher *CommandDispatcher
}

func NewAgentApplier(dispatcher *CommandDispatcher) *AgentApplier {
	return &AgentApplier{
		dispatcher: dispatcher,
	}
}

// applies the commands in order, stopping at the first failure.
// returns the affected object ids for the commands that were applied.
func (self *AgentApplier) ApplyAll(commands []*AgentCommand) ([]string, error) {
	objectIds := []string{}
	for i, command := range commands {
		objectId, err := self.Apply(command)
		if err != nil {
			return objectIds, fmt.Errorf("command %d (%s): %w", i, command.Tool, err)
		}
		objectIds = append(objectIds, objectId)
	}
	return objectIds, nil
}

// applies one command and waits for the store write to resolve.
// unknown commands are rejected with an error, never skipped silently.
func (self *AgentApplier) Apply(command *AgentCommand) (string, error) {
	glog.Infof("[agent]apply %s\n", command.Tool)

	switch command.Tool {
	case "createRectangle", "createCircle", "createText":
		var args agentCreateArgs
		if err := json.Unmarshal(command.Args, &args); err != nil {
			return "", err
		}
		return self.create(command.Tool, &args)

	case "moveObject":
		var args agentTargetArgs
		if err := json.Unmarshal(command.Args, &args); err != nil {
			return "", err
		}
		if args.ObjectId == "" || args.X == nil || args.Y == nil {
			return "", fmt.Errorf("moveObject requires objectId, x, y")
		}
		callback, c := NewBlockingApiCallback[*WriteResult]()
		self.dispatcher.DragStart(args.ObjectId)
		self.dispatcher.DragEnd(args.ObjectId, *args.X, *args.Y, callback)
		result := <-c
		return args.ObjectId, result.Error

	case "resizeObject":
		var args agentTargetArgs
		if err := json.Unmarshal(command.Args, &args); err != nil {
			return "", err
		}
		if args.ObjectId == "" {
			return "", fmt.Errorf("resizeObject requires objectId")
		}
		patch := &ObjectPatch{
			Width:  args.Width,
			Height: args.Height,
			Radius: args.Radius,
		}
		if patch.IsEmpty() {
			return "", fmt.Errorf("resizeObject requires width/height or radius")
		}
		return args.ObjectId, self.transform(args.ObjectId, patch)

	case "rotateObject":
		var args agentTargetArgs
		if err := json.Unmarshal(command.Args, &args); err != nil {
			return "", err
		}
		if args.ObjectId == "" || args.Rotation == nil {
			return "", fmt.Errorf("rotateObject requires objectId, rotation")
		}
		return args.ObjectId, self.transform(args.ObjectId, &ObjectPatch{Rotation: args.Rotation})

	case "changeColor":
		var args agentTargetArgs
		if err := json.Unmarshal(command.Args, &args); err != nil {
			return "", err
		}
		if args.ObjectId == "" || args.Fill == nil {
			return "", fmt.Errorf("changeColor requires objectId, fill")
		}
		callback, c := NewBlockingApiCallback[*WriteResult]()
		self.dispatcher.SetFill(args.ObjectId, *args.Fill, callback)
		result := <-c
		return args.ObjectId, result.Error

	case "deleteObject":
		var args agentTargetArgs
		if err := json.Unmarshal(command.Args, &args); err != nil {
			return "", err
		}
		if args.ObjectId == "" {
			return "", fmt.Errorf("deleteObject requires objectId")
		}
		callback, c := NewBlockingApiCallback[*WriteResult]()
		self.dispatcher.Delete([]string{args.ObjectId}, callback)
		result := <-c
		return args.ObjectId, result.Error

	default:
		return "", fmt.Errorf("unknown agent command %q", command.Tool)
	}
}

func (self *AgentApplier) create(tool string, args *agentCreateArgs) (string, error) {
	obj := &CanvasObject{
		X:        args.X,
		Y:        args.Y,
		Rotation: args.Rotation,
	}

	stringOr := func(value *string, def string) string {
		if value != nil {
			return *value
		}
		return def
	}
	floatOr := func(value *float64, def float64) float64 {
		if value != nil {
			return *value
		}
		return def
	}

	switch tool {
	case "createRectangle":
		obj.Kind = KindRectangle
		obj.Width = floatOr(args.Width, agentDefaultRectWidth)
		obj.Height = floatOr(args.Height, agentDefaultRectHeight)
		obj.Fill = stringOr(args.Fill, agentDefaultRectFill)
	case "createCircle":
		obj.Kind = KindCircle
		obj.Radius = floatOr(args.Radius, agentDefaultCircleRadius)
		obj.Fill = stringOr(args.Fill, agentDefaultCircleFill)
	case "createText":
		obj.Kind = KindText
		obj.Width = floatOr(args.Width, agentDefaultTextWidth)
		obj.Height = floatOr(args.Height, agentDefaultTextHeight)
		obj.Text = args.Text
		obj.FontSize = floatOr(args.FontSize, agentDefaultTextFontSize)
		obj.FontFamily = stringOr(args.FontFamily, agentDefaultTextFontFamily)
		obj.Fill = stringOr(args.Fill, agentDefaultTextFill)
	}

	callback, c := NewBlockingApiCallback[*CreateObjectResult]()
	self.dispatcher.Create(obj, callback)
	result := <-c
	if result.Error != nil {
		return "", result.Error
	}
	return result.Result.ObjectId, nil
}

func (self *AgentApplier) transform(objectId string, patch *ObjectPatch) error {
	callback, c := NewBlockingApiCallback[*WriteResult]()
	self.dispatcher.TransformStart(objectId)
	self.dispatcher.TransformEnd(objectId, patch, callback)
	result := <-c
	return result.Error
}
