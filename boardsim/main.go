package main

import (
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/syncboard/board/board"
)

const SimVersion = "0.0.1"

const simDocumentId = "shared-canvas"

func main() {
	usage := `Board sync simulator.

Drives concurrent simulated editors against one in-process object store and
verifies that every client converges to the same object list.

Usage:
    boardsim run [--clients=<clients>] [--objects=<objects>] [--rounds=<rounds>] [--seed=<seed>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --clients=<clients>    Number of concurrent editors [default: 4].
    --objects=<objects>    Objects created per editor up front [default: 8].
    --rounds=<rounds>      Edit rounds per editor [default: 64].
    --seed=<seed>          Random seed [default: 1].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SimVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func optInt(opts docopt.Opts, key string) int {
	str, err := opts.String(key)
	if err != nil {
		panic(err)
	}
	value, err := strconv.Atoi(str)
	if err != nil {
		panic(err)
	}
	return value
}

func run(opts docopt.Opts) {
	clientCount := optInt(opts, "--clients")
	objectCount := optInt(opts, "--objects")
	roundCount := optInt(opts, "--rounds")
	seed := optInt(opts, "--seed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	random := mathrand.New(mathrand.NewSource(int64(seed)))

	store := board.NewMemoryObjectStore()

	boards := []*board.Board{}
	for i := 0; i < clientCount; i += 1 {
		userId := fmt.Sprintf("sim-user-%d", i)
		b := board.NewBoardWithDefaults(ctx, userId, simDocumentId, store, nil)
		b.Engine().Subscribe()
		defer b.Close()
		boards = append(boards, b)
	}

	// seed objects
	for _, b := range boards {
		for i := 0; i < objectCount; i += 1 {
			obj := randomObject(random)
			callback, c := board.NewBlockingApiCallback[*board.CreateObjectResult]()
			b.Dispatcher().Create(obj, callback)
			result := <-c
			if result.Error != nil {
				glog.Errorf("[sim]seed create failed: %s\n", result.Error)
				os.Exit(1)
			}
		}
	}

	// interleaved edit rounds. each round one client performs one gesture
	for round := 0; round < roundCount; round += 1 {
		b := boards[random.Intn(len(boards))]
		objects := b.Engine().Objects()
		if len(objects) == 0 {
			continue
		}
		target := objects[random.Intn(len(objects))]

		switch random.Intn(8) {
		case 0:
			// create
			callback, c := board.NewBlockingApiCallback[*board.CreateObjectResult]()
			b.Dispatcher().Create(randomObject(random), callback)
			<-c
		case 1:
			// delete
			callback, c := board.NewBlockingApiCallback[*board.WriteResult]()
			b.Dispatcher().Delete([]string{target.Id}, callback)
			<-c
		case 2, 3:
			// transform
			callback, c := board.NewBlockingApiCallback[*board.WriteResult]()
			b.Dispatcher().TransformStart(target.Id)
			b.Dispatcher().TransformMove(target.Id, &board.ObjectPatch{
				Rotation: board.Float(float64(random.Intn(360))),
			})
			b.Dispatcher().TransformEnd(target.Id, &board.ObjectPatch{
				Rotation: board.Float(float64(random.Intn(360))),
			}, callback)
			<-c
		default:
			// drag
			callback, c := board.NewBlockingApiCallback[*board.WriteResult]()
			b.Dispatcher().DragStart(target.Id)
			for move := 0; move < 4; move += 1 {
				b.Dispatcher().DragMove(target.Id, randomCoord(random), randomCoord(random))
			}
			b.Dispatcher().DragEnd(target.Id, randomCoord(random), randomCoord(random), callback)
			<-c
		}
	}

	// a small agent batch through the same dispatcher surface
	applier := board.NewAgentApplier(boards[0].Dispatcher())
	commands := []*board.AgentCommand{
		{Tool: "createRectangle", Args: json.RawMessage(`{"x": 100, "y": 100}`)},
		{Tool: "createCircle", Args: json.RawMessage(`{"x": 400, "y": 400, "radius": 75}`)},
		{Tool: "createText", Args: json.RawMessage(`{"x": 200, "y": 50, "text": "hello board"}`)},
	}
	if _, err := applier.ApplyAll(commands); err != nil {
		glog.Errorf("[sim]agent batch failed: %s\n", err)
		os.Exit(1)
	}

	// convergence: every client renders the same ids in the same order
	reference := boards[0].Engine().Objects()
	for i, b := range boards {
		objects := b.Engine().Objects()
		if len(objects) != len(reference) {
			glog.Errorf("[sim]client %d diverged: %d objects != %d\n", i, len(objects), len(reference))
			os.Exit(1)
		}
		for j, obj := range objects {
			if obj.Id != reference[j].Id {
				glog.Errorf("[sim]client %d diverged at index %d: %s != %s\n", i, j, obj.Id, reference[j].Id)
				os.Exit(1)
			}
		}
	}

	fmt.Printf("converged: %d clients, %d objects, %d rounds, seed %d\n",
		clientCount, len(reference), roundCount, seed)
}

func randomCoord(random *mathrand.Rand) float64 {
	// intentionally overshoots the canvas so clamping gets exercised
	return float64(random.Intn(7000)) - 1000
}

func randomObject(random *mathrand.Rand) *board.CanvasObject {
	obj := &board.CanvasObject{
		X:      randomCoord(random),
		Y:      randomCoord(random),
		Fill:   fmt.Sprintf("#%06x", random.Intn(0x1000000)),
		ZIndex: random.Intn(4),
	}
	switch random.Intn(3) {
	case 0:
		obj.Kind = board.KindRectangle
		obj.Width = float64(50 + random.Intn(300))
		obj.Height = float64(50 + random.Intn(300))
	case 1:
		obj.Kind = board.KindCircle
		obj.Radius = float64(25 + random.Intn(150))
	default:
		obj.Kind = board.KindText
		obj.Width = 200
		obj.Height = 50
		obj.Text = "sim"
		obj.FontSize = 16
		obj.FontFamily = "Arial"
	}
	return obj
}
