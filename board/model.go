package board

import (
	"fmt"
	"math"
	"time"
)

// canvas-space is a fixed logical square. all geometry is clamped so the
// full extent of a shape stays inside it.
const CanvasWidth = float64(5000)
const CanvasHeight = float64(5000)

// a completed local edit settles once the remote value catches up to within
// these tolerances. see `ObjectPatch.WithinToleranceOf`.
const PositionSettleTolerance = float64(1)
const SizeSettleTolerance = float64(1)
const RotationSettleTolerance = float64(0.5)
const FontSizeSettleTolerance = float64(0.5)

type ObjectKind string

const (
	KindRectangle ObjectKind = "rectangle"
	KindCircle    ObjectKind = "circle"
	KindText      ObjectKind = "text"
)

// a drawable entity on the shared surface.
// exactly one of {Width/Height, Radius} is populated, determined by Kind:
// rectangle and text carry Width/Height with X,Y as the top-left corner;
// circle carries Radius with X,Y as the center.
// LastEditedAt is server assigned and is the sole conflict ordering key.
type CanvasObject struct {
	Id             string     `json:"id"`
	Kind           ObjectKind `json:"type"`
	X              float64    `json:"x"`
	Y              float64    `json:"y"`
	Width          float64    `json:"width,omitempty"`
	Height         float64    `json:"height,omitempty"`
	Radius         float64    `json:"radius,omitempty"`
	Rotation       float64    `json:"rotation,omitempty"`
	FontSize       float64    `json:"fontSize,omitempty"`
	FontFamily     string     `json:"fontFamily,omitempty"`
	Text           string     `json:"text,omitempty"`
	Fill           string     `json:"fill"`
	ZIndex         int        `json:"zIndex"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	LastModifiedBy string     `json:"lastModifiedBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastEditedAt   time.Time  `json:"lastModified"`

	// local only. true between the synchronous create and the store ack.
	IsOptimistic bool `json:"-"`
}

func (self *CanvasObject) Clone() *CanvasObject {
	clone := *self
	return &clone
}

// conflict ordering key with the documented fallback for documents written
// before their first mutating update.
func (self *CanvasObject) EditTime() time.Time {
	if !self.LastEditedAt.IsZero() {
		return self.LastEditedAt
	}
	return self.CreatedAt
}

func (self *CanvasObject) Validate() error {
	switch self.Kind {
	case KindRectangle:
		if self.Radius != 0 {
			return fmt.Errorf("rectangle %s must not carry a radius", self.Id)
		}
	case KindCircle:
		if self.Width != 0 || self.Height != 0 {
			return fmt.Errorf("circle %s must not carry width/height", self.Id)
		}
	case KindText:
		if self.Radius != 0 {
			return fmt.Errorf("text %s must not carry a radius", self.Id)
		}
	default:
		return fmt.Errorf("unknown object kind %q", self.Kind)
	}
	return nil
}

// clamp a proposed position so the object's full extent stays in canvas
// bounds. applied identically on every move frame and at drag end.
func (self *CanvasObject) ClampPosition(x float64, y float64) (float64, float64) {
	switch self.Kind {
	case KindRectangle, KindText:
		// top-left corner, bounding box in-bounds
		return clamp(x, 0, CanvasWidth-self.Width), clamp(y, 0, CanvasHeight-self.Height)
	case KindCircle:
		// center, full extent in-bounds
		return clamp(x, self.Radius, CanvasWidth-self.Radius), clamp(y, self.Radius, CanvasHeight-self.Radius)
	default:
		// malformed remote document. treat as a point
		return clamp(x, 0, CanvasWidth), clamp(y, 0, CanvasHeight)
	}
}

func clamp(v float64, min float64, max float64) float64 {
	if max < min {
		// object larger than the canvas
		return min
	}
	if v < min {
		return min
	}
	if max < v {
		return max
	}
	return v
}

// a partial mutation of a CanvasObject. nil fields are untouched.
// used both as the local edit record held during a drag/transform and as the
// wire shape of an update write. LastEditedAt is never set by clients; the
// store fills it server side.
type ObjectPatch struct {
	X              *float64 `json:"x,omitempty"`
	Y              *float64 `json:"y,omitempty"`
	Width          *float64 `json:"width,omitempty"`
	Height         *float64 `json:"height,omitempty"`
	Radius         *float64 `json:"radius,omitempty"`
	Rotation       *float64 `json:"rotation,omitempty"`
	FontSize       *float64 `json:"fontSize,omitempty"`
	FontFamily     *string  `json:"fontFamily,omitempty"`
	Text           *string  `json:"text,omitempty"`
	Fill           *string  `json:"fill,omitempty"`
	ZIndex         *int     `json:"zIndex,omitempty"`
	LastModifiedBy *string  `json:"lastModifiedBy,omitempty"`
}

func (self *ObjectPatch) Clone() *ObjectPatch {
	clone := *self
	return &clone
}

func (self *ObjectPatch) IsEmpty() bool {
	return self.X == nil &&
		self.Y == nil &&
		self.Width == nil &&
		self.Height == nil &&
		self.Radius == nil &&
		self.Rotation == nil &&
		self.FontSize == nil &&
		self.FontFamily == nil &&
		self.Text == nil &&
		self.Fill == nil &&
		self.ZIndex == nil &&
		self.LastModifiedBy == nil
}

// overlay `update` onto this patch. later values win per field.
func (self *ObjectPatch) Merge(update *ObjectPatch) {
	if update.X != nil {
		self.X = update.X
	}
	if update.Y != nil {
		self.Y = update.Y
	}
	if update.Width != nil {
		self.Width = update.Width
	}
	if update.Height != nil {
		self.Height = update.Height
	}
	if update.Radius != nil {
		self.Radius = update.Radius
	}
	if update.Rotation != nil {
		self.Rotation = update.Rotation
	}
	if update.FontSize != nil {
		self.FontSize = update.FontSize
	}
	if update.FontFamily != nil {
		self.FontFamily = update.FontFamily
	}
	if update.Text != nil {
		self.Text = update.Text
	}
	if update.Fill != nil {
		self.Fill = update.Fill
	}
	if update.ZIndex != nil {
		self.ZIndex = update.ZIndex
	}
	if update.LastModifiedBy != nil {
		self.LastModifiedBy = update.LastModifiedBy
	}
}

func (self *ObjectPatch) Apply(obj *CanvasObject) {
	if self.X != nil {
		obj.X = *self.X
	}
	if self.Y != nil {
		obj.Y = *self.Y
	}
	if self.Width != nil {
		obj.Width = *self.Width
	}
	if self.Height != nil {
		obj.Height = *self.Height
	}
	if self.Radius != nil {
		obj.Radius = *self.Radius
	}
	if self.Rotation != nil {
		obj.Rotation = *self.Rotation
	}
	if self.FontSize != nil {
		obj.FontSize = *self.FontSize
	}
	if self.FontFamily != nil {
		obj.FontFamily = *self.FontFamily
	}
	if self.Text != nil {
		obj.Text = *self.Text
	}
	if self.Fill != nil {
		obj.Fill = *self.Fill
	}
	if self.ZIndex != nil {
		obj.ZIndex = *self.ZIndex
	}
	if self.LastModifiedBy != nil {
		obj.LastModifiedBy = *self.LastModifiedBy
	}
}

// true when every field held by the patch matches the remote object within
// the settle tolerances. a patch that is within tolerance no longer needs to
// suppress the remote value and can be garbage collected without a visible
// snap.
func (self *ObjectPatch) WithinToleranceOf(obj *CanvasObject) bool {
	within := func(value *float64, current float64, tolerance float64) bool {
		if value == nil {
			return true
		}
		return math.Abs(*value-current) <= tolerance
	}

	if !within(self.X, obj.X, PositionSettleTolerance) {
		return false
	}
	if !within(self.Y, obj.Y, PositionSettleTolerance) {
		return false
	}
	if !within(self.Width, obj.Width, SizeSettleTolerance) {
		return false
	}
	if !within(self.Height, obj.Height, SizeSettleTolerance) {
		return false
	}
	if !within(self.Radius, obj.Radius, SizeSettleTolerance) {
		return false
	}
	if !within(self.Rotation, obj.Rotation, RotationSettleTolerance) {
		return false
	}
	if !within(self.FontSize, obj.FontSize, FontSizeSettleTolerance) {
		return false
	}
	if self.Text != nil && *self.Text != obj.Text {
		return false
	}
	if self.Fill != nil && *self.Fill != obj.Fill {
		return false
	}
	return true
}

func Float(v float64) *float64 {
	return &v
}

func Str(v string) *string {
	return &v
}

func Int(v int) *int {
	return &v
}
