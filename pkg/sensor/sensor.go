package sensor

import (
	"math"
	"time"

	"github.com/ericogr/kinect-to-mqtt/pkg/nui"
)

// Port names a data port of the component.
type Port string

const (
	PortImage            Port = "image"
	PortDepth            Port = "depth"
	PortCurrentElevation Port = "currentElevation"
	PortSkeleton         Port = "skeleton"
	PortTargetElevation  Port = "targetElevation"
)

// OutputPorts lists the ports published each cycle, in cycle order.
var OutputPorts = []Port{PortImage, PortDepth, PortCurrentElevation, PortSkeleton}

// Field of view of the depth camera, in radians.
var (
	DepthVerticalFOV   = 45.6 * math.Pi / 180
	DepthHorizontalFOV = 58.5 * math.Pi / 180
)

const FormatRGB = "rgb"

type CameraImage struct {
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	Data      []byte `json:"data"`
}

type DepthImage struct {
	Timestamp     int64    `json:"timestamp"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	VerticalFOV   float64  `json:"vertical_fov"`
	HorizontalFOV float64  `json:"horizontal_fov"`
	Bits          []uint16 `json:"bits"`
	// Players holds the per-pixel player id (0 = none) when player
	// indexing is enabled.
	Players []uint8 `json:"players,omitempty"`
}

type Elevation struct {
	Degrees int `json:"degrees"`
}

type Vector4 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

type Joint struct {
	Name     string  `json:"name"`
	Position Vector4 `json:"position"`
	State    string  `json:"state"`
}

type Skeleton struct {
	TrackingState   string  `json:"tracking_state"`
	TrackingID      uint32  `json:"tracking_id"`
	EnrollmentIndex uint32  `json:"enrollment_index"`
	UserIndex       uint32  `json:"user_index"`
	Position        Vector4 `json:"position"`
	Joints          []Joint `json:"joints"`
	QualityFlags    uint32  `json:"quality_flags"`
}

// Tracked reports whether the skeleton carries joint positions.
func (s Skeleton) Tracked() bool { return s.TrackingState == nui.Tracked.String() }

type SkeletonFrame struct {
	FrameNumber     uint32     `json:"frame_number"`
	Timestamp       int64      `json:"timestamp"`
	Flags           uint32     `json:"flags"`
	FloorClipPlane  Vector4    `json:"floor_clip_plane"`
	NormalToGravity Vector4    `json:"normal_to_gravity"`
	Skeletons       []Skeleton `json:"skeletons"`
}

// Sample is one write to an output port. The payload points into the
// component's port buffers and is only valid until the next Execute.
type Sample struct {
	Port      Port           `json:"port"`
	Time      time.Time      `json:"time"`
	Image     *CameraImage   `json:"image,omitempty"`
	Depth     *DepthImage    `json:"depth,omitempty"`
	Elevation *Elevation     `json:"elevation,omitempty"`
	Skeleton  *SkeletonFrame `json:"skeleton,omitempty"`
}
