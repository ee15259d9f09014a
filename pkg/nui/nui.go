// Package nui is the boundary to the depth sensor runtime. Everything the
// sensor computes (colour ISP, depth, skeleton tracking) happens behind these
// interfaces; callers only open streams and pull frames.
package nui

import (
	"fmt"
	"time"
)

// InitFlags selects the sensor subsystems started by Initialize.
type InitFlags uint32

const (
	UsesDepthAndPlayerIndex InitFlags = 1 << iota
	UsesColor
	UsesSkeleton
	UsesDepth
)

func (f InitFlags) Has(flag InitFlags) bool { return f&flag == flag }

func (f InitFlags) String() string {
	names := []struct {
		flag InitFlags
		name string
	}{
		{UsesDepthAndPlayerIndex, "depth+player"},
		{UsesColor, "color"},
		{UsesSkeleton, "skeleton"},
		{UsesDepth, "depth"},
	}
	s := ""
	for _, n := range names {
		if f.Has(n.flag) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

type ImageType int

const (
	ImageTypeColor ImageType = iota
	ImageTypeDepth
	ImageTypeDepthAndPlayerIndex
)

func (t ImageType) String() string {
	switch t {
	case ImageTypeColor:
		return "color"
	case ImageTypeDepth:
		return "depth"
	case ImageTypeDepthAndPlayerIndex:
		return "depth+player"
	default:
		return fmt.Sprintf("ImageType(%d)", int(t))
	}
}

type Resolution int

const (
	ResolutionInvalid Resolution = iota
	Resolution80x60
	Resolution320x240
	Resolution640x480
	Resolution1280x960
)

// Size returns the pixel dimensions of r, or zeros for an invalid resolution.
func (r Resolution) Size() (width, height int) {
	switch r {
	case Resolution80x60:
		return 80, 60
	case Resolution320x240:
		return 320, 240
	case Resolution640x480:
		return 640, 480
	case Resolution1280x960:
		return 1280, 960
	default:
		return 0, 0
	}
}

func (r Resolution) String() string {
	w, h := r.Size()
	if w == 0 {
		return "invalid"
	}
	return fmt.Sprintf("%dx%d", w, h)
}

// PixelFormat describes the layout of Texture.Bits.
type PixelFormat int

const (
	// PixelBGRX32 is the sensor colour layout: B, G, R, unused.
	PixelBGRX32 PixelFormat = iota
	PixelRGB24
	// PixelDepthPlayer32 is the extended depth pixel: little-endian uint16
	// player index followed by little-endian uint16 depth in millimetres.
	PixelDepthPlayer32
	// PixelDepth16 is a little-endian uint16 depth in millimetres.
	PixelDepth16
)

// BytesPerPixel returns the stride of a single pixel in f.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelBGRX32, PixelDepthPlayer32:
		return 4
	case PixelRGB24:
		return 3
	case PixelDepth16:
		return 2
	default:
		return 0
	}
}

// Texture is a locked frame rectangle. Pitch is the row stride in bytes; a
// zero pitch means the runtime handed back an empty texture.
type Texture struct {
	Width  int
	Height int
	Pitch  int
	Format PixelFormat
	Bits   []byte
}

type ImageFrame struct {
	FrameNumber uint32
	// Timestamp is in milliseconds since the sensor started.
	Timestamp  int64
	Type       ImageType
	Resolution Resolution
	Texture    Texture
}

// Runtime enumerates and opens sensors.
type Runtime interface {
	SensorCount() (int, error)
	Open(index int) (Sensor, error)
}

// Elevator drives the tilt motor. Angles are whole degrees.
type Elevator interface {
	SetElevation(degrees int) error
	Elevation() (int, error)
}

type Sensor interface {
	Initialize(flags InitFlags) error
	// OpenImageStream opens a stream of the given type. frames is the number
	// of frames the runtime buffers ahead of the reader.
	OpenImageStream(typ ImageType, res Resolution, frames int) (Stream, error)
	NextSkeletonFrame(timeout time.Duration) (*SkeletonFrame, error)
	Elevator
	Shutdown() error
}

// Stream is an open image feed. Frames returned by NextFrame must be handed
// back with Release.
type Stream interface {
	NextFrame(timeout time.Duration) (*ImageFrame, error)
	Release(frame *ImageFrame) error
}

const (
	MinElevation = -27
	MaxElevation = 27
)
