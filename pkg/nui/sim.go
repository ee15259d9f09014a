package nui

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// Simulation is an in-process Runtime producing synthetic frames. It follows
// the same contract as the hardware runtime so the adapter can be exercised
// without a device.
type Simulation struct {
	sensors int
}

// NewSimulation returns a runtime exposing the given number of sensors.
func NewSimulation(sensors int) *Simulation {
	return &Simulation{sensors: sensors}
}

func (s *Simulation) SensorCount() (int, error) { return s.sensors, nil }

func (s *Simulation) Open(index int) (Sensor, error) {
	if index < 0 || index >= s.sensors {
		return nil, fmt.Errorf("open sensor %d: %w", index, ErrSensorNotFound)
	}
	return &simSensor{index: index, start: time.Now()}, nil
}

type simSensor struct {
	mu          sync.Mutex
	index       int
	start       time.Time
	flags       InitFlags
	initialized bool
	shutdown    bool
	elevation   int
	skelFrame   uint32
	streams     []*simStream
}

func (s *simSensor) Initialize(flags InitFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	s.flags = flags
	s.initialized = true
	return nil
}

func (s *simSensor) OpenImageStream(typ ImageType, res Resolution, frames int) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	switch typ {
	case ImageTypeColor:
		if !s.flags.Has(UsesColor) {
			return nil, ErrStreamNotEnabled
		}
		if res != Resolution640x480 && res != Resolution1280x960 {
			return nil, fmt.Errorf("color %s: %w", res, ErrInvalidResolution)
		}
	case ImageTypeDepth:
		if !s.flags.Has(UsesDepth) {
			return nil, ErrStreamNotEnabled
		}
		if res == ResolutionInvalid || res == Resolution1280x960 {
			return nil, fmt.Errorf("depth %s: %w", res, ErrInvalidResolution)
		}
	case ImageTypeDepthAndPlayerIndex:
		if !s.flags.Has(UsesDepthAndPlayerIndex) {
			return nil, ErrStreamNotEnabled
		}
		if res != Resolution80x60 && res != Resolution320x240 {
			return nil, fmt.Errorf("depth+player %s: %w", res, ErrInvalidResolution)
		}
	default:
		return nil, fmt.Errorf("open stream: unknown image type %s", typ)
	}
	if frames < 1 {
		frames = 1
	}
	st := &simStream{sensor: s, typ: typ, res: res, capacity: frames, held: map[*ImageFrame]struct{}{}}
	s.streams = append(s.streams, st)
	return st, nil
}

// ready reports whether the sensor accepts calls. Callers hold s.mu.
func (s *simSensor) ready() error {
	if s.shutdown {
		return ErrShutdown
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *simSensor) NextSkeletonFrame(timeout time.Duration) (*SkeletonFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	if !s.flags.Has(UsesSkeleton) {
		return nil, ErrStreamNotEnabled
	}
	s.skelFrame++
	return simSkeleton(s.skelFrame, time.Since(s.start).Milliseconds()), nil
}

func (s *simSensor) SetElevation(degrees int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	if degrees < MinElevation || degrees > MaxElevation {
		return fmt.Errorf("set elevation %d: %w", degrees, ErrElevationRange)
	}
	s.elevation = degrees
	return nil
}

func (s *simSensor) Elevation() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.elevation, nil
}

func (s *simSensor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	s.streams = nil
	return nil
}

type simStream struct {
	sensor   *simSensor
	typ      ImageType
	res      Resolution
	capacity int
	frame    uint32
	held     map[*ImageFrame]struct{}
}

func (st *simStream) NextFrame(timeout time.Duration) (*ImageFrame, error) {
	s := st.sensor
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	// every buffered frame is held by the reader; nothing new can arrive
	if len(st.held) >= st.capacity {
		return nil, ErrTimeout
	}
	st.frame++
	w, h := st.res.Size()
	f := &ImageFrame{
		FrameNumber: st.frame,
		Timestamp:   time.Since(s.start).Milliseconds(),
		Type:        st.typ,
		Resolution:  st.res,
	}
	if st.typ == ImageTypeColor {
		f.Texture = simColor(w, h, st.frame)
	} else {
		f.Texture = simDepth(w, h, st.typ == ImageTypeDepthAndPlayerIndex)
	}
	st.held[f] = struct{}{}
	return f, nil
}

func (st *simStream) Release(frame *ImageFrame) error {
	s := st.sensor
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := st.held[frame]; !ok {
		return fmt.Errorf("release frame %d: not held by %s stream", frame.FrameNumber, st.typ)
	}
	delete(st.held, frame)
	return nil
}

// simColor fills a BGRX texture where pixel (x, y) of frame n is
// B=x+n, G=y+n, R=x+y (all mod 256).
func simColor(w, h int, n uint32) Texture {
	pitch := w * 4
	bits := make([]byte, pitch*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := bits[y*pitch+x*4:]
			p[0] = byte(x + int(n))
			p[1] = byte(y + int(n))
			p[2] = byte(x + y)
			p[3] = 0xFF
		}
	}
	return Texture{Width: w, Height: h, Pitch: pitch, Format: PixelBGRX32, Bits: bits}
}

// SimDepthAt returns the depth the simulation reports for column x of a
// w-wide frame outside the player area.
func SimDepthAt(x, w int) uint16 {
	if w <= 1 {
		return 800
	}
	return uint16(800 + x*3200/(w-1))
}

// SimPlayerArea reports whether (x, y) lies in the region the simulation
// assigns to player 1.
func SimPlayerArea(x, y, w, h int) bool {
	return x >= w/3 && x < 2*w/3 && y >= h/4 && y < 3*h/4
}

const simPlayerDepth = 1500

func simDepth(w, h int, players bool) Texture {
	pitch := w * 4
	bits := make([]byte, pitch*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := bits[y*pitch+x*4:]
			var player uint16
			depth := SimDepthAt(x, w)
			if players && SimPlayerArea(x, y, w, h) {
				player = 1
				depth = simPlayerDepth
			}
			binary.LittleEndian.PutUint16(p[0:2], player)
			binary.LittleEndian.PutUint16(p[2:4], depth)
		}
	}
	return Texture{Width: w, Height: h, Pitch: pitch, Format: PixelDepthPlayer32, Bits: bits}
}

// joint offsets of a standing figure relative to the hip centre, in metres
var simPose = [JointCount][2]float32{
	{0, 0}, {0, 0.25}, {0, 0.5}, {0, 0.7},
	{-0.2, 0.45}, {-0.3, 0.2}, {-0.35, 0}, {-0.37, -0.08},
	{0.2, 0.45}, {0.3, 0.2}, {0.35, 0}, {0.37, -0.08},
	{-0.1, -0.05}, {-0.12, -0.5}, {-0.12, -0.9}, {-0.12, -0.95},
	{0.1, -0.05}, {0.12, -0.5}, {0.12, -0.9}, {0.12, -0.95},
}

func simSkeleton(n uint32, ts int64) *SkeletonFrame {
	f := &SkeletonFrame{
		FrameNumber:     n,
		Timestamp:       ts,
		FloorClipPlane:  Vector4{X: 0, Y: 1, Z: 0, W: 0.9},
		NormalToGravity: Vector4{X: 0, Y: 1, Z: 0, W: 0},
	}
	sway := float32(0.3 * math.Sin(float64(n)/15))
	sk := &f.Skeletons[0]
	sk.TrackingState = Tracked
	sk.TrackingID = 1
	sk.UserIndex = 1
	sk.Position = Vector4{X: sway, Y: 0, Z: 2, W: 1}
	for j := range sk.Positions {
		sk.Positions[j] = Vector4{X: sway + simPose[j][0], Y: simPose[j][1], Z: 2, W: 1}
		sk.PositionStates[j] = PositionTracked
	}
	return f
}
