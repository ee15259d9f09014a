//go:build freenect

package nui

/*
#cgo LDFLAGS: -lfreenect -lfreenect_sync

#include <stdlib.h>
#include <libfreenect/libfreenect.h>
#include <libfreenect/libfreenect_sync.h>

static int count_devices(void) {
	freenect_context *ctx;
	if (freenect_init(&ctx, NULL) < 0) {
		return -1;
	}
	int n = freenect_num_devices(ctx);
	freenect_shutdown(ctx);
	return n;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

const (
	freenectWidth  = 640
	freenectHeight = 480

	// grabs still blocked in the sync wrapper get this long to return
	// before the wrapper is stopped
	shutdownGrabWait = 2 * time.Second
)

// Freenect drives a Kinect v1 through libfreenect's synchronous wrapper.
// libfreenect has no skeleton tracker, so skeleton frames never carry a
// tracked body.
type Freenect struct{}

func NewFreenect() (Runtime, error) { return &Freenect{}, nil }

func (f *Freenect) SensorCount() (int, error) {
	n := int(C.count_devices())
	if n < 0 {
		return 0, fmt.Errorf("freenect init failed")
	}
	return n, nil
}

func (f *Freenect) Open(index int) (Sensor, error) {
	n, err := f.SensorCount()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("open sensor %d: %w", index, ErrSensorNotFound)
	}
	return &freenectSensor{index: index, start: time.Now()}, nil
}

type freenectSensor struct {
	mu          sync.Mutex
	index       int
	start       time.Time
	flags       InitFlags
	initialized bool
	shutdown    bool
	skelFrame   uint32
	streams     []*freenectStream
}

func (s *freenectSensor) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *freenectSensor) Initialize(flags InitFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	s.flags = flags
	s.initialized = true
	return nil
}

// OpenImageStream accepts every resolution; frames always come back at the
// native 640x480 and the reader rescales them.
func (s *freenectSensor) OpenImageStream(typ ImageType, res Resolution, frames int) (Stream, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	switch typ {
	case ImageTypeColor:
		if !s.flags.Has(UsesColor) {
			return nil, ErrStreamNotEnabled
		}
	case ImageTypeDepth:
		if !s.flags.Has(UsesDepth) {
			return nil, ErrStreamNotEnabled
		}
	case ImageTypeDepthAndPlayerIndex:
		if !s.flags.Has(UsesDepthAndPlayerIndex) {
			return nil, ErrStreamNotEnabled
		}
	}
	if res == ResolutionInvalid {
		return nil, ErrInvalidResolution
	}
	st := &freenectStream{sensor: s, typ: typ, res: res}
	// the first grab starts the device stream and can take seconds
	if g := st.grab(); g.rc != 0 {
		return nil, fmt.Errorf("freenect start %s stream: rc=%d", typ, g.rc)
	}
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st, nil
}

func (s *freenectSensor) NextSkeletonFrame(timeout time.Duration) (*SkeletonFrame, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.skelFrame++
	n := s.skelFrame
	s.mu.Unlock()
	return &SkeletonFrame{FrameNumber: n, Timestamp: time.Since(s.start).Milliseconds()}, nil
}

func (s *freenectSensor) SetElevation(degrees int) error {
	if err := s.ready(); err != nil {
		return err
	}
	if degrees < MinElevation || degrees > MaxElevation {
		return fmt.Errorf("set elevation %d: %w", degrees, ErrElevationRange)
	}
	if rc := C.freenect_sync_set_tilt_degs(C.int(degrees), C.int(s.index)); rc != 0 {
		return fmt.Errorf("freenect set tilt: rc=%d", int(rc))
	}
	return nil
}

func (s *freenectSensor) Elevation() (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var state *C.freenect_raw_tilt_state
	if rc := C.freenect_sync_get_tilt_state(&state, C.int(s.index)); rc != 0 {
		return 0, fmt.Errorf("freenect get tilt: rc=%d", int(rc))
	}
	deg := float64(C.freenect_get_tilt_degs(state))
	if deg < 0 {
		return int(deg - 0.5), nil
	}
	return int(deg + 0.5), nil
}

func (s *freenectSensor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	for _, st := range s.streams {
		st.pending.wait(shutdownGrabWait)
	}
	s.streams = nil
	C.freenect_sync_stop()
	return nil
}

type freenectStream struct {
	sensor  *freenectSensor
	typ     ImageType
	res     Resolution
	frame   uint32
	pending pendingGrab[grabbed]
}

type grabbed struct {
	bits []byte
	ts   uint32
	rc   int
}

func (st *freenectStream) grab() grabbed {
	var ptr unsafe.Pointer
	var ts C.uint32_t
	idx := C.int(st.sensor.index)
	if st.typ == ImageTypeColor {
		rc := int(C.freenect_sync_get_video(&ptr, &ts, idx, C.freenect_video_format(C.FREENECT_VIDEO_RGB)))
		if rc != 0 {
			return grabbed{rc: rc}
		}
		return grabbed{bits: C.GoBytes(ptr, freenectWidth*freenectHeight*3), ts: uint32(ts)}
	}
	rc := int(C.freenect_sync_get_depth(&ptr, &ts, idx, C.freenect_depth_format(C.FREENECT_DEPTH_MM)))
	if rc != 0 {
		return grabbed{rc: rc}
	}
	return grabbed{bits: C.GoBytes(ptr, freenectWidth*freenectHeight*2), ts: uint32(ts)}
}

func (st *freenectStream) NextFrame(timeout time.Duration) (*ImageFrame, error) {
	if err := st.sensor.ready(); err != nil {
		return nil, err
	}
	// the sync wrapper blocks without a deadline
	g, ok := st.pending.next(timeout, st.grab)
	if !ok {
		return nil, ErrTimeout
	}
	if g.rc != 0 {
		return nil, fmt.Errorf("freenect %s frame: rc=%d", st.typ, g.rc)
	}
	st.frame++
	f := &ImageFrame{
		FrameNumber: st.frame,
		Timestamp:   time.Since(st.sensor.start).Milliseconds(),
		Type:        st.typ,
		Resolution:  st.res,
	}
	if st.typ == ImageTypeColor {
		f.Texture = Texture{Width: freenectWidth, Height: freenectHeight, Pitch: freenectWidth * 3, Format: PixelRGB24, Bits: g.bits}
	} else {
		f.Texture = Texture{Width: freenectWidth, Height: freenectHeight, Pitch: freenectWidth * 2, Format: PixelDepth16, Bits: g.bits}
	}
	return f, nil
}

func (st *freenectStream) Release(*ImageFrame) error { return nil }
