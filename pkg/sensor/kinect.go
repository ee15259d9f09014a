package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ericogr/kinect-to-mqtt/pkg/config"
	"github.com/ericogr/kinect-to-mqtt/pkg/nui"
)

// streamFrames is the number of frames the runtime buffers per stream.
const streamFrames = 2

var ErrInactive = errors.New("component is not active")

// Profile describes the component to hosts and discovery payloads.
type Profile struct {
	ImplementationID string            `json:"implementation_id"`
	TypeName         string            `json:"type_name"`
	Description      string            `json:"description"`
	Version          string            `json:"version"`
	Vendor           string            `json:"vendor"`
	Category         string            `json:"category"`
	ActivityType     string            `json:"activity_type"`
	Kind             string            `json:"kind"`
	MaxInstance      int               `json:"max_instance"`
	Language         string            `json:"language"`
	Defaults         map[string]string `json:"defaults"`
}

var DefaultProfile = Profile{
	ImplementationID: "Kinect",
	TypeName:         "Kinect",
	Description:      "Depth sensor bridge for Kinect v1",
	Version:          "2.0.0",
	Vendor:           "ericogr",
	Category:         "HumanInterface",
	ActivityType:     "PERIODIC",
	Kind:             "DataFlowComponent",
	MaxInstance:      1,
	Language:         "Go",
	Defaults: map[string]string{
		"debug":         "0",
		"enable_camera": "true",
		"enable_depth":  "true",
		"image_size":    "640x480",
		"depth_size":    "320x240",
		"player_index":  "0",
		"kinect_index":  "0",
	},
}

type Option func(*Kinect)

// WithElevator routes elevation commands to e instead of the sensor motor.
func WithElevator(e nui.Elevator) Option {
	return func(k *Kinect) { k.extElevator = e }
}

// WithClock overrides the clock stamping samples.
func WithClock(now func() time.Time) Option {
	return func(k *Kinect) { k.now = now }
}

type session struct {
	index    int
	sensor   nui.Sensor
	color    nui.Stream
	depth    nui.Stream
	elevator nui.Elevator
}

// Kinect adapts a depth sensor to the bridge's ports. It is driven by a
// single execution loop and is not safe for concurrent Execute calls; only
// TargetElevation may be written from other goroutines.
type Kinect struct {
	cfg         config.Config
	runtime     nui.Runtime
	logger      *zap.SugaredLogger
	extElevator nui.Elevator
	now         func() time.Time

	TargetElevation *InPort[int]

	session   *session
	imageSize config.Size
	depthSize config.Size

	image     CameraImage
	depth     DepthImage
	elevation Elevation
	skeleton  SkeletonFrame
}

func New(cfg config.Config, runtime nui.Runtime, logger *zap.SugaredLogger, opts ...Option) *Kinect {
	k := &Kinect{
		cfg:             cfg,
		runtime:         runtime,
		logger:          logger,
		now:             time.Now,
		TargetElevation: &InPort[int]{},
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

func (k *Kinect) Profile() Profile { return DefaultProfile }

func (k *Kinect) Active() bool { return k.session != nil }

func (k *Kinect) initFlags() nui.InitFlags {
	var flags nui.InitFlags
	if k.cfg.EnableSkeleton {
		flags |= nui.UsesSkeleton
	}
	if k.cfg.EnableCamera {
		flags |= nui.UsesColor
	}
	if k.cfg.EnableDepth {
		if k.cfg.PlayerIndex {
			flags |= nui.UsesDepthAndPlayerIndex
		} else {
			flags |= nui.UsesDepth
		}
	}
	return flags
}

// Activate opens the sensor, starts the configured streams and fixes the
// port buffer shapes for the session.
func (k *Kinect) Activate(ctx context.Context) error {
	if k.session != nil {
		return errors.New("component already active")
	}
	idx := k.cfg.KinectIndex
	sensor, err := k.runtime.Open(idx)
	if err != nil {
		return fmt.Errorf("can not find sensor (%d): %w", idx, err)
	}
	s := &session{index: idx, sensor: sensor, elevator: sensor}
	if k.extElevator != nil {
		s.elevator = k.extElevator
	}
	if err := k.open(ctx, s); err != nil {
		if serr := sensor.Shutdown(); serr != nil {
			k.logger.Warnw("sensor shutdown after failed activation", "index", idx, "error", serr)
		}
		return err
	}
	k.session = s
	k.logger.Infow("sensor activated",
		"index", idx,
		"image", k.imageSize.String(),
		"depth", k.depthSize.String(),
		"player_index", bool(k.cfg.PlayerIndex),
		"skeleton", bool(k.cfg.EnableSkeleton),
	)
	return nil
}

func (k *Kinect) open(ctx context.Context, s *session) error {
	flags := k.initFlags()
	if err := s.sensor.Initialize(flags); err != nil {
		return fmt.Errorf("sensor initialize (%s): %w", flags, err)
	}

	// player indexing limits the depth map to 320x240
	if k.cfg.EnableDepth && k.cfg.PlayerIndex {
		if ds, err := k.cfg.ResolveDepthSize(); err == nil && ds.Stream == nui.Resolution640x480 {
			return errors.New("player index with depth map requires depth size 320x240")
		}
	}

	is, err := k.cfg.ResolveImageSize()
	if err != nil {
		return err
	}
	k.imageSize = is
	k.image = CameraImage{
		Format: FormatRGB,
		Width:  is.Width,
		Height: is.Height,
		Data:   make([]byte, is.Width*is.Height*3),
	}
	if k.cfg.EnableCamera {
		if s.color, err = s.sensor.OpenImageStream(nui.ImageTypeColor, is.Stream, streamFrames); err != nil {
			return fmt.Errorf("open color stream: %w", err)
		}
	}

	ds, err := k.cfg.ResolveDepthSize()
	if err != nil {
		return err
	}
	k.depthSize = ds
	k.depth = DepthImage{
		Width:         ds.Width,
		Height:        ds.Height,
		VerticalFOV:   DepthVerticalFOV,
		HorizontalFOV: DepthHorizontalFOV,
		Bits:          make([]uint16, ds.Width*ds.Height),
	}
	if k.cfg.EnableDepth {
		typ := nui.ImageTypeDepth
		if k.cfg.PlayerIndex {
			typ = nui.ImageTypeDepthAndPlayerIndex
			k.depth.Players = make([]uint8, ds.Width*ds.Height)
		}
		if s.depth, err = s.sensor.OpenImageStream(typ, ds.Stream, streamFrames); err != nil {
			return fmt.Errorf("open depth stream: %w", err)
		}
	}

	k.skeleton = SkeletonFrame{}
	k.elevation = Elevation{}

	if d := k.cfg.StartupDelay(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Deactivate shuts the sensor down. It is a no-op when inactive.
func (k *Kinect) Deactivate() error {
	s := k.session
	if s == nil {
		return nil
	}
	k.session = nil
	if err := s.sensor.Shutdown(); err != nil {
		return fmt.Errorf("sensor shutdown (%d): %w", s.index, err)
	}
	k.logger.Infow("sensor deactivated", "index", s.index)
	return nil
}

// Execute runs one cycle: colour, depth, elevation, skeleton. The first
// failing step aborts the cycle; samples written before it are returned
// together with the error.
func (k *Kinect) Execute(ctx context.Context) ([]Sample, error) {
	if k.session == nil {
		return nil, ErrInactive
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(OutputPorts))
	add := func(s Sample, ok bool, err error) error {
		if ok {
			samples = append(samples, s)
		}
		return err
	}

	if k.cfg.EnableCamera {
		if err := add(k.writeColorImage()); err != nil {
			return samples, fmt.Errorf("write color image: %w", err)
		}
	}
	if k.cfg.EnableDepth {
		if err := add(k.writeDepthImage()); err != nil {
			return samples, fmt.Errorf("write depth image: %w", err)
		}
	}
	if err := add(k.writeElevation()); err != nil {
		return samples, fmt.Errorf("write elevation: %w", err)
	}
	if k.cfg.EnableSkeleton {
		if err := add(k.writeSkeleton()); err != nil {
			return samples, fmt.Errorf("write skeleton: %w", err)
		}
	}
	return samples, nil
}

// withFrame pulls the next frame from st, hands it to fn and releases it.
// A texture with zero pitch is logged and skipped; ok is false then.
func (k *Kinect) withFrame(st nui.Stream, port Port, fn func(*nui.ImageFrame) error) (ok bool, err error) {
	frame, err := st.NextFrame(k.cfg.FrameTimeout())
	if err != nil {
		return false, err
	}
	if frame.Texture.Pitch == 0 {
		k.logger.Warnw("buffer length of received texture is bogus", "port", port, "frame", frame.FrameNumber)
	} else {
		err = fn(frame)
		ok = err == nil
	}
	if rerr := st.Release(frame); rerr != nil && err == nil {
		return false, fmt.Errorf("release frame: %w", rerr)
	}
	return ok, err
}

func (k *Kinect) writeColorImage() (Sample, bool, error) {
	ok, err := k.withFrame(k.session.color, PortImage, func(f *nui.ImageFrame) error {
		if err := CopyColor(&k.image, &f.Texture); err != nil {
			return err
		}
		k.image.Timestamp = f.Timestamp
		return nil
	})
	return Sample{Port: PortImage, Time: k.now(), Image: &k.image}, ok, err
}

func (k *Kinect) writeDepthImage() (Sample, bool, error) {
	ok, err := k.withFrame(k.session.depth, PortDepth, func(f *nui.ImageFrame) error {
		if err := CopyDepth(&k.depth, &f.Texture); err != nil {
			return err
		}
		k.depth.Timestamp = f.Timestamp
		return nil
	})
	return Sample{Port: PortDepth, Time: k.now(), Depth: &k.depth}, ok, err
}

func (k *Kinect) writeElevation() (Sample, bool, error) {
	el := k.session.elevator
	if k.TargetElevation.IsNew() {
		target := k.TargetElevation.Read()
		if err := el.SetElevation(target); err != nil {
			return Sample{}, false, err
		}
		k.logger.Debugw("elevation commanded", "degrees", target)
	}
	angle, err := el.Elevation()
	if err != nil {
		return Sample{}, false, err
	}
	k.elevation.Degrees = angle
	return Sample{Port: PortCurrentElevation, Time: k.now(), Elevation: &k.elevation}, true, nil
}

func (k *Kinect) writeSkeleton() (Sample, bool, error) {
	f, err := k.session.sensor.NextSkeletonFrame(k.cfg.FrameTimeout())
	if err != nil {
		return Sample{}, false, err
	}
	CopySkeleton(&k.skeleton, f)
	return Sample{Port: PortSkeleton, Time: k.now(), Skeleton: &k.skeleton}, true, nil
}
