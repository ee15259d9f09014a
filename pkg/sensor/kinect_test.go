package sensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ericogr/kinect-to-mqtt/pkg/config"
	"github.com/ericogr/kinect-to-mqtt/pkg/nui"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.SensorType = config.SensorSimulation
	cfg.StartupDelayMs = 0
	return cfg
}

func newTestKinect(t *testing.T, cfg config.Config, rt nui.Runtime, opts ...Option) *Kinect {
	t.Helper()
	return New(cfg, rt, zaptest.NewLogger(t).Sugar(), opts...)
}

func ports(samples []Sample) []Port {
	out := make([]Port, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.Port)
	}
	return out
}

func TestExecuteSimulationCycle(t *testing.T) {
	ctx := context.Background()
	k := newTestKinect(t, testConfig(), nui.NewSimulation(1))
	require.NoError(t, k.Activate(ctx))
	defer k.Deactivate()

	samples, err := k.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, OutputPorts, ports(samples))

	img := samples[0].Image
	require.NotNil(t, img)
	assert.Equal(t, 640, img.Width)
	assert.Equal(t, 480, img.Height)
	assert.Equal(t, FormatRGB, img.Format)
	require.Len(t, img.Data, 640*480*3)
	// simulated BGRX pixel (x, y) of frame 1 is B=x+1, G=y+1, R=x+y
	x, y := 10, 20
	o := (y*640 + x) * 3
	assert.Equal(t, []byte{byte(x + y), byte(y + 1), byte(x + 1)}, img.Data[o:o+3])

	depth := samples[1].Depth
	require.NotNil(t, depth)
	assert.Equal(t, 320, depth.Width)
	assert.Equal(t, 240, depth.Height)
	assert.InDelta(t, 0.7959, depth.VerticalFOV, 1e-3)
	assert.InDelta(t, 1.0210, depth.HorizontalFOV, 1e-3)
	assert.Equal(t, nui.SimDepthAt(0, 320), depth.Bits[0])
	assert.Equal(t, nui.SimDepthAt(319, 320), depth.Bits[319])
	assert.Nil(t, depth.Players)

	assert.Equal(t, 0, samples[2].Elevation.Degrees)

	sk := samples[3].Skeleton
	require.NotNil(t, sk)
	assert.Equal(t, uint32(1), sk.FrameNumber)
	require.Len(t, sk.Skeletons, nui.SkeletonCount)
	assert.True(t, sk.Skeletons[0].Tracked())
	assert.Len(t, sk.Skeletons[0].Joints, nui.JointCount)

	samples, err = k.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), samples[3].Skeleton.FrameNumber)
}

func TestExecuteDownscalesColour(t *testing.T) {
	cfg := testConfig()
	cfg.ImageSize = "320x240"
	cfg.EnableDepth = false
	cfg.EnableSkeleton = false
	k := newTestKinect(t, cfg, nui.NewSimulation(1))
	require.NoError(t, k.Activate(context.Background()))
	defer k.Deactivate()

	samples, err := k.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Port{PortImage, PortCurrentElevation}, ports(samples))
	img := samples[0].Image
	require.Len(t, img.Data, 320*240*3)
	// output (x, y) samples source (2x, 2y)
	x, y := 7, 5
	o := (y*320 + x) * 3
	assert.Equal(t, []byte{byte(2*x + 2*y), byte(2*y + 1), byte(2*x + 1)}, img.Data[o:o+3])
}

func TestExecutePlayerIndex(t *testing.T) {
	cfg := testConfig()
	cfg.EnableCamera = false
	cfg.PlayerIndex = true
	k := newTestKinect(t, cfg, nui.NewSimulation(1))
	require.NoError(t, k.Activate(context.Background()))
	defer k.Deactivate()

	samples, err := k.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Port{PortDepth, PortCurrentElevation, PortSkeleton}, ports(samples))
	d := samples[0].Depth
	require.Len(t, d.Players, 320*240)
	cx, cy := 160, 120
	require.True(t, nui.SimPlayerArea(cx, cy, 320, 240))
	assert.Equal(t, uint8(1), d.Players[cy*320+cx])
	assert.Equal(t, uint16(1500), d.Bits[cy*320+cx])
	assert.Equal(t, uint8(0), d.Players[0])
}

func TestTargetElevation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	k := newTestKinect(t, cfg, nui.NewSimulation(1))
	require.NoError(t, k.Activate(ctx))
	defer k.Deactivate()

	k.TargetElevation.Write(12)
	samples, err := k.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, samples[2].Elevation.Degrees)
	assert.False(t, k.TargetElevation.IsNew())

	// out of range: the cycle aborts after colour and depth were written
	k.TargetElevation.Write(40)
	samples, err = k.Execute(ctx)
	require.ErrorIs(t, err, nui.ErrElevationRange)
	assert.Equal(t, []Port{PortImage, PortDepth}, ports(samples))

	// the command was consumed, so the next period recovers
	samples, err = k.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, samples[2].Elevation.Degrees)
}

type recordingElevator struct {
	set []int
}

func (r *recordingElevator) SetElevation(d int) error {
	r.set = append(r.set, d)
	return nil
}

func (r *recordingElevator) Elevation() (int, error) {
	if len(r.set) == 0 {
		return 0, nil
	}
	return r.set[len(r.set)-1], nil
}

func TestExternalElevator(t *testing.T) {
	el := &recordingElevator{}
	k := newTestKinect(t, testConfig(), nui.NewSimulation(1), WithElevator(el))
	require.NoError(t, k.Activate(context.Background()))
	defer k.Deactivate()

	k.TargetElevation.Write(-5)
	samples, err := k.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{-5}, el.set)
	assert.Equal(t, -5, samples[2].Elevation.Degrees)
}

func TestActivateErrors(t *testing.T) {
	t.Run("missing sensor", func(t *testing.T) {
		cfg := testConfig()
		cfg.KinectIndex = 3
		k := newTestKinect(t, cfg, nui.NewSimulation(1))
		err := k.Activate(context.Background())
		require.ErrorIs(t, err, nui.ErrSensorNotFound)
		assert.Contains(t, err.Error(), "can not find sensor (3)")
		assert.False(t, k.Active())
	})

	t.Run("player index with 640x480 depth", func(t *testing.T) {
		cfg := testConfig()
		cfg.PlayerIndex = true
		cfg.DepthSize = "640x480"
		fs := newFakeSensor()
		k := newTestKinect(t, cfg, &fakeRuntime{sensor: fs})
		err := k.Activate(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "320x240")
		assert.Equal(t, 1, fs.shutdowns)
		assert.False(t, k.Active())
	})

	t.Run("invalid image size", func(t *testing.T) {
		cfg := testConfig()
		cfg.ImageSize = "1024x768"
		fs := newFakeSensor()
		k := newTestKinect(t, cfg, &fakeRuntime{sensor: fs})
		err := k.Activate(context.Background())
		assert.ErrorContains(t, err, "invalid image resolution")
		assert.Equal(t, 1, fs.shutdowns)
	})

	t.Run("initialize failure", func(t *testing.T) {
		fs := newFakeSensor()
		fs.initErr = errors.New("usb gone")
		k := newTestKinect(t, testConfig(), &fakeRuntime{sensor: fs})
		err := k.Activate(context.Background())
		assert.ErrorContains(t, err, "usb gone")
	})

	t.Run("cancelled during startup delay", func(t *testing.T) {
		cfg := testConfig()
		cfg.StartupDelayMs = 60_000
		fs := newFakeSensor()
		k := newTestKinect(t, cfg, &fakeRuntime{sensor: fs})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := k.Activate(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, fs.shutdowns)
	})
}

func TestInitFlags(t *testing.T) {
	fs := newFakeSensor()
	cfg := testConfig()
	cfg.PlayerIndex = true
	k := newTestKinect(t, cfg, &fakeRuntime{sensor: fs})
	require.NoError(t, k.Activate(context.Background()))
	assert.Equal(t, nui.UsesSkeleton|nui.UsesColor|nui.UsesDepthAndPlayerIndex, fs.flags)
	assert.Equal(t, nui.Resolution640x480, fs.opened[nui.ImageTypeColor])
	assert.Equal(t, nui.Resolution320x240, fs.opened[nui.ImageTypeDepthAndPlayerIndex])
	require.NoError(t, k.Deactivate())

	fs = newFakeSensor()
	cfg = testConfig()
	cfg.EnableCamera = false
	cfg.EnableSkeleton = false
	k = newTestKinect(t, cfg, &fakeRuntime{sensor: fs})
	require.NoError(t, k.Activate(context.Background()))
	assert.Equal(t, nui.UsesDepth, fs.flags)
	assert.NotContains(t, fs.opened, nui.ImageTypeColor)
}

func TestZeroPitchSkipsPort(t *testing.T) {
	fs := newFakeSensor()
	k := newTestKinect(t, testConfig(), &fakeRuntime{sensor: fs})
	require.NoError(t, k.Activate(context.Background()))
	fs.streams[nui.ImageTypeColor].bogus = true

	samples, err := k.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Port{PortDepth, PortCurrentElevation, PortSkeleton}, ports(samples))
	assert.Equal(t, 0, fs.streams[nui.ImageTypeColor].held)
}

func TestFrameErrorAbortsCycle(t *testing.T) {
	fs := newFakeSensor()
	k := newTestKinect(t, testConfig(), &fakeRuntime{sensor: fs})
	require.NoError(t, k.Activate(context.Background()))

	fs.streams[nui.ImageTypeDepth].err = nui.ErrTimeout
	samples, err := k.Execute(context.Background())
	require.ErrorIs(t, err, nui.ErrTimeout)
	assert.Equal(t, []Port{PortImage}, ports(samples))

	fs.streams[nui.ImageTypeDepth].err = nil
	fs.skelErr = nui.ErrTimeout
	samples, err = k.Execute(context.Background())
	require.ErrorIs(t, err, nui.ErrTimeout)
	assert.Equal(t, []Port{PortImage, PortDepth, PortCurrentElevation}, ports(samples))

	fs.getErr = errors.New("motor stalled")
	_, err = k.Execute(context.Background())
	assert.ErrorContains(t, err, "motor stalled")
}

func TestDeactivate(t *testing.T) {
	fs := newFakeSensor()
	k := newTestKinect(t, testConfig(), &fakeRuntime{sensor: fs})

	require.NoError(t, k.Deactivate())
	_, err := k.Execute(context.Background())
	require.ErrorIs(t, err, ErrInactive)

	require.NoError(t, k.Activate(context.Background()))
	require.Error(t, k.Activate(context.Background()))
	require.NoError(t, k.Deactivate())
	require.NoError(t, k.Deactivate())
	assert.Equal(t, 1, fs.shutdowns)

	_, err = k.Execute(context.Background())
	assert.ErrorIs(t, err, ErrInactive)
}

func TestProfile(t *testing.T) {
	k := newTestKinect(t, testConfig(), nui.NewSimulation(1))
	p := k.Profile()
	assert.Equal(t, "Kinect", p.TypeName)
	assert.Equal(t, "PERIODIC", p.ActivityType)
	assert.Equal(t, "320x240", p.Defaults["depth_size"])
}

// fakes

type fakeRuntime struct {
	sensor *fakeSensor
}

func (r *fakeRuntime) SensorCount() (int, error) { return 1, nil }

func (r *fakeRuntime) Open(index int) (nui.Sensor, error) {
	if index != 0 {
		return nil, nui.ErrSensorNotFound
	}
	return r.sensor, nil
}

type fakeStream struct {
	typ   nui.ImageType
	res   nui.Resolution
	n     uint32
	held  int
	bogus bool
	err   error
}

func (s *fakeStream) NextFrame(time.Duration) (*nui.ImageFrame, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.n++
	s.held++
	w, h := s.res.Size()
	f := &nui.ImageFrame{FrameNumber: s.n, Timestamp: int64(s.n) * 33, Type: s.typ, Resolution: s.res}
	if s.bogus {
		return f, nil
	}
	if s.typ == nui.ImageTypeColor {
		f.Texture = nui.Texture{Width: w, Height: h, Pitch: w * 4, Format: nui.PixelBGRX32, Bits: make([]byte, w*h*4)}
	} else {
		f.Texture = nui.Texture{Width: w, Height: h, Pitch: w * 2, Format: nui.PixelDepth16, Bits: make([]byte, w*h*2)}
	}
	return f, nil
}

func (s *fakeStream) Release(*nui.ImageFrame) error {
	s.held--
	return nil
}

type fakeSensor struct {
	flags     nui.InitFlags
	initErr   error
	opened    map[nui.ImageType]nui.Resolution
	streams   map[nui.ImageType]*fakeStream
	skelErr   error
	getErr    error
	elevation int
	shutdowns int
}

func newFakeSensor() *fakeSensor {
	return &fakeSensor{
		opened:  map[nui.ImageType]nui.Resolution{},
		streams: map[nui.ImageType]*fakeStream{},
	}
}

func (f *fakeSensor) Initialize(flags nui.InitFlags) error {
	f.flags = flags
	return f.initErr
}

func (f *fakeSensor) OpenImageStream(typ nui.ImageType, res nui.Resolution, frames int) (nui.Stream, error) {
	f.opened[typ] = res
	s := &fakeStream{typ: typ, res: res}
	f.streams[typ] = s
	return s, nil
}

func (f *fakeSensor) NextSkeletonFrame(time.Duration) (*nui.SkeletonFrame, error) {
	if f.skelErr != nil {
		return nil, f.skelErr
	}
	return &nui.SkeletonFrame{FrameNumber: 1}, nil
}

func (f *fakeSensor) SetElevation(d int) error {
	f.elevation = d
	return nil
}

func (f *fakeSensor) Elevation() (int, error) { return f.elevation, f.getErr }

func (f *fakeSensor) Shutdown() error {
	f.shutdowns++
	return nil
}
