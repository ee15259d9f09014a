package console

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/ericogr/kinect-to-mqtt/pkg/sensor"
)

func captureStdout(f func()) string {
	r, w, _ := os.Pipe()
	stdout := os.Stdout
	os.Stdout = w
	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outC <- buf.String()
	}()
	f()
	_ = w.Close()
	os.Stdout = stdout
	return <-outC
}

func TestConsolePublish(t *testing.T) {
	ts := time.Date(2025, 9, 19, 14, 41, 54, 0, time.UTC)
	skel := &sensor.SkeletonFrame{FrameNumber: 9, Skeletons: []sensor.Skeleton{{TrackingState: "tracked"}, {TrackingState: "not_tracked"}}}
	samples := []sensor.Sample{
		{Port: sensor.PortImage, Time: ts, Image: &sensor.CameraImage{Width: 640, Height: 480, Format: "rgb", Timestamp: 33}},
		{Port: sensor.PortDepth, Time: ts, Depth: &sensor.DepthImage{Width: 2, Height: 2, Bits: []uint16{0, 900, 1200, 4000}, Timestamp: 34}},
		{Port: sensor.PortCurrentElevation, Time: ts, Elevation: &sensor.Elevation{Degrees: -4}},
		{Port: sensor.PortSkeleton, Time: ts, Skeleton: skel},
	}
	out := captureStdout(func() {
		c := NewConsole()
		_ = c.Publish(samples)
	})
	want := "2025-09-19T14:41:54Z port=image size=640x480 format=rgb ts=33\n" +
		"2025-09-19T14:41:54Z port=depth size=2x2 min=900mm max=4000mm ts=34\n" +
		"2025-09-19T14:41:54Z port=currentElevation angle=-4\n" +
		"2025-09-19T14:41:54Z port=skeleton frame=9 tracked=1\n"
	if out != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", out, want)
	}
}
