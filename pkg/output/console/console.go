package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/kinect-to-mqtt/pkg/output"
	"github.com/ericogr/kinect-to-mqtt/pkg/sensor"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{w: os.Stdout} }

func (c *ConsoleOutput) Publish(samples []sensor.Sample) error {
	for _, s := range samples {
		if _, err := fmt.Fprintf(c.w, "%s port=%s %s\n", s.Time.Format(time.RFC3339), s.Port, describe(s)); err != nil {
			return err
		}
	}
	return nil
}

func describe(s sensor.Sample) string {
	switch {
	case s.Image != nil:
		return fmt.Sprintf("size=%dx%d format=%s ts=%d", s.Image.Width, s.Image.Height, s.Image.Format, s.Image.Timestamp)
	case s.Depth != nil:
		lo, hi := depthRange(s.Depth.Bits)
		return fmt.Sprintf("size=%dx%d min=%dmm max=%dmm ts=%d", s.Depth.Width, s.Depth.Height, lo, hi, s.Depth.Timestamp)
	case s.Elevation != nil:
		return fmt.Sprintf("angle=%d", s.Elevation.Degrees)
	case s.Skeleton != nil:
		tracked := 0
		for _, sk := range s.Skeleton.Skeletons {
			if sk.Tracked() {
				tracked++
			}
		}
		return fmt.Sprintf("frame=%d tracked=%d", s.Skeleton.FrameNumber, tracked)
	default:
		return "empty"
	}
}

// depthRange ignores zero (unknown) depths.
func depthRange(bits []uint16) (lo, hi uint16) {
	for _, d := range bits {
		if d == 0 {
			continue
		}
		if lo == 0 || d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	return lo, hi
}

func (c *ConsoleOutput) Close() error { return nil }
