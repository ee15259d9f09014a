package config

import (
	"fmt"
	"strings"

	"github.com/ericogr/kinect-to-mqtt/pkg/nui"
)

// Size is an output buffer shape together with the sensor stream
// resolution that feeds it.
type Size struct {
	Stream nui.Resolution
	Width  int
	Height int
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// ImageSizes maps image_size values to colour stream settings. The colour
// camera only streams 640x480 and 1280x960; smaller outputs are decimated.
var ImageSizes = map[string]Size{
	"80x60":    {Stream: nui.Resolution640x480, Width: 80, Height: 60},
	"320x240":  {Stream: nui.Resolution640x480, Width: 320, Height: 240},
	"640x480":  {Stream: nui.Resolution640x480, Width: 640, Height: 480},
	"1280x960": {Stream: nui.Resolution1280x960, Width: 1280, Height: 960},
}

// DepthSizes maps depth_size values to depth stream settings.
var DepthSizes = map[string]Size{
	"320x240": {Stream: nui.Resolution320x240, Width: 320, Height: 240},
	"640x480": {Stream: nui.Resolution640x480, Width: 640, Height: 480},
}

// ResolveImageSize looks up c.ImageSize.
func (c Config) ResolveImageSize() (Size, error) {
	return lookupSize(ImageSizes, c.ImageSize)
}

// ResolveDepthSize looks up c.DepthSize.
func (c Config) ResolveDepthSize() (Size, error) {
	return lookupSize(DepthSizes, c.DepthSize)
}

func lookupSize(table map[string]Size, s string) (Size, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if sz, ok := table[key]; ok {
		return sz, nil
	}
	return Size{}, fmt.Errorf("invalid image resolution %q", s)
}
