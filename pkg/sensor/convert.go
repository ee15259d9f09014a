package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ericogr/kinect-to-mqtt/pkg/nui"
)

var ErrShortTexture = errors.New("texture shorter than its pitch and height")

// checkTexture verifies that every row of tex can be addressed.
func checkTexture(tex *nui.Texture, bpp int) error {
	if tex.Width <= 0 || tex.Height <= 0 {
		return fmt.Errorf("texture has no pixels (%dx%d)", tex.Width, tex.Height)
	}
	if tex.Pitch < tex.Width*bpp {
		return fmt.Errorf("texture pitch %d below row size %d", tex.Pitch, tex.Width*bpp)
	}
	if len(tex.Bits) < tex.Pitch*(tex.Height-1)+tex.Width*bpp {
		return fmt.Errorf("%w: %d bytes for %dx%d pitch %d", ErrShortTexture, len(tex.Bits), tex.Width, tex.Height, tex.Pitch)
	}
	return nil
}

// CopyColor converts tex into the RGB buffer of dst. When the texture and the
// image differ in size, pixels are sampled nearest-neighbour.
func CopyColor(dst *CameraImage, tex *nui.Texture) error {
	var ri, gi, bi int
	switch tex.Format {
	case nui.PixelBGRX32:
		ri, gi, bi = 2, 1, 0
	case nui.PixelRGB24:
		ri, gi, bi = 0, 1, 2
	default:
		return fmt.Errorf("unsupported colour pixel format %d", tex.Format)
	}
	bpp := tex.Format.BytesPerPixel()
	if err := checkTexture(tex, bpp); err != nil {
		return err
	}
	w, h := dst.Width, dst.Height
	if len(dst.Data) != w*h*3 {
		return fmt.Errorf("image buffer is %d bytes, want %d", len(dst.Data), w*h*3)
	}
	for y := 0; y < h; y++ {
		row := tex.Bits[(y*tex.Height/h)*tex.Pitch:]
		out := dst.Data[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			p := row[(x*tex.Width/w)*bpp:]
			out[x*3+0] = p[ri]
			out[x*3+1] = p[gi]
			out[x*3+2] = p[bi]
		}
	}
	return nil
}

// CopyDepth decodes tex into dst.Bits (millimetres) and, when dst.Players is
// allocated, the player index of each pixel.
func CopyDepth(dst *DepthImage, tex *nui.Texture) error {
	var depthAt, playerAt int
	switch tex.Format {
	case nui.PixelDepthPlayer32:
		playerAt, depthAt = 0, 2
	case nui.PixelDepth16:
		playerAt, depthAt = -1, 0
	default:
		return fmt.Errorf("unsupported depth pixel format %d", tex.Format)
	}
	bpp := tex.Format.BytesPerPixel()
	if err := checkTexture(tex, bpp); err != nil {
		return err
	}
	w, h := dst.Width, dst.Height
	if len(dst.Bits) != w*h {
		return fmt.Errorf("depth buffer is %d pixels, want %d", len(dst.Bits), w*h)
	}
	players := dst.Players
	if players != nil && len(players) != w*h {
		return fmt.Errorf("player buffer is %d pixels, want %d", len(players), w*h)
	}
	for y := 0; y < h; y++ {
		row := tex.Bits[(y*tex.Height/h)*tex.Pitch:]
		for x := 0; x < w; x++ {
			p := row[(x*tex.Width/w)*bpp:]
			i := y*w + x
			dst.Bits[i] = binary.LittleEndian.Uint16(p[depthAt:])
			if players != nil {
				if playerAt < 0 {
					players[i] = 0
				} else {
					players[i] = uint8(binary.LittleEndian.Uint16(p[playerAt:]))
				}
			}
		}
	}
	return nil
}

func vec(v nui.Vector4) Vector4 {
	return Vector4{X: v.X, Y: v.Y, Z: v.Z, W: v.W}
}

// CopySkeleton copies src into dst, reusing dst's slices.
func CopySkeleton(dst *SkeletonFrame, src *nui.SkeletonFrame) {
	dst.FrameNumber = src.FrameNumber
	dst.Timestamp = src.Timestamp
	dst.Flags = src.Flags
	dst.FloorClipPlane = vec(src.FloorClipPlane)
	dst.NormalToGravity = vec(src.NormalToGravity)
	if len(dst.Skeletons) != nui.SkeletonCount {
		dst.Skeletons = make([]Skeleton, nui.SkeletonCount)
	}
	for i := range src.Skeletons {
		s := &src.Skeletons[i]
		d := &dst.Skeletons[i]
		d.TrackingState = s.TrackingState.String()
		d.TrackingID = s.TrackingID
		d.EnrollmentIndex = s.EnrollmentIndex
		d.UserIndex = s.UserIndex
		d.Position = vec(s.Position)
		d.QualityFlags = s.QualityFlags
		if len(d.Joints) != nui.JointCount {
			d.Joints = make([]Joint, nui.JointCount)
		}
		for j := range s.Positions {
			d.Joints[j] = Joint{
				Name:     nui.Joint(j).String(),
				Position: vec(s.Positions[j]),
				State:    s.PositionStates[j].String(),
			}
		}
	}
}
