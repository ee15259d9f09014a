//go:build !freenect

package nui

// NewFreenect is only available when built with the freenect tag and
// libfreenect installed.
func NewFreenect() (Runtime, error) { return nil, ErrUnsupported }
