package nui

import "errors"

var (
	ErrSensorNotFound    = errors.New("nui: sensor not found")
	ErrNotInitialized    = errors.New("nui: sensor not initialized")
	ErrStreamNotEnabled  = errors.New("nui: stream type not enabled by init flags")
	ErrInvalidResolution = errors.New("nui: resolution not supported for stream")
	ErrElevationRange    = errors.New("nui: elevation angle out of range")
	ErrTimeout           = errors.New("nui: timed out waiting for frame")
	ErrShutdown          = errors.New("nui: sensor is shut down")
	ErrUnsupported       = errors.New("nui: runtime not available in this build")
)
