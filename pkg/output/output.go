package output

import "github.com/ericogr/kinect-to-mqtt/pkg/sensor"

// Output receives the samples written during one execution cycle.
type Output interface {
	Publish([]sensor.Sample) error
	Close() error
}

// Elevation commands arriving on an output are written to a
// *sensor.InPort[int]; helper constructors are in subpackages.
