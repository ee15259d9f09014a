// Package tilt drives an external tilt mount for sensors without a usable
// elevation motor.
package tilt

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/ericogr/kinect-to-mqtt/pkg/config"
	"github.com/ericogr/kinect-to-mqtt/pkg/nui"
)

// servoFrequency is the standard hobby servo frame rate.
const servoFrequency = 50 * physic.Hertz

// PWM is the subset of gpio.PinOut the servo needs.
type PWM interface {
	PWM(duty gpio.Duty, f physic.Frequency) error
	Halt() error
}

// Servo maps elevation angles onto a PWM pulse width. It cannot sense its
// position, so Elevation reports the last commanded angle.
type Servo struct {
	mu       sync.Mutex
	pin      PWM
	minPulse time.Duration
	maxPulse time.Duration
	angle    int
}

// NewServo opens the configured GPIO pin through periph.io.
func NewServo(cfg config.TiltConfig) (*Servo, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	p := gpioreg.ByName(cfg.Pin)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", cfg.Pin)
	}
	return NewServoOnPin(p, cfg)
}

// NewServoOnPin drives pin directly and centres the mount.
func NewServoOnPin(pin PWM, cfg config.TiltConfig) (*Servo, error) {
	s := &Servo{
		pin:      pin,
		minPulse: time.Duration(cfg.MinPulseUs) * time.Microsecond,
		maxPulse: time.Duration(cfg.MaxPulseUs) * time.Microsecond,
	}
	if s.minPulse <= 0 || s.maxPulse <= s.minPulse {
		return nil, fmt.Errorf("invalid servo pulse range %s..%s", s.minPulse, s.maxPulse)
	}
	if err := s.SetElevation(0); err != nil {
		return nil, err
	}
	return s, nil
}

// Pulse returns the pulse width commanding degrees.
func (s *Servo) Pulse(degrees int) time.Duration {
	span := s.maxPulse - s.minPulse
	frac := float64(degrees-nui.MinElevation) / float64(nui.MaxElevation-nui.MinElevation)
	return s.minPulse + time.Duration(frac*float64(span))
}

// Duty converts a pulse width into a duty cycle at the servo frequency.
func Duty(pulse time.Duration) gpio.Duty {
	period := servoFrequency.Period()
	return gpio.Duty(int64(gpio.DutyMax) * int64(pulse) / int64(period))
}

func (s *Servo) SetElevation(degrees int) error {
	if degrees < nui.MinElevation || degrees > nui.MaxElevation {
		return fmt.Errorf("servo elevation %d: %w", degrees, nui.ErrElevationRange)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pin.PWM(Duty(s.Pulse(degrees)), servoFrequency); err != nil {
		return fmt.Errorf("servo pwm (%s): %w", physic.Angle(degrees)*physic.Degree, err)
	}
	s.angle = degrees
	return nil
}

func (s *Servo) Elevation() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.angle, nil
}

func (s *Servo) Close() error {
	return s.pin.Halt()
}
