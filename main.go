package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ericogr/kinect-to-mqtt/pkg/config"
	"github.com/ericogr/kinect-to-mqtt/pkg/logging"
	"github.com/ericogr/kinect-to-mqtt/pkg/nui"
	"github.com/ericogr/kinect-to-mqtt/pkg/output"
	"github.com/ericogr/kinect-to-mqtt/pkg/output/console"
	"github.com/ericogr/kinect-to-mqtt/pkg/output/mqtt"
	"github.com/ericogr/kinect-to-mqtt/pkg/output/recorder"
	"github.com/ericogr/kinect-to-mqtt/pkg/output/sqlite"
	"github.com/ericogr/kinect-to-mqtt/pkg/output/websocket"
	"github.com/ericogr/kinect-to-mqtt/pkg/sensor"
	"github.com/ericogr/kinect-to-mqtt/pkg/tilt"
)

type outputEntry struct {
	Type       string
	Out        output.Output
	IntervalMs int
	last       time.Time
}

// due reports whether the entry should publish at now. A zero interval
// publishes every cycle.
func (e *outputEntry) due(now time.Time) bool {
	if e.IntervalMs <= 0 || e.last.IsZero() {
		return true
	}
	return now.Sub(e.last) >= time.Duration(e.IntervalMs)*time.Millisecond
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kinect-to-mqtt",
		Short:         "Publish Kinect colour, depth, tilt and skeleton data",
		Version:       sensor.DefaultProfile.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := config.RegisterFlags(root.PersistentFlags())

	root.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.Load()
		if err != nil {
			return err
		}
		logger, err := logging.NewLogger("kinect", bool(cfg.Debug))
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cmd.Context(), cfg, logger)
	}

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the number of sensors the configured runtime can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			n, err := rt.SensorCount()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sensors: %d\n", cfg.SensorType, n)
			return nil
		},
	})
	return root
}

func newRuntime(cfg config.Config) (nui.Runtime, error) {
	if cfg.SensorType == config.SensorSimulation {
		return nui.NewSimulation(1), nil
	}
	rt, err := nui.NewFreenect()
	if err != nil {
		return nil, fmt.Errorf("sensor runtime %q: %w", cfg.SensorType, err)
	}
	return rt, nil
}

// serve wires the component to its outputs and runs it until ctx is done.
func serve(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (err error) {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}

	var opts []sensor.Option
	if cfg.Tilt.Type == config.TiltServo {
		var servo *tilt.Servo
		if servo, err = tilt.NewServo(cfg.Tilt); err != nil {
			return fmt.Errorf("tilt servo: %w", err)
		}
		defer func() { err = multierr.Append(err, servo.Close()) }()
		opts = append(opts, sensor.WithElevator(servo))
		logger.Infow("tilt servo ready", "pin", cfg.Tilt.Pin)
	}
	k := sensor.New(cfg, rt, logger.Named("sensor"), opts...)

	entries, err := initOutputs(&cfg, k, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeOutputs(entries)) }()

	if err := k.Activate(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() { err = multierr.Append(err, k.Deactivate()) }()

	run(ctx, cfg.Period(), k, entries, logger)
	logger.Info("shutting down")
	return nil
}

// run executes one cycle per period until ctx is done.
func run(ctx context.Context, period time.Duration, k *sensor.Kinect, entries []outputEntry, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			runCycle(ctx, now, k, entries, logger)
		}
	}
}

func runCycle(ctx context.Context, now time.Time, k *sensor.Kinect, entries []outputEntry, logger *zap.SugaredLogger) {
	samples, err := k.Execute(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Warnw("cycle failed", "error", err, "samples", len(samples))
	}
	if len(samples) == 0 {
		return
	}
	for i := range entries {
		e := &entries[i]
		if !e.due(now) {
			continue
		}
		if err := e.Out.Publish(samples); err != nil {
			logger.Errorw("publish failed", "output", e.Type, "error", err)
		}
		e.last = now
	}
}

// initOutputs builds the configured outputs. Outputs already built are
// closed when a later one fails.
func initOutputs(cfg *config.Config, k *sensor.Kinect, logger *zap.SugaredLogger) ([]outputEntry, error) {
	var entries []outputEntry
	for _, oc := range cfg.Outputs {
		var (
			out output.Output
			err error
		)
		switch oc.Type {
		case config.OutputConsole:
			out = console.NewConsole()
		case config.OutputMQTT:
			out, err = mqtt.NewMQTT(*oc.MQTT, k.TargetElevation, k.Profile(), logger.Named("mqtt"))
		case config.OutputWebsocket:
			out, err = websocket.NewWebsocket(*oc.Websocket, k.TargetElevation, k.Profile(), logger.Named("websocket"))
		case config.OutputRecorder:
			var r *recorder.Recorder
			if r, err = recorder.NewRecorder(*oc.Recorder); err == nil {
				logger.Infow("recording samples", "path", r.Path())
				out = r
			}
		case config.OutputSQLite:
			var s *sqlite.Store
			if s, err = sqlite.NewSQLite(*oc.SQLite, cfg.KinectIndex, k.Profile(), logger.Named("sqlite")); err == nil {
				out = s
			}
		default:
			err = fmt.Errorf("unknown output type %q", oc.Type)
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("output %s: %w", oc.Type, err), closeOutputs(entries))
		}
		entries = append(entries, outputEntry{Type: oc.Type, Out: out, IntervalMs: oc.IntervalMs})
	}
	return entries, nil
}

func closeOutputs(entries []outputEntry) error {
	var err error
	for _, e := range entries {
		err = multierr.Append(err, e.Out.Close())
	}
	return err
}
