// Command antennad points an az/el rotator. It serves rotctld for tracking
// programs and an HTTP/websocket surface for the operator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/antenna_control/arbiter"
	"github.com/w1xm/antenna_control/carryout"
	"github.com/w1xm/antenna_control/config"
	"github.com/w1xm/antenna_control/easycomm"
	"github.com/w1xm/antenna_control/easycomm/simulator"
	"github.com/w1xm/antenna_control/internal/logging"
	"github.com/w1xm/antenna_control/internal/timeutil"
	"github.com/w1xm/antenna_control/metrics"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/rotctld"
	"github.com/w1xm/antenna_control/safety"
	"github.com/w1xm/antenna_control/sensors"
	"github.com/w1xm/antenna_control/telemetry"
	"github.com/w1xm/antenna_control/tracker"
)

var (
	configPath  = flag.String("config", "", "path to the YAML configuration file")
	serialPort  = flag.String("serial", "", "rotator serial port name, overrides the config file")
	protocol    = flag.String("protocol", "", "rotator protocol (easycomm or carryout), overrides the config file")
	rotctldAddr = flag.String("rotctld_addr", "", "rotctld listen address, overrides the config file")
	httpAddr    = flag.String("http_addr", "", "HTTP listen address, overrides the config file")
	simulate    = flag.Bool("simulate", false, "drive a simulated rotator instead of the serial port")
	listPorts   = flag.Bool("list_ports", false, "list serial ports and exit")
	selfTest    = flag.Bool("self_test", false, "run the Carryout firmware self test, print its output and exit")
	logLevel    = flag.String("log_level", "", "log level, overrides the config file")
	logFormat   = flag.String("log_format", "", "log format (text or json), overrides the config file")
)

func main() {
	flag.Parse()

	if *listPorts {
		ports, err := serial.GetPortsList()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(&cfg, flagOverrides()); err != nil {
		fmt.Fprintf(os.Stderr, "invalid flags: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *selfTest {
		if err := runSelfTest(ctx, cfg, logger); err != nil {
			logger.Error("self test", "error", err)
			os.Exit(1)
		}
		return
	}
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// overrides are the command line settings that replace config file values
// when non-empty.
type overrides struct {
	serial, protocol, rotctldAddr, httpAddr, logLevel, logFormat string
}

func flagOverrides() overrides {
	return overrides{
		serial:      *serialPort,
		protocol:    *protocol,
		rotctldAddr: *rotctldAddr,
		httpAddr:    *httpAddr,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
	}
}

// applyFlags applies o to cfg and validates the result.
func applyFlags(cfg *config.Config, o overrides) error {
	if o.serial != "" {
		cfg.Serial.Device = o.serial
	}
	if o.protocol != "" {
		cfg.Serial.Protocol = o.protocol
	}
	if o.rotctldAddr != "" {
		cfg.RotctldAddr = o.rotctldAddr
	}
	if o.httpAddr != "" {
		cfg.HTTPAddr = o.httpAddr
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg.Validate()
}

// newDriver builds the rotator driver for cfg.Serial.Protocol. With
// simulate the EasyComm driver talks to a simulator, which is returned for
// the caller to run.
func newDriver(cfg config.Config, simulate bool, logger *slog.Logger) (rotator.Link, *simulator.Simulator, error) {
	if cfg.Serial.Protocol == config.ProtocolCarryout {
		if simulate {
			return nil, nil, errors.New("-simulate needs the easycomm protocol")
		}
		return newCarryout(cfg, logger), nil, nil
	}

	ecfg := easycomm.Config{
		Port:    cfg.Serial.Device,
		Baud:    cfg.Serial.Baud,
		Timeout: cfg.Serial.Timeout,
	}
	var sim *simulator.Simulator
	if simulate {
		sim = simulator.New(logger.With("component", "simulator"))
		raw := rawPark(cfg)
		sim.SetPosition(raw.Azimuth, raw.Elevation)
		ecfg.Port = "simulator"
		ecfg.Dial = sim.Dial
	}
	return easycomm.New(ecfg, logger.With("component", "easycomm")), sim, nil
}

// rawPark is the park position in the rotator's own frame.
func rawPark(cfg config.Config) position.Position {
	park := cfg.ParkPosition()
	return position.Position{Azimuth: park.Azimuth - cfg.Offset.Azimuth, Elevation: park.Elevation - cfg.Offset.Elevation}
}

// newCarryout assumes the dish rests at the park position until it reports
// a live one.
func newCarryout(cfg config.Config, logger *slog.Logger) *carryout.Rotator {
	raw := rawPark(cfg)
	return carryout.New(carryout.Config{
		Port:    cfg.Serial.Device,
		Baud:    cfg.Serial.Baud,
		Timeout: cfg.Serial.Timeout,
		Initial: &raw,
	}, logger.With("component", "carryout"))
}

func runSelfTest(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Serial.Protocol != config.ProtocolCarryout {
		return errors.New("-self_test needs the carryout protocol")
	}
	dish := newCarryout(cfg, logger)
	if err := dish.Connect(ctx); err != nil {
		return err
	}
	defer dish.Close()
	out, err := dish.SelfTest(ctx)
	for _, line := range out {
		fmt.Println(line)
	}
	return err
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	clock := timeutil.RealClock{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	driver, sim, err := newDriver(cfg, *simulate, logger)
	if err != nil {
		return err
	}
	if sim != nil {
		g.Go(func() error { return sim.Run(ctx) })
	}
	if err := driver.Connect(ctx); err != nil {
		// The control loop keeps retrying.
		logger.Warn("rotator not connected", "port", cfg.Serial.Device, "error", err)
	}
	defer driver.Close()
	link := rotator.WithOffset(driver, cfg.Offset.Azimuth, cfg.Offset.Elevation)

	monitor := safety.NewMonitor(cfg.Limits, cfg.Safety, clock, logger.With("component", "safety"))
	arb := arbiter.New(link, monitor, arbiter.Config{Limits: cfg.Limits, Park: cfg.ParkPosition()}, clock, logger.With("component", "arbiter"), m)
	hub := telemetry.NewHub()

	var opts []tracker.Option
	if cfg.SensorsEnabled() {
		board, err := sensors.Connect(ctx, cfg.Sensors, clock, logger.With("component", "sensors"))
		if err != nil {
			return fmt.Errorf("sensor board: %w", err)
		}
		opts = append(opts, tracker.WithSensors(board), tracker.WithPower(board))
	}
	loop := tracker.New(cfg.Tracker, arb, monitor, hub, cfg.Limits, clock, logger.With("component", "tracker"), m, opts...)
	g.Go(func() error { return loop.Run(ctx) })

	rs := rotctld.New(arb, hub, cfg.Limits, logger.With("component", "rotctld"), m)
	g.Go(func() error { return rs.ListenAndServe(ctx, cfg.RotctldAddr) })

	if cfg.HTTPAddr != "" {
		srv := &http.Server{
			Handler:     NewServer(arb, hub, logger.With("component", "http"), m).Router(),
			Addr:        cfg.HTTPAddr,
			ReadTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.MQTT.Broker != "" {
		pub := telemetry.NewMQTTPublisher(cfg.MQTT, logger.With("component", "mqtt"))
		g.Go(func() error { return pub.Run(ctx, hub) })
	}

	return g.Wait()
}
