// Package tracker runs the fixed-period control loop: read the rotator,
// feed the safety monitor, complete motion and publish telemetry.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/w1xm/antenna_control/arbiter"
	"github.com/w1xm/antenna_control/internal/timeutil"
	"github.com/w1xm/antenna_control/metrics"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/safety"
	"github.com/w1xm/antenna_control/sensors"
	"github.com/w1xm/antenna_control/telemetry"
)

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	// Jitter is the backoff randomization factor.
	Jitter float64 `yaml:"jitter"`
	// MaxAttempts failed reconnects raise a link fault. Attempts continue
	// at MaxInterval afterwards.
	MaxAttempts int `yaml:"max_attempts"`
}

type Config struct {
	Period time.Duration `yaml:"period"`
	// CallTimeout bounds every link call made by the loop.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// Tolerance is how close to the target counts as arrived, in degrees.
	Tolerance float64     `yaml:"tolerance"`
	Retry     RetryConfig `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		Period:      200 * time.Millisecond,
		CallTimeout: 3 * time.Second,
		Tolerance:   0.5,
		Retry: RetryConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			Jitter:          0.5,
			MaxAttempts:     5,
		},
	}
}

// SensorSource supplies the latest sensor board reading.
type SensorSource interface {
	Latest() sensors.Reading
}

// PowerSwitch controls the drive supply.
type PowerSwitch interface {
	SetDrivePower(enabled bool) error
}

type Loop struct {
	cfg     Config
	arb     *arbiter.Arbiter
	monitor *safety.Monitor
	hub     *telemetry.Hub
	limits  position.Limits
	clock   timeutil.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	sensors SensorSource
	power   PowerSwitch

	// Owned by the loop goroutine.
	seq         uint64
	health      safety.LinkHealth
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time
	reading     rotator.Reading
	haveReading bool
	state       safety.State
	powered     bool
	powerKnown  bool
}

type Option func(*Loop)

// WithSensors adds the sensor board to every observation.
func WithSensors(s SensorSource) Option {
	return func(l *Loop) { l.sensors = s }
}

// WithPower cuts drive power in emergency stop and restores it afterwards.
func WithPower(p PowerSwitch) Option {
	return func(l *Loop) { l.power = p }
}

func New(cfg Config, arb *arbiter.Arbiter, monitor *safety.Monitor, hub *telemetry.Hub, limits position.Limits, clock timeutil.Clock, logger *slog.Logger, m *metrics.Collector, opts ...Option) *Loop {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Retry.InitialInterval
	b.MaxInterval = cfg.Retry.MaxInterval
	b.Multiplier = cfg.Retry.Multiplier
	b.RandomizationFactor = cfg.Retry.Jitter
	b.Reset()
	l := &Loop{
		cfg:     cfg,
		arb:     arb,
		monitor: monitor,
		hub:     hub,
		limits:  limits,
		clock:   clock,
		logger:  logger,
		metrics: m,
		backoff: b,
		health:  safety.LinkHealth{Connected: arb.Connected()},
		state:   monitor.State(),
	}
	if !l.health.Connected {
		l.health.DisconnectedSince = clock.Now()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTicker(l.cfg.Period)
	defer t.Stop()
	for {
		l.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Tick runs one iteration of the loop and returns the published snapshot.
func (l *Loop) Tick(ctx context.Context) *telemetry.Snapshot {
	start := l.clock.Now()

	fresh := false
	switch {
	case l.arb.Connected():
		fresh = l.query(ctx, start)
	case l.reconnect(ctx, start):
		// A session that cannot answer a query is not a recovered link.
		if fresh = l.query(ctx, start); !fresh {
			l.reconnectFailed(start, errors.New(l.health.LastError))
		} else {
			l.metrics.Reconnect(true)
		}
	}
	if fresh && !l.health.Connected {
		l.restored(start)
	}

	obs := safety.Observation{
		Time:        start,
		HasPosition: fresh,
		Link:        l.health,
	}
	if fresh {
		obs.Position = l.reading.Position
		obs.Temperature = l.reading.Temperature
		obs.LimitSwitches = l.reading.LimitSwitches
		obs.HardwareErrors = l.reading.Errors
	}
	if l.sensors != nil {
		r := l.sensors.Latest()
		obs.Sensors = &r
	}

	prev := l.state
	l.state = l.monitor.Evaluate(obs)
	entered := l.state.Level != prev.Level || l.state.Reason != prev.Reason
	if entered && l.state.Level == safety.EmergencyStop {
		l.halt(ctx)
	}
	l.setPower(l.state.Level != safety.EmergencyStop)

	if fresh {
		l.arb.MarkReached(l.reading.Position, l.cfg.Tolerance)
	}
	s := l.snapshot(obs)
	l.hub.Publish(s)

	l.metrics.SetSafety(int(l.state.Level), l.state.Reason, entered)
	l.metrics.SetLinkConnected(l.health.Connected)
	if fresh {
		l.metrics.SetPosition(l.reading.Position.Azimuth, l.reading.Position.Elevation, l.reading.Temperature)
	}
	l.metrics.ObserveTick(l.clock.Since(start))
	return s
}

// query reads the rotator and updates link health. It reports whether a
// fresh reading was obtained.
func (l *Loop) query(ctx context.Context, now time.Time) bool {
	qctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	r, err := l.arb.QueryPosition(qctx)
	if err != nil {
		l.health.ConsecutiveFailures++
		l.health.LastError = err.Error()
		l.metrics.LinkFailure(rotator.KindOf(err).String())
		if !l.arb.Connected() && l.health.Connected {
			l.health.Connected = false
			l.health.DisconnectedSince = now
			l.logger.Warn("rotator link lost", "error", err)
		} else {
			l.logger.Debug("querying rotator", "error", err, "failures", l.health.ConsecutiveFailures)
		}
		return false
	}
	l.health.ConsecutiveFailures = 0
	l.reading, l.haveReading = r, true
	return true
}

// reconnect tries to reopen the link when the backoff allows it, and
// reports whether the link is connected afterwards. Link health is only
// cleared by restored, once a query succeeds.
func (l *Loop) reconnect(ctx context.Context, now time.Time) bool {
	if l.health.Connected {
		// Dropped outside our own query, e.g. by a failed move.
		l.health.Connected = false
		l.health.DisconnectedSince = now
		l.logger.Warn("rotator link lost")
	}
	if now.Before(l.nextAttempt) {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	if err := l.arb.Reconnect(cctx); err != nil {
		l.reconnectFailed(now, err)
		return false
	}
	return true
}

func (l *Loop) reconnectFailed(now time.Time, err error) {
	l.metrics.Reconnect(false)
	l.health.ReconnectAttempts++
	l.health.LastError = err.Error()
	next := l.backoff.NextBackOff()
	if next == backoff.Stop {
		next = l.cfg.Retry.MaxInterval
	}
	l.nextAttempt = now.Add(next)
	if !l.health.Fault && l.cfg.Retry.MaxAttempts > 0 && l.health.ReconnectAttempts >= l.cfg.Retry.MaxAttempts {
		l.health.Fault = true
		l.logger.Error("rotator link fault", "attempts", l.health.ReconnectAttempts, "error", err)
	} else {
		l.logger.Info("reconnecting rotator", "attempt", l.health.ReconnectAttempts, "retry_in", next, "error", err)
	}
}

func (l *Loop) restored(now time.Time) {
	l.logger.Info("rotator link restored", "attempts", l.health.ReconnectAttempts+1, "down_for", now.Sub(l.health.DisconnectedSince))
	l.health = safety.LinkHealth{Connected: true}
	l.backoff.Reset()
	l.nextAttempt = time.Time{}
}

func (l *Loop) halt(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	if err := l.arb.Halt(hctx); err != nil {
		l.logger.Warn("halting rotator", "reason", l.state.Reason, "error", err)
	}
}

// setPower switches the drive supply when it differs from on. Failures are
// retried on the next tick.
func (l *Loop) setPower(on bool) {
	if l.power == nil || (l.powerKnown && on == l.powered) {
		return
	}
	if err := l.power.SetDrivePower(on); err != nil {
		l.logger.Error("switching drive power", "enabled", on, "error", err)
		return
	}
	l.powered, l.powerKnown = on, true
}

func (l *Loop) snapshot(obs safety.Observation) *telemetry.Snapshot {
	l.seq++
	s := &telemetry.Snapshot{
		Sequence:       l.seq,
		Time:           obs.Time,
		PositionValid:  obs.HasPosition,
		Safety:         l.state,
		Link:           l.health,
		Temperature:    l.reading.Temperature,
		LimitSwitches:  l.reading.LimitSwitches,
		HardwareErrors: l.reading.Errors,
		Sensors:        obs.Sensors,
	}
	if l.haveReading {
		s.RawPosition = l.reading.Position
		s.Position, s.PositionFlagged = l.limits.Clamp(l.reading.Position)
	}
	if m, ok := l.arb.Motion(); ok {
		target := m.Target
		s.CommandedTarget = &target
		s.Moving = !m.Complete
		s.MotionComplete = m.Complete
		s.ETA = m.ETA
	}
	return s
}
