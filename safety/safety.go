// Package safety decides whether the antenna may move.
//
// The Monitor is a small state machine: Nominal, Warning(reason) and
// EmergencyStop(reason). Warnings follow the current conditions.
// EmergencyStop latches until Reset succeeds, and Reset re-evaluates the
// latest observation instead of trusting the caller.
package safety

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/w1xm/antenna_control/internal/timeutil"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/sensors"
)

type Level int

const (
	Nominal Level = iota
	Warning
	EmergencyStop
)

func (l Level) String() string {
	switch l {
	case Nominal:
		return "nominal"
	case Warning:
		return "warning"
	case EmergencyStop:
		return "emergency_stop"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, v := range []Level{Nominal, Warning, EmergencyStop} {
		if v.String() == s {
			*l = v
			return nil
		}
	}
	return fmt.Errorf("unknown safety level %q", s)
}

// State is the current safety state and why it was entered.
type State struct {
	Level  Level     `json:"level"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
}

func (s State) String() string {
	if s.Reason == "" {
		return s.Level.String()
	}
	return fmt.Sprintf("%s(%s)", s.Level, s.Reason)
}

const (
	ReasonManual       = "manual"
	ReasonOutOfBounds  = "position out of bounds"
	ReasonLinkLost     = "link lost"
	ReasonOverTemp     = "over temperature"
	ReasonHighTemp     = "high temperature"
	ReasonLimitSwitch  = "limit switch"
	ReasonMotorFault   = "motor fault"
	ReasonSensorFault  = "sensor fault"
	ReasonHomingFault  = "homing fault"
	ReasonWind         = "wind speed"
	ReasonHighWind     = "high wind speed"
	ReasonLowVoltage   = "supply voltage low"
	ReasonStopButton   = "emergency stop button"
	ReasonSensorsStale = "sensor board not responding"
)

// Thresholds configure the automatic checks. A zero temperature, wind or
// voltage threshold disables that check.
type Thresholds struct {
	// PositionTolerance is how far outside the motion limits a measured
	// position may be before it is considered out of bounds.
	PositionTolerance float64       `yaml:"position_tolerance"`
	WarnTemperature   float64       `yaml:"warn_temperature"`
	MaxTemperature    float64       `yaml:"max_temperature"`
	DisconnectGrace   time.Duration `yaml:"disconnect_grace"`
	LimitSwitchGrace  time.Duration `yaml:"limit_switch_grace"`
	WarnWindSpeed     float64       `yaml:"warn_wind_speed"`
	MaxWindSpeed      float64       `yaml:"max_wind_speed"`
	MinVoltage        float64       `yaml:"min_voltage"`
	SensorStaleAfter  time.Duration `yaml:"sensor_stale_after"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		PositionTolerance: 2,
		WarnTemperature:   60,
		MaxTemperature:    70,
		DisconnectGrace:   time.Second,
		LimitSwitchGrace:  time.Second,
		WarnWindSpeed:     20,
		MaxWindSpeed:      30,
		MinVoltage:        11,
		SensorStaleAfter:  5 * time.Second,
	}
}

// LinkHealth describes the Device Link as seen by the control loop.
type LinkHealth struct {
	Connected           bool      `json:"connected"`
	DisconnectedSince   time.Time `json:"disconnected_since,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
	// Fault is set once reconnecting has been given up on.
	Fault     bool   `json:"fault"`
	LastError string `json:"last_error,omitempty"`
}

// Observation is everything the Monitor looks at on one tick.
type Observation struct {
	Time time.Time
	// HasPosition is false when the link could not be read this tick; the
	// reading fields are then meaningless.
	HasPosition    bool
	Position       position.Position
	Temperature    float64
	LimitSwitches  rotator.LimitSwitches
	HardwareErrors rotator.HardwareErrors
	Link           LinkHealth
	// Sensors is nil when no sensor board is configured.
	Sensors *sensors.Reading
}

type condition struct {
	level  Level
	reason string
}

// ResetRefusedError is returned by Reset while an emergency condition persists.
type ResetRefusedError struct {
	State  State
	Active string
}

func (e *ResetRefusedError) Error() string {
	return fmt.Sprintf("reset refused: %s still active", e.Active)
}

// Transition is called after every state change.
type Transition func(from, to State)

type Monitor struct {
	limits position.Limits
	th     Thresholds
	clock  timeutil.Clock
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	last        Observation
	haveLast    bool
	limitSince  time.Time
	transitions []Transition
}

func NewMonitor(limits position.Limits, th Thresholds, clock timeutil.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		limits: limits,
		th:     th,
		clock:  clock,
		logger: logger,
		state:  State{Level: Nominal, Since: clock.Now()},
	}
}

// OnTransition registers f to be called after every state change. f must
// not call back into the Monitor synchronously.
func (m *Monitor) OnTransition(f Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, f)
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Evaluate updates the state from a new observation and returns it.
func (m *Monitor) Evaluate(obs Observation) State {
	m.mu.Lock()
	m.last, m.haveLast = obs, true
	if obs.HasPosition && obs.LimitSwitches.Any() {
		if m.limitSince.IsZero() {
			m.limitSince = obs.Time
		}
	} else {
		m.limitSince = time.Time{}
	}

	from := m.state
	if from.Level == EmergencyStop {
		// Latched; only Reset leaves this state.
		m.mu.Unlock()
		return from
	}
	worst := worstOf(m.conditionsLocked(obs))
	to := from
	if worst.level != from.Level || worst.reason != from.Reason {
		to = State{Level: worst.level, Reason: worst.reason, Since: obs.Time}
	}
	return m.setLocked(from, to)
}

// Trip forces EmergencyStop("manual"). It takes precedence over every
// other reason, including an earlier automatic emergency stop. by names
// who asked, for the log.
func (m *Monitor) Trip(by string) State {
	m.logger.Warn("manual emergency stop", "by", by)
	m.mu.Lock()
	from := m.state
	if from.Level == EmergencyStop && from.Reason == ReasonManual {
		m.mu.Unlock()
		return from
	}
	return m.setLocked(from, State{Level: EmergencyStop, Reason: ReasonManual, Since: m.clock.Now()})
}

// Reset leaves EmergencyStop if no emergency condition is present in the
// latest observation. Outside EmergencyStop it is a no-op.
func (m *Monitor) Reset() (State, error) {
	m.mu.Lock()
	from := m.state
	if from.Level != EmergencyStop {
		m.mu.Unlock()
		return from, nil
	}
	var conds []condition
	if m.haveLast {
		conds = m.conditionsLocked(m.last)
		if !m.last.Link.Connected {
			conds = append(conds, condition{EmergencyStop, ReasonLinkLost})
		}
	}
	for _, c := range conds {
		if c.level == EmergencyStop {
			m.mu.Unlock()
			m.logger.Warn("safety reset refused", "state", from.String(), "active", c.reason)
			return from, &ResetRefusedError{State: from, Active: c.reason}
		}
	}
	worst := worstOf(conds)
	return m.setLocked(from, State{Level: worst.level, Reason: worst.reason, Since: m.clock.Now()}), nil
}

// setLocked installs to, releases the lock and notifies subscribers.
func (m *Monitor) setLocked(from, to State) State {
	m.state = to
	subs := m.transitions
	m.mu.Unlock()
	if from.Level == to.Level && from.Reason == to.Reason {
		return to
	}
	switch to.Level {
	case EmergencyStop:
		m.logger.Error("emergency stop", "reason", to.Reason, "from", from.String())
	case Warning:
		m.logger.Warn("safety warning", "reason", to.Reason, "from", from.String())
	default:
		m.logger.Info("safety nominal", "from", from.String())
	}
	for _, f := range subs {
		f(from, to)
	}
	return to
}

func worstOf(conds []condition) condition {
	worst := condition{level: Nominal}
	for _, c := range conds {
		if c.level > worst.level {
			worst = c
		}
	}
	return worst
}

// conditionsLocked lists every check that is currently failing, in
// priority order within each level.
func (m *Monitor) conditionsLocked(obs Observation) []condition {
	var conds []condition
	add := func(l Level, reason string) {
		conds = append(conds, condition{l, reason})
	}
	th := m.th

	if obs.HasPosition && m.limits.Exceeds(obs.Position, th.PositionTolerance) {
		add(EmergencyStop, ReasonOutOfBounds)
	}
	link := obs.Link
	if link.Fault || (!link.Connected && !link.DisconnectedSince.IsZero() && obs.Time.Sub(link.DisconnectedSince) >= th.DisconnectGrace) {
		add(EmergencyStop, ReasonLinkLost)
	}

	if obs.HasPosition {
		checkTemperature(add, obs.Temperature, th)
		if obs.LimitSwitches.Any() {
			reason := ReasonLimitSwitch + ": " + obs.LimitSwitches.String()
			if !m.limitSince.IsZero() && obs.Time.Sub(m.limitSince) >= th.LimitSwitchGrace {
				add(EmergencyStop, reason)
			} else {
				add(Warning, reason)
			}
		}
		if obs.HardwareErrors.Motor {
			add(EmergencyStop, ReasonMotorFault)
		}
		if obs.HardwareErrors.Sensor {
			add(Warning, ReasonSensorFault)
		}
		if obs.HardwareErrors.Homing {
			add(Warning, ReasonHomingFault)
		}
	}

	if s := obs.Sensors; s != nil {
		switch {
		case !s.Valid || (th.SensorStaleAfter > 0 && obs.Time.Sub(s.Time) > th.SensorStaleAfter):
			add(Warning, ReasonSensorsStale)
		default:
			if s.StopButton {
				add(EmergencyStop, ReasonStopButton)
			}
			checkTemperature(add, max(s.AzMotorTemp, s.ElMotorTemp), th)
			if th.MaxWindSpeed > 0 && s.WindSpeed >= th.MaxWindSpeed {
				add(EmergencyStop, ReasonHighWind)
			} else if th.WarnWindSpeed > 0 && s.WindSpeed >= th.WarnWindSpeed {
				add(Warning, ReasonWind)
			}
			if th.MinVoltage > 0 && s.Voltage < th.MinVoltage {
				add(EmergencyStop, ReasonLowVoltage)
			}
		}
	}
	return conds
}

func checkTemperature(add func(Level, string), temp float64, th Thresholds) {
	if th.MaxTemperature > 0 && temp >= th.MaxTemperature {
		add(EmergencyStop, ReasonOverTemp)
	} else if th.WarnTemperature > 0 && temp >= th.WarnTemperature {
		add(Warning, ReasonHighTemp)
	}
}
