package safety

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/antenna_control/internal/timeutil"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/sensors"
)

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestMonitor() (*Monitor, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(epoch)
	m := NewMonitor(position.DefaultLimits(), DefaultThresholds(), clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, clock
}

// healthy returns a nominal observation at clock time.
func healthy(clock *timeutil.MockClock) Observation {
	return Observation{
		Time:        clock.Now(),
		HasPosition: true,
		Position:    position.Position{Azimuth: 180, Elevation: 45},
		Temperature: 30,
		Link:        LinkHealth{Connected: true},
	}
}

func TestNominal(t *testing.T) {
	m, clock := newTestMonitor()
	st := m.Evaluate(healthy(clock))
	assert.Equal(t, Nominal, st.Level)
	assert.Empty(t, st.Reason)
}

func TestRules(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(*Observation)
		level  Level
		reason string
	}{
		{"out of bounds", func(o *Observation) { o.Position.Elevation = 95 }, EmergencyStop, ReasonOutOfBounds},
		{"within tolerance", func(o *Observation) { o.Position.Elevation = 91 }, Nominal, ""},
		{"link fault", func(o *Observation) { o.Link = LinkHealth{Fault: true} }, EmergencyStop, ReasonLinkLost},
		{"link down past grace", func(o *Observation) {
			o.HasPosition = false
			o.Link = LinkHealth{DisconnectedSince: o.Time.Add(-2 * time.Second)}
		}, EmergencyStop, ReasonLinkLost},
		{"link down within grace", func(o *Observation) {
			o.HasPosition = false
			o.Link = LinkHealth{DisconnectedSince: o.Time.Add(-100 * time.Millisecond)}
		}, Nominal, ""},
		{"warm", func(o *Observation) { o.Temperature = 65 }, Warning, ReasonHighTemp},
		{"hot", func(o *Observation) { o.Temperature = 75 }, EmergencyStop, ReasonOverTemp},
		{"limit switch", func(o *Observation) { o.LimitSwitches.AzimuthCW = true }, Warning, "limit switch: azimuth CW"},
		{"motor fault", func(o *Observation) { o.HardwareErrors.Motor = true }, EmergencyStop, ReasonMotorFault},
		{"homing fault", func(o *Observation) { o.HardwareErrors.Homing = true }, Warning, ReasonHomingFault},
		{"sensor fault", func(o *Observation) { o.HardwareErrors.Sensor = true }, Warning, ReasonSensorFault},
		{"emergency beats warning", func(o *Observation) {
			o.HardwareErrors.Sensor = true
			o.Temperature = 80
		}, EmergencyStop, ReasonOverTemp},
		{"stale reading ignored", func(o *Observation) {
			o.HasPosition = false
			o.Temperature = 99
			o.Position.Elevation = -50
		}, Nominal, ""},
		{"windy", func(o *Observation) {
			o.Sensors = &sensors.Reading{Valid: true, Time: o.Time, WindSpeed: 22, Voltage: 12}
		}, Warning, ReasonWind},
		{"gale", func(o *Observation) {
			o.Sensors = &sensors.Reading{Valid: true, Time: o.Time, WindSpeed: 31, Voltage: 12}
		}, EmergencyStop, ReasonHighWind},
		{"brownout", func(o *Observation) {
			o.Sensors = &sensors.Reading{Valid: true, Time: o.Time, Voltage: 10.2}
		}, EmergencyStop, ReasonLowVoltage},
		{"stop button", func(o *Observation) {
			o.Sensors = &sensors.Reading{Valid: true, Time: o.Time, Voltage: 12, StopButton: true}
		}, EmergencyStop, ReasonStopButton},
		{"hot motor", func(o *Observation) {
			o.Sensors = &sensors.Reading{Valid: true, Time: o.Time, Voltage: 12, ElMotorTemp: 71}
		}, EmergencyStop, ReasonOverTemp},
		{"board silent", func(o *Observation) {
			o.Sensors = &sensors.Reading{Valid: true, Time: o.Time.Add(-time.Minute), Voltage: 12}
		}, Warning, ReasonSensorsStale},
		{"board never answered", func(o *Observation) {
			o.Sensors = &sensors.Reading{}
		}, Warning, ReasonSensorsStale},
	} {
		t.Run(test.name, func(t *testing.T) {
			m, clock := newTestMonitor()
			obs := healthy(clock)
			test.modify(&obs)
			st := m.Evaluate(obs)
			assert.Equal(t, test.level, st.Level)
			assert.Equal(t, test.reason, st.Reason)
		})
	}
}

func TestWarningClears(t *testing.T) {
	m, clock := newTestMonitor()
	obs := healthy(clock)
	obs.Temperature = 65
	require.Equal(t, Warning, m.Evaluate(obs).Level)

	clock.Advance(time.Second)
	assert.Equal(t, Nominal, m.Evaluate(healthy(clock)).Level)
}

func TestLimitSwitchEscalates(t *testing.T) {
	m, clock := newTestMonitor()
	obs := healthy(clock)
	obs.LimitSwitches.ElevationUpper = true
	require.Equal(t, Warning, m.Evaluate(obs).Level)

	clock.Advance(500 * time.Millisecond)
	obs.Time = clock.Now()
	require.Equal(t, Warning, m.Evaluate(obs).Level)

	clock.Advance(600 * time.Millisecond)
	obs.Time = clock.Now()
	st := m.Evaluate(obs)
	assert.Equal(t, EmergencyStop, st.Level)
	assert.Equal(t, "limit switch: elevation upper", st.Reason)
}

func TestEmergencyStopLatches(t *testing.T) {
	m, clock := newTestMonitor()
	obs := healthy(clock)
	obs.HardwareErrors.Motor = true
	m.Evaluate(obs)

	clock.Advance(time.Second)
	st := m.Evaluate(healthy(clock))
	assert.Equal(t, EmergencyStop, st.Level)
	assert.Equal(t, ReasonMotorFault, st.Reason)
}

func TestManualTripOverrides(t *testing.T) {
	m, clock := newTestMonitor()
	obs := healthy(clock)
	obs.Temperature = 90
	require.Equal(t, ReasonOverTemp, m.Evaluate(obs).Reason)

	st := m.Trip("test")
	assert.Equal(t, EmergencyStop, st.Level)
	assert.Equal(t, ReasonManual, st.Reason)

	// Automatic reasons do not replace a manual stop.
	clock.Advance(time.Second)
	obs.Time = clock.Now()
	assert.Equal(t, ReasonManual, m.Evaluate(obs).Reason)
}

func TestReset(t *testing.T) {
	m, clock := newTestMonitor()
	m.Evaluate(healthy(clock))
	m.Trip("test")

	st, err := m.Reset()
	require.NoError(t, err)
	assert.Equal(t, Nominal, st.Level)
	assert.Equal(t, clock.Now(), st.Since)
}

func TestResetRefusedWhileActive(t *testing.T) {
	m, clock := newTestMonitor()
	obs := healthy(clock)
	obs.Temperature = 90
	m.Evaluate(obs)

	st, err := m.Reset()
	var refused *ResetRefusedError
	require.True(t, errors.As(err, &refused), "Reset = %v", err)
	assert.Equal(t, ReasonOverTemp, refused.Active)
	assert.Equal(t, EmergencyStop, st.Level)
	assert.Equal(t, EmergencyStop, m.State().Level)

	// Cooled down, but still warm enough to warn.
	clock.Advance(time.Minute)
	obs = healthy(clock)
	obs.Temperature = 65
	m.Evaluate(obs)
	st, err = m.Reset()
	require.NoError(t, err)
	assert.Equal(t, State{Level: Warning, Reason: ReasonHighTemp, Since: clock.Now()}, st)
}

func TestResetRefusedWhileDisconnected(t *testing.T) {
	m, clock := newTestMonitor()
	m.Evaluate(Observation{Time: clock.Now(), Link: LinkHealth{Fault: true}})

	// A new disconnect that has not yet exceeded the grace period.
	clock.Advance(time.Second)
	m.Evaluate(Observation{Time: clock.Now(), Link: LinkHealth{DisconnectedSince: clock.Now()}})
	_, err := m.Reset()
	assert.Error(t, err)

	m.Evaluate(healthy(clock))
	_, err = m.Reset()
	assert.NoError(t, err)
}

func TestResetOutsideEmergencyStop(t *testing.T) {
	m, clock := newTestMonitor()
	obs := healthy(clock)
	obs.Temperature = 65
	m.Evaluate(obs)
	st, err := m.Reset()
	require.NoError(t, err)
	assert.Equal(t, Warning, st.Level)
}

func TestTransitions(t *testing.T) {
	m, clock := newTestMonitor()
	var got []string
	m.OnTransition(func(from, to State) {
		got = append(got, from.String()+" -> "+to.String())
	})
	m.Evaluate(healthy(clock))
	m.Trip("test")
	m.Trip("test")
	m.Reset()

	assert.Equal(t, []string{
		"nominal -> emergency_stop(manual)",
		"emergency_stop(manual) -> nominal",
	}, got)
}

func TestLimitSwitchReason(t *testing.T) {
	obs := Observation{HasPosition: true, LimitSwitches: rotator.LimitSwitches{AzimuthCCW: true}, Link: LinkHealth{Connected: true}}
	m, _ := newTestMonitor()
	assert.Equal(t, "limit switch: azimuth CCW", m.Evaluate(obs).Reason)
}

func TestStateJSON(t *testing.T) {
	in := State{Level: EmergencyStop, Reason: ReasonLinkLost, Since: epoch}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"emergency_stop","reason":"link lost","since":"2024-06-01T00:00:00Z"}`, string(data))

	var out State
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	var l Level
	assert.Error(t, json.Unmarshal([]byte(`"panic"`), &l))
}
