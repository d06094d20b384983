// Package simulator emulates an EasyComm az/el rotator, including its
// drive dynamics, end stops and a motor temperature sensor.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Loosely inspired by https://github.com/rolandturner/ground-simulator/blob/master/Simulator.js

// Status is the simulated controller state. Fields with a report tag are
// answered by a bare query of that command.
type Status struct {
	AzPos float64 `report:"AZ"`
	ElPos float64 `report:"EL"`

	AzVel, ElVel float64

	// IP0 returns temperature
	Temperature float64 `report:"IP0,"`

	// IP1 returns the end stops
	AzimuthCCW, AzimuthCW          bool
	ElevationLower, ElevationUpper bool

	CommandAzPos, CommandElPos     float64
	CommandAzFlags, CommandElFlags string

	StatusRegister uint64 `report:"GS"`
	ErrorRegister  uint64 `report:"GE"`

	Version string `report:"VE"`
}

type Simulator struct {
	logger *slog.Logger

	mu      sync.Mutex
	status  Status
	stalled bool
}

func New(logger *slog.Logger) *Simulator {
	return &Simulator{
		logger: logger,
		status: Status{
			Version:        "sim",
			Temperature:    25,
			ErrorRegister:  1,
			CommandAzFlags: "NONE",
			CommandElFlags: "NONE",
		},
	}
}

// Dial returns a new connection to the simulator, served until either end
// closes it.
func (s *Simulator) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	a, b := net.Pipe()
	go s.serve(a)
	return b, nil
}

// SetStalled makes the simulator silently ignore all input.
func (s *Simulator) SetStalled(stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = stalled
}

func (s *Simulator) SetTemperature(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Temperature = t
}

// SetPosition moves the antenna instantly.
func (s *Simulator) SetPosition(az, el float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.AzPos, s.status.ElPos = az, el
	s.status.AzVel, s.status.ElVel = 0, 0
}

// SetErrorRegister sets the GE bit field.
func (s *Simulator) SetErrorRegister(reg uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ErrorRegister = reg
}

func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

var cmdRE = regexp.MustCompile(`^([\?A-Z]+)(.*)$`)

func (s *Simulator) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		input := scanner.Text()
		s.logger.Debug("srv->sim", "input", input)
		s.mu.Lock()
		if s.stalled {
			s.mu.Unlock()
			continue
		}
		reply, err := s.parseInput(input)
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("parsing simulator input", "input", input, "error", err)
			continue
		}
		for _, r := range reply {
			s.logger.Debug("sim->srv", "reply", r)
			if _, err := fmt.Fprintf(conn, "%s\n", r); err != nil {
				return
			}
		}
	}
}

func parseFloat(dest *float64, input string) error {
	f, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return err
	}
	*dest = f
	return nil
}

// parseInput applies one command word and returns the reply words.
func (s *Simulator) parseInput(input string) ([]string, error) {
	parts := cmdRE.FindStringSubmatch(input)
	if parts == nil {
		return nil, fmt.Errorf("unrecognized command %q", input)
	}
	cmd, parts := parts[1], strings.Split(parts[2], ",")
	if len(parts) == 1 && parts[0] == "" {
		parts = nil
	}
	switch cmd {
	case "SA":
		s.status.CommandAzFlags = "NONE"
		return nil, nil
	case "SE":
		s.status.CommandElFlags = "NONE"
		return nil, nil
	case "AZ":
		if len(parts) > 0 {
			s.status.CommandAzFlags = "POSITION"
			return nil, parseFloat(&s.status.CommandAzPos, parts[0])
		}
	case "EL":
		if len(parts) > 0 {
			s.status.CommandElFlags = "POSITION"
			return nil, parseFloat(&s.status.CommandElPos, parts[0])
		}
	case "IP":
		if len(parts) != 1 {
			return nil, fmt.Errorf("bad IP command %q", input)
		}
		switch parts[0] {
		case "0":
			return s.report("IP0,")
		case "1":
			return []string{fmt.Sprintf("IP1,%d,%d",
				switchCode(s.status.AzimuthCCW, s.status.AzimuthCW),
				switchCode(s.status.ElevationLower, s.status.ElevationUpper))}, nil
		}
		return nil, fmt.Errorf("unknown input %q", parts[0])
	}
	if len(parts) == 0 {
		return s.report(cmd)
	}
	return nil, fmt.Errorf("unknown command %q %+v", cmd, parts)
}

func switchCode(low, high bool) int {
	switch {
	case low:
		return 1
	case high:
		return 2
	}
	return 0
}

// report formats the field tagged cmd.
func (s *Simulator) report(cmd string) ([]string, error) {
	v := reflect.ValueOf(s.status)
	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		tag := field.Tag.Get("report")
		if tag == "" || tag == "-" || tag != cmd {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Float32, reflect.Float64:
			return []string{fmt.Sprintf("%s%3.2f", tag, fv.Float())}, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return []string{fmt.Sprintf("%s%d", tag, fv.Uint())}, nil
		case reflect.String:
			return []string{fmt.Sprintf("%s%s", tag, fv.String())}, nil
		default:
			return nil, fmt.Errorf("don't know how to send %s: %q", field.Name, tag)
		}
	}
	return nil, fmt.Errorf("unknown query %q", cmd)
}

const (
	// Maximum acceleration in degrees/second^2
	maxAccel = 30
	// Maximum velocity in degrees/second
	maxVel = 5
	minVel = 0.01
	// Acceleration due to drag when not driving
	dragAccel = 30
	// Physical elevation end stops, just outside the usual soft limits
	elStopLow  = -2
	elStopHigh = 92
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

// Run advances the simulation until ctx is canceled.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		s.Step(stepSize)
	}
}

// posServo returns a target velocity for the given move
func posServo(s, t float64, wrap bool) float64 {
	move := t - s
	if wrap {
		move = math.Remainder(move, 360)
	}
	delta := 2 * math.Abs(move)
	if delta > maxVel {
		delta = maxVel
	}
	if move < 0 {
		delta = -delta
	}
	return delta
}

// velServo returns an actual velocity for the given current and target velocity
func velServo(s, t float64, dt time.Duration) float64 {
	delta := math.Abs(t - s)
	if delta > maxAccel*dt.Seconds() {
		delta = maxAccel * dt.Seconds()
	}
	if t < s {
		delta = -delta
	}
	new := s + delta
	if math.Abs(new) < minVel {
		return 0
	}
	if new > maxVel {
		return maxVel
	} else if new < -maxVel {
		return -maxVel
	}
	return new
}

func drag(s float64, dt time.Duration) float64 {
	a := math.Abs(s)
	a -= dragAccel * dt.Seconds()
	if a < 0 {
		a = 0
	}
	if s < 0 {
		return -a
	}
	return a
}

// Step advances the simulation by dt.
func (s *Simulator) Step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	azStatus := 1
	if s.status.CommandAzFlags == "POSITION" {
		azStatus = 4 | 2
		s.status.AzVel = velServo(s.status.AzVel, posServo(s.status.AzPos, s.status.CommandAzPos, true), dt)
	} else {
		// Coasting
		s.status.AzVel = drag(s.status.AzVel, dt)
	}
	elStatus := 1
	if s.status.CommandElFlags == "POSITION" {
		elStatus = 4 | 2
		s.status.ElVel = velServo(s.status.ElVel, posServo(s.status.ElPos, s.status.CommandElPos, false), dt)
	} else {
		s.status.ElVel = drag(s.status.ElVel, dt)
	}

	s.status.AzPos = math.Mod(s.status.AzPos+s.status.AzVel*dt.Seconds()+360, 360)
	s.status.ElPos += s.status.ElVel * dt.Seconds()
	s.status.ElevationLower, s.status.ElevationUpper = false, false
	if s.status.ElPos <= elStopLow {
		s.status.ElPos = elStopLow
		s.status.ElVel = 0
		s.status.ElevationLower = true
	} else if s.status.ElPos >= elStopHigh {
		s.status.ElPos = elStopHigh
		s.status.ElVel = 0
		s.status.ElevationUpper = true
	}

	s.status.StatusRegister = uint64(azStatus + (elStatus << 8))
}
