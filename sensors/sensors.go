// Package sensors polls the Modbus safety I/O board that sits next to the
// rotator: motor temperatures, wind speed, supply voltage, the physical
// stop button and the drive power relay.
package sensors

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/w1xm/antenna_control/internal/modbus"
	"github.com/w1xm/antenna_control/internal/timeutil"
)

// Input registers
const (
	regAzTemp = iota
	regElTemp
	regWind
	regVoltage
	regStopButton
	numRegs
)

// coilDrivePower enables the motor drive supply.
const coilDrivePower = 0

// Reading is one poll of the board. Valid is false until the first
// successful poll and after the board stops answering.
type Reading struct {
	Valid       bool      `json:"valid"`
	Time        time.Time `json:"time"`
	AzMotorTemp float64   `json:"az_motor_temp"`
	ElMotorTemp float64   `json:"el_motor_temp"`
	WindSpeed   float64   `json:"wind_speed"`
	Voltage     float64   `json:"voltage"`
	StopButton  bool      `json:"stop_button"`
	DrivePower  bool      `json:"drive_power"`
}

type Config struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	SlaveID  byte   `yaml:"slave_id"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	// PollInterval defaults to 200ms
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Board struct {
	clock  timeutil.Clock
	logger *slog.Logger

	client *modbus.Client
	// ioMu serializes Modbus transactions. mu guards latest only and is
	// never held across I/O, so Latest does not wait on the board.
	ioMu   sync.Mutex
	mu     sync.Mutex
	latest Reading
}

func Connect(ctx context.Context, cfg Config, clock timeutil.Clock, logger *slog.Logger) (*Board, error) {
	if cfg.SlaveID == 0 {
		cfg.SlaveID = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	b := &Board{
		clock:  clock,
		logger: logger,
		client: &modbus.Client{
			Port:         cfg.Port,
			BaudRate:     cfg.Baud,
			SlaveId:      cfg.SlaveID,
			URL:          cfg.URL,
			Password:     cfg.Password,
			PollInterval: cfg.PollInterval,
			Logger:       logger,
		},
	}
	b.client.Poll = b.pollOnce
	b.client.Disconnected = b.invalidate
	return b, b.client.Connect(ctx)
}

// Latest returns the most recent reading.
func (b *Board) Latest() Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

func (b *Board) invalidate(error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest.Valid = false
}

func (b *Board) pollOnce() error {
	r, err := b.read()
	if err != nil {
		return err
	}
	r.Time = b.clock.Now()
	b.mu.Lock()
	b.latest = r
	b.mu.Unlock()
	return nil
}

func (b *Board) read() (Reading, error) {
	b.ioMu.Lock()
	defer b.ioMu.Unlock()
	results, err := b.client.ReadInputRegisters(0, numRegs)
	if err != nil {
		return Reading{}, err
	}
	coils, err := b.client.ReadCoils(coilDrivePower, 1)
	if err != nil {
		return Reading{}, err
	}
	return parseRegisters(results, modbus.BytesToBits(coils))
}

func parseRegisters(regs []byte, coils []bool) (Reading, error) {
	if len(regs) < 2*numRegs || len(coils) < 1 {
		return Reading{}, fmt.Errorf("short read: %d register bytes, %d coils", len(regs), len(coils))
	}
	reg := func(i int) uint16 {
		return binary.BigEndian.Uint16(regs[2*i:])
	}
	return Reading{
		Valid: true,
		// Temperatures are signed tenths of a degree.
		AzMotorTemp: float64(int16(reg(regAzTemp))) / 10,
		ElMotorTemp: float64(int16(reg(regElTemp))) / 10,
		WindSpeed:   float64(reg(regWind)) / 10,
		Voltage:     float64(reg(regVoltage)) / 100,
		StopButton:  reg(regStopButton) != 0,
		DrivePower:  coils[coilDrivePower],
	}, nil
}

// SetDrivePower switches the drive supply relay.
func (b *Board) SetDrivePower(enabled bool) error {
	b.ioMu.Lock()
	err := b.client.WriteCoil(coilDrivePower, enabled)
	b.ioMu.Unlock()
	if err != nil {
		return err
	}
	b.logger.Info("drive power", "enabled", enabled)
	b.mu.Lock()
	b.latest.DrivePower = enabled
	b.mu.Unlock()
	return nil
}
