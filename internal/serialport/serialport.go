// Package serialport opens a local serial port for the rotator drivers.
package serialport

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// pollInterval is the serial read timeout. A blocked read on the port only
// notices Close when it wakes up.
const pollInterval = 100 * time.Millisecond

// serialPort hides the empty reads that a read timeout produces.
type serialPort struct {
	port   *serial.Port
	closed atomic.Bool
}

// Open opens name at baud with a short read timeout. Close unblocks a
// pending Read within one poll interval.
func Open(name string, baud int) (io.ReadWriteCloser, error) {
	c := &serial.Config{Name: name, Baud: baud, ReadTimeout: pollInterval}
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return &serialPort{port: p}, nil
}

func (p *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := p.port.Read(b)
		if p.closed.Load() {
			return n, io.ErrClosedPipe
		}
		if n == 0 && (err == nil || err == io.EOF) {
			continue
		}
		return n, err
	}
}

func (p *serialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *serialPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.port.Close()
}
