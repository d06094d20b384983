// Package easycomm drives an az/el rotator speaking the EasyComm II/III
// serial protocol.
//
// Protocol docs at https://github.com/Hamlib/Hamlib/blob/master/rotators/easycomm/easycomm.txt
//
// Requests are space separated words terminated by a newline. Every
// operation ends with a word that the controller answers, so each call has
// either a reply or a timeout:
//
//	move:   AZ<az> EL<el> GS      ->  GS<status register>
//	stop:   SA SE GS              ->  GS<status register>
//	query:  AZ EL IP0 IP1 GE      ->  AZ<az> EL<el> IP0,<temp> IP1,<az sw>,<el sw> GE<errors>
//	ident:  VE                    ->  VE<version>
//
// Limit switch codes are 1=CCW 2=CW for azimuth and 1=lower 2=upper for
// elevation. The error register is a bit field: 1 none, 2 sensor, 4 homing,
// 8 motor.
package easycomm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/w1xm/antenna_control/internal/serialport"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"golang.org/x/sync/errgroup"
)

// DialFunc opens a new session to the controller.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

type Config struct {
	// Port and Baud open a local serial port.
	Port string
	Baud int
	// Timeout bounds every operation. Defaults to 2s.
	Timeout time.Duration
	// Dial replaces the serial port, e.g. with the simulator.
	Dial DialFunc
}

// Rotator implements rotator.Link for an EasyComm controller.
type Rotator struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger

	mu      sync.Mutex
	sess    *session
	version string
}

var _ rotator.Link = (*Rotator)(nil)

func New(cfg Config, logger *slog.Logger) *Rotator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	r := &Rotator{cfg: cfg, dial: cfg.Dial, logger: logger}
	if r.dial == nil {
		r.dial = func(ctx context.Context) (io.ReadWriteCloser, error) {
			return serialport.Open(cfg.Port, cfg.Baud)
		}
	}
	return r
}

// session is one open connection and its reader.
type session struct {
	conn   io.ReadWriteCloser
	words  chan string
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func newSession(conn io.ReadWriteCloser, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		words:  make(chan string, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for the session to end, then close the connection.
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(conn)
		scanner.Split(bufio.ScanWords)
		for scanner.Scan() {
			select {
			case s.words <- scanner.Text():
			default:
				logger.Debug("dropping unsolicited rotator output", "word", scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		return io.EOF
	})
	go func() {
		s.err = g.Wait()
		close(s.done)
	}()
	return s
}

func (s *session) close() {
	s.cancel()
}

// Connect opens the port and checks that the controller answers.
func (r *Rotator) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	conn, err := r.dial(dialCtx)
	if err != nil {
		return rotator.NewError(rotator.IOError, "connect", err)
	}
	r.sess = newSession(conn, r.logger)
	replies, err := r.exchangeLocked(ctx, "connect", "VE", "VE")
	if err != nil {
		return err
	}
	r.version = replies["VE"]
	r.logger.Info("rotator connected", "port", r.cfg.Port, "version", r.version)
	return nil
}

func (r *Rotator) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
}

func (r *Rotator) Version() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(nil)
	return nil
}

func (r *Rotator) dropLocked(cause error) {
	if r.sess == nil {
		return
	}
	if cause != nil {
		r.logger.Warn("rotator disconnected", "port", r.cfg.Port, "error", cause)
	}
	r.sess.close()
	r.sess = nil
}

func (r *Rotator) MoveTo(ctx context.Context, target position.Position) error {
	cmd := fmt.Sprintf("AZ%03.1f EL%03.1f GS", target.Azimuth, target.Elevation)
	_, err := r.exchange(ctx, "move", cmd, "GS")
	return err
}

func (r *Rotator) Stop(ctx context.Context) error {
	_, err := r.exchange(ctx, "stop", "SA SE GS", "GS")
	return err
}

func (r *Rotator) QueryPosition(ctx context.Context) (rotator.Reading, error) {
	replies, err := r.exchange(ctx, "query", "AZ EL IP0 IP1 GE", "AZ", "EL", "IP0", "IP1", "GE")
	if err != nil {
		return rotator.Reading{}, err
	}
	reading, err := parseReading(replies)
	if err != nil {
		err = rotator.NewError(rotator.ProtocolError, "query", err)
		r.mu.Lock()
		r.dropLocked(err)
		r.mu.Unlock()
		return rotator.Reading{}, err
	}
	reading.Position.Time = time.Now()
	return reading, nil
}

func (r *Rotator) exchange(ctx context.Context, op, cmd string, keys ...string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exchangeLocked(ctx, op, cmd, keys...)
}

// exchangeLocked writes cmd and collects one reply word for each key. Any
// failure ends the session.
func (r *Rotator) exchangeLocked(ctx context.Context, op, cmd string, keys ...string) (map[string]string, error) {
	sess := r.sess
	if sess == nil {
		return nil, rotator.NewError(rotator.Disconnected, op, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	// Discard anything left over from an earlier exchange.
drain:
	for {
		select {
		case <-sess.words:
		default:
			break drain
		}
	}

	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(sess.conn, cmd+"\n")
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			err = rotator.NewError(rotator.IOError, op, err)
			r.dropLocked(err)
			return nil, err
		}
	case <-ctx.Done():
		err := rotator.NewError(rotator.Timeout, op, ctx.Err())
		r.dropLocked(err)
		return nil, err
	}

	replies := make(map[string]string, len(keys))
	for len(replies) < len(keys) {
		select {
		case word := <-sess.words:
			key, value := splitWord(word)
			for _, k := range keys {
				if k == key {
					replies[key] = value
				}
			}
		case <-sess.done:
			cause := sess.err
			if cause == nil {
				cause = io.EOF
			}
			err := rotator.NewError(rotator.IOError, op, cause)
			r.dropLocked(err)
			return nil, err
		case <-ctx.Done():
			err := rotator.NewError(rotator.Timeout, op, ctx.Err())
			r.dropLocked(err)
			return nil, err
		}
	}
	return replies, nil
}

// splitWord separates a reply word into its command key and value.
// "IP0,35.6" has key "IP0"; "AZ170.0" has key "AZ".
func splitWord(word string) (string, string) {
	if strings.HasPrefix(word, "IP") {
		if i := strings.IndexByte(word, ','); i > 0 {
			return word[:i], word[i+1:]
		}
		return word, ""
	}
	if len(word) < 2 {
		return word, ""
	}
	return word[:2], word[2:]
}

func parseReading(replies map[string]string) (rotator.Reading, error) {
	var reading rotator.Reading
	if err := parseFloat(&reading.Position.Azimuth, replies["AZ"]); err != nil {
		return reading, fmt.Errorf("AZ: %w", err)
	}
	if err := parseFloat(&reading.Position.Elevation, replies["EL"]); err != nil {
		return reading, fmt.Errorf("EL: %w", err)
	}
	if err := parseFloat(&reading.Temperature, replies["IP0"]); err != nil {
		return reading, fmt.Errorf("IP0: %w", err)
	}
	parts := strings.Split(replies["IP1"], ",")
	if len(parts) != 2 {
		return reading, errors.New("IP1: truncated list")
	}
	az, err := strconv.Atoi(parts[0])
	if err != nil {
		return reading, fmt.Errorf("IP1: %w", err)
	}
	el, err := strconv.Atoi(parts[1])
	if err != nil {
		return reading, fmt.Errorf("IP1: %w", err)
	}
	reading.LimitSwitches = rotator.LimitSwitches{
		AzimuthCCW:     az == 1,
		AzimuthCW:      az == 2,
		ElevationLower: el == 1,
		ElevationUpper: el == 2,
	}
	ge, err := strconv.ParseUint(replies["GE"], 10, 64)
	if err != nil {
		return reading, fmt.Errorf("GE: %w", err)
	}
	reading.Errors = rotator.HardwareErrors{
		Sensor: ge&2 != 0,
		Homing: ge&4 != 0,
		Motor:  ge&8 != 0,
	}
	return reading, nil
}

func parseFloat(dest *float64, input string) error {
	f, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return err
	}
	*dest = f
	return nil
}
