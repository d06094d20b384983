// Package carryout drives a Winegard Carryout dish through the console
// port of its firmware shell.
//
// Commands are words terminated by a carriage return:
//
//	q, CR        return to the root menu; q also ends a move
//	target       enter the targeting menu
//	g <az> <el>  go to az/el in degrees (targeting menu)
//	test         run the self test
//
// The shell echoes every command, so each call has either some output or a
// timeout. While the motors run the firmware prints live position lines.
// After the first word of such a line, the azimuth in hundredths of a
// degree is the third word before "el" and the elevation the second word
// after it. There is no command that reports the position at rest, so
// QueryPosition returns the last live position.
package carryout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/w1xm/antenna_control/internal/serialport"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"golang.org/x/sync/errgroup"
)

const DefaultBaud = 57600

// maxLine bounds a partial line held by the reader.
const maxLine = 1024

// ErrNoPosition is returned by QueryPosition before the dish has reported
// any position and no initial position is configured.
var ErrNoPosition = errors.New("no live position reported yet")

// DialFunc opens a new session to the dish.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

type Config struct {
	// Port and Baud open a local serial port. Baud defaults to 57600.
	Port string
	Baud int
	// Timeout bounds every operation. Defaults to 2s.
	Timeout time.Duration
	// Initial is reported by QueryPosition until the first live position
	// arrives, usually the stow position the dish homes to at power on.
	Initial *position.Position
	// Dial replaces the serial port.
	Dial DialFunc
}

// Rotator implements rotator.Link for a Carryout dish.
type Rotator struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger

	mu   sync.Mutex
	sess *session

	// live outlives sessions: the dish stays where it last reported.
	liveMu   sync.Mutex
	live     position.Position
	haveLive bool
}

var _ rotator.Link = (*Rotator)(nil)

func New(cfg Config, logger *slog.Logger) *Rotator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	r := &Rotator{cfg: cfg, dial: cfg.Dial, logger: logger}
	if r.dial == nil {
		r.dial = func(ctx context.Context) (io.ReadWriteCloser, error) {
			return serialport.Open(cfg.Port, cfg.Baud)
		}
	}
	if cfg.Initial != nil {
		r.live, r.haveLive = *cfg.Initial, true
	}
	return r
}

type session struct {
	conn     io.ReadWriteCloser
	lines    chan string
	activity chan struct{}
	done     chan struct{}
	err      error
	cancel   context.CancelFunc
}

func newSession(conn io.ReadWriteCloser, onLine func(string), logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		lines:    make(chan string, 64),
		activity: make(chan struct{}, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		buf := make([]byte, 256)
		var pending []byte
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				select {
				case s.activity <- struct{}{}:
				default:
				}
				pending = append(pending, buf[:n]...)
				for {
					i := bytes.IndexAny(pending, "\r\n")
					if i < 0 {
						break
					}
					line := strings.TrimSpace(string(pending[:i]))
					pending = pending[i+1:]
					if line == "" {
						continue
					}
					onLine(line)
					select {
					case s.lines <- line:
					default:
						logger.Debug("dropping dish output", "line", line)
					}
				}
				if len(pending) > maxLine {
					pending = pending[:0]
				}
			}
			if err != nil {
				return fmt.Errorf("reading port: %w", err)
			}
		}
	})
	go func() {
		s.err = g.Wait()
		close(s.done)
	}()
	return s
}

// Connect opens the port, returns the shell to its root menu and waits for
// the prompt.
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
	r.sess = newSession(conn, r.observe, r.logger)
	if err := r.exchangeLocked(ctx, "connect", "q\r\r"); err != nil {
		return err
	}
	r.logger.Info("carryout connected", "port", r.cfg.Port)
	return nil
}

func (r *Rotator) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
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
		r.logger.Warn("carryout disconnected", "port", r.cfg.Port, "error", cause)
	}
	r.sess.cancel()
	r.sess = nil
}

// MoveTo leaves whatever menu the shell is in and starts a move. The dish
// keeps printing its position until it arrives.
func (r *Rotator) MoveTo(ctx context.Context, target position.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := fmt.Sprintf("q\rtarget\rg %.2f %.2f\r", target.Azimuth, target.Elevation)
	return r.exchangeLocked(ctx, "move", cmd)
}

// Stop returns the shell to the root menu, which ends a move.
func (r *Rotator) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exchangeLocked(ctx, "stop", "q\r\r")
}

// QueryPosition reports the last live position. It fails with a protocol
// error until the dish has reported one.
func (r *Rotator) QueryPosition(ctx context.Context) (rotator.Reading, error) {
	r.mu.Lock()
	sess := r.sess
	if sess == nil {
		r.mu.Unlock()
		return rotator.Reading{}, rotator.NewError(rotator.Disconnected, "query", nil)
	}
	select {
	case <-sess.done:
		err := rotator.NewError(rotator.IOError, "query", sessionErr(sess))
		r.dropLocked(err)
		r.mu.Unlock()
		return rotator.Reading{}, err
	default:
	}
	r.mu.Unlock()

	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	if !r.haveLive {
		return rotator.Reading{}, rotator.NewError(rotator.ProtocolError, "query", ErrNoPosition)
	}
	p := r.live
	p.Time = time.Now()
	return rotator.Reading{Position: p}, nil
}

// SelfTest runs the firmware self test and returns what it printed during
// one timeout period.
func (r *Rotator) SelfTest(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.exchangeLocked(ctx, "test", "q\rtest\r"); err != nil {
		return nil, err
	}
	sess := r.sess
	t := time.NewTimer(r.cfg.Timeout)
	defer t.Stop()
	var out []string
	for {
		select {
		case line := <-sess.lines:
			out = append(out, line)
		case <-sess.done:
			err := rotator.NewError(rotator.IOError, "test", sessionErr(sess))
			r.dropLocked(err)
			return out, err
		case <-t.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// observe records live positions as the reader sees them.
func (r *Rotator) observe(line string) {
	p, ok := parsePosition(line)
	if !ok {
		return
	}
	r.liveMu.Lock()
	r.live, r.haveLive = p, true
	r.liveMu.Unlock()
}

// exchangeLocked writes cmd and waits for the shell to print anything. Any
// failure ends the session.
func (r *Rotator) exchangeLocked(ctx context.Context, op, cmd string) error {
	sess := r.sess
	if sess == nil {
		return rotator.NewError(rotator.Disconnected, op, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

drain:
	for {
		select {
		case <-sess.activity:
		case <-sess.lines:
		default:
			break drain
		}
	}

	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(sess.conn, cmd)
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			err = rotator.NewError(rotator.IOError, op, err)
			r.dropLocked(err)
			return err
		}
	case <-ctx.Done():
		err := rotator.NewError(rotator.Timeout, op, ctx.Err())
		r.dropLocked(err)
		return err
	}

	select {
	case <-sess.activity:
		return nil
	case <-sess.done:
		err := rotator.NewError(rotator.IOError, op, sessionErr(sess))
		r.dropLocked(err)
		return err
	case <-ctx.Done():
		err := rotator.NewError(rotator.Timeout, op, ctx.Err())
		r.dropLocked(err)
		return err
	}
}

func sessionErr(s *session) error {
	if s.err == nil {
		return io.EOF
	}
	return s.err
}

// parsePosition extracts a live position from a line of firmware output.
// Words are stripped of everything but lower case letters and digits.
func parsePosition(line string) (position.Position, bool) {
	words := strings.Fields(line)
	if len(words) < 2 {
		return position.Position{}, false
	}
	words = words[1:]
	for i := range words {
		words[i] = strings.Map(func(c rune) rune {
			c = unicode.ToLower(c)
			if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
				return c
			}
			return -1
		}, words[i])
	}
	for i, w := range words {
		if w != "el" || i < 3 || i+2 >= len(words) {
			continue
		}
		az, err := strconv.Atoi(words[i-3])
		if err != nil {
			return position.Position{}, false
		}
		elWord := words[i+2]
		if len(elWord) > 4 {
			elWord = elWord[:4]
		}
		el, err := strconv.Atoi(elWord)
		if err != nil {
			return position.Position{}, false
		}
		return position.Position{Azimuth: float64(az) / 100, Elevation: float64(el) / 100}, true
	}
	return position.Position{}, false
}
