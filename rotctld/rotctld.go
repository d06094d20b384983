// Package rotctld serves the Hamlib rotctld network protocol so tracking
// programs such as gpredict can point the antenna.
//
// Commands are one per line, in short form ("P 180 45") or long form
// ("\set_pos 180 45"). A leading '+' selects extended responses, which
// echo the command name and always end with an RPRT line.
package rotctld

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/w1xm/antenna_control/arbiter"
	"github.com/w1xm/antenna_control/metrics"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/telemetry"
)

// Hamlib status codes
const (
	rprtOK       = 0
	rprtEINVAL   = -1
	rprtENIMPL   = -4
	rprtETIMEOUT = -5
	rprtEIO      = -6
	rprtERJCTED  = -9
)

// Commander accepts commands on behalf of the network source.
type Commander interface {
	Submit(ctx context.Context, req arbiter.Request) (arbiter.Accepted, error)
}

// StatusSource provides the latest published snapshot without blocking.
type StatusSource interface {
	Latest() *telemetry.Snapshot
}

type Server struct {
	arb     Commander
	status  StatusSource
	limits  position.Limits
	logger  *slog.Logger
	metrics *metrics.Collector

	// Timeout bounds each command. Defaults to 5s.
	Timeout time.Duration
}

func New(arb Commander, status StatusSource, limits position.Limits, logger *slog.Logger, m *metrics.Collector) *Server {
	return &Server{
		arb:     arb,
		status:  status,
		limits:  limits,
		logger:  logger,
		metrics: m,
		Timeout: 5 * time.Second,
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("rotctld listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// every open connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})
	go func() {
		<-ctx.Done()
		s.logger.Info("shutdown; closing rotctld socket")
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("failed to accept", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}

// DecodeError describes a line that could not be parsed.
type DecodeError struct {
	Line string
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bad command %q: %s", e.Line, e.Msg)
}

type command struct {
	name     string
	args     []string
	extended bool
}

var shortNames = map[byte]string{
	'P': "set_pos",
	'p': "get_pos",
	'S': "stop",
	'K': "park",
	'R': "reset",
	'_': "get_info",
	'1': "dump_caps",
	'M': "move",
	'q': "quit",
	'Q': "quit",
}

// parseLine splits a request line. It returns a nil command for blank lines.
func parseLine(line string) (*command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	c := &command{}
	if line[0] == '+' {
		c.extended = true
		line = strings.TrimSpace(line[1:])
		if line == "" {
			return nil, &DecodeError{Line: "+", Msg: "missing command"}
		}
	}
	if line[0] == '\\' {
		fields := strings.Fields(line[1:])
		if len(fields) == 0 {
			return nil, &DecodeError{Line: line, Msg: "missing command name"}
		}
		c.name, c.args = fields[0], fields[1:]
		return c, nil
	}
	name, ok := shortNames[line[0]]
	if !ok {
		// Unknown short commands are answered with ENIMPL.
		name = line[:1]
	}
	// Space after a short command is optional.
	c.name, c.args = name, strings.Fields(line[1:])
	return c, nil
}

type response struct {
	lines []string
	rprt  int
	// always print RPRT, even outside extended mode
	report bool
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	logger := s.logger.With("remote", remote)
	logger.Info("accepted connection")
	s.metrics.ClientConnected(1)
	defer s.metrics.ClientConnected(-1)

	w := bufio.NewWriter(conn)
	r := bufio.NewReaderSize(conn, maxLine)
	for {
		var cmd *command
		line, err := readLine(r)
		var de *DecodeError
		if err != nil && !errors.As(err, &de) {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				logger.Info("reading", "error", err)
			}
			break
		}
		if err == nil {
			cmd, err = parseLine(line)
		}
		if err != nil {
			logger.Info("malformed command", "error", err)
			fmt.Fprintf(w, "RPRT %d\n", rprtEINVAL)
			if w.Flush() != nil {
				return
			}
			continue
		}
		if cmd == nil {
			continue
		}
		if cmd.name == "quit" {
			return
		}
		logger.Debug("command", "cmd", cmd.name, "args", cmd.args)
		resp := s.execute(ctx, cmd)
		if cmd.extended {
			fmt.Fprintf(w, "%s:", cmd.name)
			for _, a := range cmd.args {
				fmt.Fprintf(w, " %s", a)
			}
			fmt.Fprint(w, "\n")
		}
		for _, l := range resp.lines {
			fmt.Fprintf(w, "%s\n", l)
		}
		if cmd.extended || resp.report || resp.rprt != rprtOK {
			fmt.Fprintf(w, "RPRT %d\n", resp.rprt)
		}
		if err := w.Flush(); err != nil {
			logger.Info("writing response", "error", err)
			return
		}
	}
	logger.Info("connection closed")
}

// maxLine bounds a request line.
const maxLine = 4096

// readLine returns the next line without its terminator. A line longer
// than maxLine is discarded and reported as a DecodeError.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		n := len(line)
		for errors.Is(err, bufio.ErrBufferFull) {
			line, err = r.ReadSlice('\n')
			n += len(line)
		}
		if err != nil {
			return "", err
		}
		return "", &DecodeError{Msg: fmt.Sprintf("line too long (%d bytes)", n)}
	}
	if err != nil && (!errors.Is(err, io.EOF) || len(line) == 0) {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (s *Server) execute(ctx context.Context, cmd *command) response {
	switch cmd.name {
	case "set_pos":
		if len(cmd.args) != 2 {
			return response{rprt: rprtEINVAL}
		}
		az, err := strconv.ParseFloat(cmd.args[0], 64)
		if err != nil {
			return response{rprt: rprtEINVAL}
		}
		el, err := strconv.ParseFloat(cmd.args[1], 64)
		if err != nil {
			return response{rprt: rprtEINVAL}
		}
		// Clients with a -180..180 azimuth range send negative values.
		if az < 0 && az >= -360 {
			az += 360
		}
		return s.submit(ctx, arbiter.Request{Kind: arbiter.Move, Target: position.Position{Azimuth: az, Elevation: el}})
	case "get_pos":
		snap := s.status.Latest()
		if !snap.PositionValid {
			return response{rprt: rprtEIO}
		}
		if cmd.extended {
			return response{lines: []string{
				fmt.Sprintf("Azimuth: %.6f", snap.Position.Azimuth),
				fmt.Sprintf("Elevation: %.6f", snap.Position.Elevation),
			}}
		}
		return response{lines: []string{
			fmt.Sprintf("%.6f", snap.Position.Azimuth),
			fmt.Sprintf("%.6f", snap.Position.Elevation),
		}}
	case "stop":
		return s.submit(ctx, arbiter.Request{Kind: arbiter.Stop})
	case "park":
		return s.submit(ctx, arbiter.Request{Kind: arbiter.Park})
	case "reset":
		return s.submit(ctx, arbiter.Request{Kind: arbiter.Reset})
	case "estop":
		// Long form only; there is no short letter for it.
		return s.submit(ctx, arbiter.Request{Kind: arbiter.EmergencyStop})
	case "get_info":
		if cmd.extended {
			return response{lines: []string{"Info: antenna_control EasyComm"}}
		}
		return response{lines: []string{"antenna_control EasyComm"}}
	case "dump_caps":
		return response{lines: s.caps()}
	case "dump_state":
		return response{lines: []string{
			"0",
			"1",
			fmt.Sprintf("%f", s.limits.AzMin),
			fmt.Sprintf("%f", s.limits.AzMax),
			fmt.Sprintf("%f", s.limits.ElMin),
			fmt.Sprintf("%f", s.limits.ElMax),
		}}
	}
	return response{rprt: rprtENIMPL}
}

func (s *Server) caps() []string {
	return []string{
		"Model name: antenna_control",
		"Mfg name: W1XM",
		"Rot type: Az-El",
		fmt.Sprintf("Min Azimuth: %.2f", s.limits.AzMin),
		fmt.Sprintf("Max Azimuth: %.2f", s.limits.AzMax),
		fmt.Sprintf("Min Elevation: %.2f", s.limits.ElMin),
		fmt.Sprintf("Max Elevation: %.2f", s.limits.ElMax),
		"Can set Position: Y",
		"Can get Position: Y",
		"Can Stop: Y",
		"Can Park: Y",
		"Can Reset: Y",
		"Can Move: N",
		"Can get Info: Y",
	}
}

func (s *Server) submit(ctx context.Context, req arbiter.Request) response {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	req.Source = arbiter.Network
	_, err := s.arb.Submit(ctx, req)
	return response{rprt: rprtFor(err), report: true}
}

// rprtFor maps a Submit result to a Hamlib status code.
func rprtFor(err error) int {
	if err == nil {
		return rprtOK
	}
	switch arbiter.ReasonOf(err) {
	case arbiter.OutOfLimits:
		return rprtEINVAL
	case arbiter.SafetyInterlock:
		return rprtERJCTED
	}
	if errors.Is(err, rotator.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return rprtETIMEOUT
	}
	return rprtEIO
}
