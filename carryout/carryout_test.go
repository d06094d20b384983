package carryout

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParsePosition(t *testing.T) {
	for _, test := range []struct {
		line string
		want position.Position
		ok   bool
	}{
		{"Pos 18000 0 0 el 0 4500", position.Position{Azimuth: 180, Elevation: 45}, true},
		{"Pos 9050, x: y: EL= 0 2250", position.Position{Azimuth: 90.5, Elevation: 22.5}, true},
		{"Pos 100 0 0 el 0 1234567", position.Position{Azimuth: 1, Elevation: 12.34}, true},
		{"el 0 0 el 0 4500", position.Position{}, false},
		{"Pos 0 el 0 4500", position.Position{}, false},
		{"Pos 18000 0 0 el 0", position.Position{}, false},
		{"Pos abc 0 0 el 0 4500", position.Position{}, false},
		{"Carryout>", position.Position{}, false},
		{"", position.Position{}, false},
	} {
		t.Run(test.line, func(t *testing.T) {
			got, ok := parsePosition(test.line)
			if ok != test.ok {
				t.Fatalf("parsePosition(%q) ok = %v, want %v", test.line, ok, test.ok)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("unexpected position: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

// dish plays the firmware shell on the far end of a pipe. It answers a
// batch of commands once, after the last of them.
type dish struct {
	mu       sync.Mutex
	commands []string
	silent   bool
	conn     net.Conn
}

func (d *dish) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	d.mu.Lock()
	d.conn = server
	d.mu.Unlock()
	go d.serve(server)
	return client, nil
}

func (d *dish) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		cmd, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd = strings.TrimSuffix(cmd, "\r")
		d.mu.Lock()
		d.commands = append(d.commands, cmd)
		silent := d.silent
		d.mu.Unlock()
		if silent || r.Buffered() > 0 {
			continue
		}
		var out string
		switch fields := strings.Fields(cmd); {
		case len(fields) == 3 && fields[0] == "g":
			az, _ := strconv.ParseFloat(fields[1], 64)
			el, _ := strconv.ParseFloat(fields[2], 64)
			out = fmt.Sprintf("%s\r\nPos %d 0 0 el 0 %04d\r\nTRK> ", cmd, int(math.Round(az*100)), int(math.Round(el*100)))
		case cmd == "test":
			out = "test\r\nazimuth motor ok\r\nelevation motor ok\r\n> "
		default:
			out = cmd + "\r\n> "
		}
		if _, err := io.WriteString(conn, out); err != nil {
			return
		}
	}
}

func (d *dish) setSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

func (d *dish) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// waitCommands returns the commands once at least n have arrived. A call
// returns at the first echo, before the dish has read the rest.
func (d *dish) waitCommands(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		cmds := d.Commands()
		if len(cmds) >= n || time.Now().After(deadline) {
			return cmds
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (d *dish) hangUp() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn.Close()
}

func newDishRotator(t *testing.T, cfg Config) (*Rotator, *dish) {
	t.Helper()
	d := &dish{}
	cfg.Port = "dish"
	cfg.Dial = d.dial
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	r := New(cfg, discardLogger())
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, d
}

func TestConnect(t *testing.T) {
	r, d := newDishRotator(t, Config{})
	if !r.Connected() {
		t.Fatal("not connected after Connect")
	}
	if diff := cmp.Diff([]string{"q", ""}, d.waitCommands(t, 2)); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestMoveReportsLivePosition(t *testing.T) {
	r, d := newDishRotator(t, Config{})
	ctx := context.Background()

	_, err := r.QueryPosition(ctx)
	if !errors.Is(err, rotator.ErrProtocol) || !errors.Is(err, ErrNoPosition) {
		t.Fatalf("QueryPosition before any move = %v, want no position", err)
	}
	if !r.Connected() {
		t.Fatal("missing position dropped the session")
	}

	if err := r.MoveTo(ctx, position.Position{Azimuth: 123.45, Elevation: 30}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	want := []string{"q", "", "q", "target", "g 123.45 30.00"}
	if diff := cmp.Diff(want, d.waitCommands(t, len(want))); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}

	// The position line can trail the echo that completed MoveTo.
	deadline := time.Now().Add(time.Second)
	for {
		reading, err := r.QueryPosition(ctx)
		if err == nil {
			got := position.Position{Azimuth: reading.Position.Azimuth, Elevation: reading.Position.Elevation}
			if diff := cmp.Diff(position.Position{Azimuth: 123.45, Elevation: 30}, got); diff != "" {
				t.Errorf("unexpected position: got(-)/want(+):\n%s", diff)
			}
			if reading.Position.Time.IsZero() {
				t.Error("reading has no time")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("QueryPosition after move: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitialPosition(t *testing.T) {
	r, _ := newDishRotator(t, Config{Initial: &position.Position{Azimuth: 10, Elevation: 18}})
	reading, err := r.QueryPosition(context.Background())
	if err != nil {
		t.Fatalf("QueryPosition: %v", err)
	}
	if reading.Position.Azimuth != 10 || reading.Position.Elevation != 18 {
		t.Errorf("QueryPosition = %+v, want the initial position", reading.Position)
	}
}

func TestStop(t *testing.T) {
	r, d := newDishRotator(t, Config{})
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if diff := cmp.Diff([]string{"q", "", "q", ""}, d.waitCommands(t, 4)); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestSelfTest(t *testing.T) {
	r, _ := newDishRotator(t, Config{Timeout: 100 * time.Millisecond})
	out, err := r.SelfTest(context.Background())
	if err != nil {
		t.Fatalf("SelfTest: %v", err)
	}
	joined := strings.Join(out, "\n")
	if !strings.Contains(joined, "azimuth motor ok") || !strings.Contains(joined, "elevation motor ok") {
		t.Errorf("SelfTest output = %q", out)
	}
}

func TestTimeoutDropsSession(t *testing.T) {
	r, d := newDishRotator(t, Config{Timeout: 50 * time.Millisecond})
	d.setSilent(true)
	err := r.MoveTo(context.Background(), position.Position{Azimuth: 1, Elevation: 1})
	if !errors.Is(err, rotator.ErrTimeout) {
		t.Fatalf("MoveTo on a silent dish = %v, want timeout", err)
	}
	if r.Connected() {
		t.Error("still connected after timeout")
	}
	if err := r.Stop(context.Background()); !errors.Is(err, rotator.ErrDisconnected) {
		t.Errorf("Stop after drop = %v, want disconnected", err)
	}

	d.setSilent(false)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}

func TestLivePositionSurvivesReconnect(t *testing.T) {
	r, d := newDishRotator(t, Config{Timeout: 50 * time.Millisecond})
	ctx := context.Background()
	if err := r.MoveTo(ctx, position.Position{Azimuth: 200, Elevation: 40}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := r.QueryPosition(ctx); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no live position after move")
		}
		time.Sleep(5 * time.Millisecond)
	}

	d.hangUp()
	deadline = time.Now().Add(time.Second)
	for {
		_, err := r.QueryPosition(ctx)
		if errors.Is(err, rotator.ErrIO) || errors.Is(err, rotator.ErrDisconnected) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("QueryPosition after hang up = %v, want I/O error", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.Connected() {
		t.Fatal("still connected after hang up")
	}

	if err := r.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	reading, err := r.QueryPosition(ctx)
	if err != nil {
		t.Fatalf("QueryPosition after reconnect: %v", err)
	}
	if reading.Position.Azimuth != 200 || reading.Position.Elevation != 40 {
		t.Errorf("QueryPosition = %+v, want the last live position", reading.Position)
	}
}
