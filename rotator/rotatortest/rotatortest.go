// Package rotatortest provides an in-memory rotator.Link for tests.
package rotatortest

import (
	"context"
	"sync"

	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
)

type Call struct {
	Op     string
	Target position.Position
}

// Link records every call and answers from canned state. Like a real
// driver, any failure other than a protocol error drops the connection.
type Link struct {
	mu          sync.Mutex
	connected   bool
	reading     rotator.Reading
	errs        map[string]error
	calls       []Call
	inFlight    int
	maxInFlight int
	hold        *hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// New returns a connected link.
func New() *Link {
	return &Link{connected: true, errs: make(map[string]error)}
}

func (l *Link) SetReading(r rotator.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reading = r
}

// SetError makes op ("connect", "move", "stop" or "query") fail with err
// until cleared with a nil err.
func (l *Link) SetError(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.errs, op)
		return
	}
	l.errs[op] = err
}

// Hold makes the next MoveTo block. entered is closed once it is inside
// the call; it returns after release is called.
func (l *Link) Hold() (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	l.mu.Lock()
	l.hold = h
	l.mu.Unlock()
	var once sync.Once
	return h.entered, func() { once.Do(func() { close(h.release) }) }
}

func (l *Link) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Ops returns the names of the recorded calls.
func (l *Link) Ops() []string {
	var ops []string
	for _, c := range l.Calls() {
		ops = append(ops, c.Op)
	}
	return ops
}

// MaxInFlight is the largest number of calls that were ever running at once.
func (l *Link) MaxInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInFlight
}

func (l *Link) begin(op string, target position.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, Call{Op: op, Target: target})
	l.inFlight++
	if l.inFlight > l.maxInFlight {
		l.maxInFlight = l.inFlight
	}
	if op != "connect" && !l.connected {
		return rotator.NewError(rotator.Disconnected, op, nil)
	}
	if err := l.errs[op]; err != nil {
		if op == "connect" {
			return err
		}
		if rotator.KindOf(err) != rotator.ProtocolError {
			l.connected = false
		}
		return err
	}
	return nil
}

func (l *Link) end() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
}

func (l *Link) Connect(ctx context.Context) error {
	defer l.end()
	if err := l.begin("connect", position.Position{}); err != nil {
		return err
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	return nil
}

func (l *Link) MoveTo(ctx context.Context, target position.Position) error {
	defer l.end()
	err := l.begin("move", target)
	l.mu.Lock()
	h := l.hold
	l.hold = nil
	l.mu.Unlock()
	if h != nil {
		close(h.entered)
		<-h.release
	}
	return err
}

func (l *Link) Stop(ctx context.Context) error {
	defer l.end()
	return l.begin("stop", position.Position{})
}

func (l *Link) QueryPosition(ctx context.Context) (rotator.Reading, error) {
	defer l.end()
	if err := l.begin("query", position.Position{}); err != nil {
		return rotator.Reading{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reading, nil
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}
