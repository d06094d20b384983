package arbiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/antenna_control/internal/logging"
	"github.com/w1xm/antenna_control/internal/timeutil"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/rotator/rotatortest"
	"github.com/w1xm/antenna_control/safety"
)

type fixture struct {
	arb     *Arbiter
	link    *rotatortest.Link
	monitor *safety.Monitor
	clock   *timeutil.MockClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	link := rotatortest.New()
	limits := position.DefaultLimits()
	monitor := safety.NewMonitor(limits, safety.DefaultThresholds(), clock, logging.Discard())
	arb := New(link, monitor, Config{Limits: limits, Park: position.Position{Azimuth: 180, Elevation: 90}}, clock, logging.Discard(), nil)
	return &fixture{arb: arb, link: link, monitor: monitor, clock: clock}
}

func move(src Source, az, el float64) Request {
	return Request{Source: src, Kind: Move, Target: position.Position{Azimuth: az, Elevation: el}}
}

func TestMoveAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.arb.QueryPosition(ctx)
	require.NoError(t, err)

	acc, err := f.arb.Submit(ctx, move(Network, 10, 10))
	require.NoError(t, err)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", acc.ID.String())
	assert.Equal(t, position.Position{Azimuth: 10, Elevation: 10}, acc.Target)
	// 10 degrees at 5 degrees/second from the origin.
	assert.Equal(t, f.clock.Now().Add(2*time.Second), acc.ETA)

	m, ok := f.arb.Motion()
	require.True(t, ok)
	assert.Equal(t, acc.ID, m.ID)
	assert.Equal(t, Network, m.Source)
	assert.False(t, m.Complete)
	assert.Equal(t, []rotatortest.Call{{Op: "query"}, {Op: "move", Target: acc.Target}}, f.link.Calls())
}

func TestMoveNormalizesFullCircle(t *testing.T) {
	f := newFixture(t)
	acc, err := f.arb.Submit(context.Background(), move(Operator, 360, 0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, acc.Target.Azimuth)
}

func TestOutOfLimitsNeverReachesLink(t *testing.T) {
	f := newFixture(t)
	_, err := f.arb.Submit(context.Background(), move(Network, 10, 95))

	var rej *Rejection
	require.True(t, errors.As(err, &rej), "Submit = %v", err)
	assert.Equal(t, OutOfLimits, rej.Reason)
	var lv *position.LimitViolation
	assert.True(t, errors.As(err, &lv))
	assert.Equal(t, "elevation", lv.Axis)
	assert.Empty(t, f.link.Calls())
}

func TestSafetyInterlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.arb.Submit(ctx, Request{Source: Operator, Kind: EmergencyStop})
	require.NoError(t, err)
	assert.Equal(t, safety.EmergencyStop, acc.State.Level)

	for _, src := range []Source{Operator, Network} {
		_, err := f.arb.Submit(ctx, move(src, 10, 10))
		assert.Equal(t, SafetyInterlock, ReasonOf(err), "move from %v", src)
		_, err = f.arb.Submit(ctx, Request{Source: src, Kind: Park})
		assert.Equal(t, SafetyInterlock, ReasonOf(err), "park from %v", src)
	}

	// Stop is always allowed.
	_, err = f.arb.Submit(ctx, Request{Source: Network, Kind: Stop})
	assert.NoError(t, err)

	acc, err = f.arb.Submit(ctx, Request{Source: Operator, Kind: Reset})
	require.NoError(t, err)
	assert.Equal(t, safety.Nominal, acc.State.Level)
	_, err = f.arb.Submit(ctx, move(Network, 10, 10))
	assert.NoError(t, err)
	assert.Equal(t, []string{"stop", "stop", "move"}, f.link.Ops())
}

func TestWarningBlocksMotion(t *testing.T) {
	f := newFixture(t)
	f.monitor.Evaluate(safety.Observation{
		Time:        f.clock.Now(),
		HasPosition: true,
		Temperature: 65,
		Link:        safety.LinkHealth{Connected: true},
	})
	_, err := f.arb.Submit(context.Background(), move(Operator, 10, 10))
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, safety.Warning, rej.State.Level)
	assert.Contains(t, err.Error(), "high temperature")
}

func TestResetRefused(t *testing.T) {
	f := newFixture(t)
	f.monitor.Evaluate(safety.Observation{
		Time:           f.clock.Now(),
		HasPosition:    true,
		HardwareErrors: rotator.HardwareErrors{Motor: true},
		Link:           safety.LinkHealth{Connected: true},
	})
	acc, err := f.arb.Submit(context.Background(), Request{Source: Operator, Kind: Reset})
	assert.Equal(t, SafetyInterlock, ReasonOf(err))
	var refused *safety.ResetRefusedError
	assert.True(t, errors.As(err, &refused))
	assert.Equal(t, safety.EmergencyStop, acc.State.Level)
}

func TestLinkUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link.SetError("move", rotator.NewError(rotator.Timeout, "move", nil))

	_, err := f.arb.Submit(ctx, move(Network, 10, 10))
	assert.Equal(t, LinkUnavailable, ReasonOf(err))
	assert.True(t, errors.Is(err, rotator.ErrTimeout))
	_, ok := f.arb.Motion()
	assert.False(t, ok)

	// The link is now down; everything fails fast until reconnected.
	_, err = f.arb.Submit(ctx, Request{Source: Network, Kind: Stop})
	assert.True(t, errors.Is(err, rotator.ErrDisconnected))

	f.link.SetError("move", nil)
	require.NoError(t, f.arb.Reconnect(ctx))
	_, err = f.arb.Submit(ctx, move(Network, 10, 10))
	assert.NoError(t, err)
}

func TestSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var want []rotatortest.Call
	for i := 0; i < 10; i++ {
		src := Operator
		if i%2 == 1 {
			src = Network
		}
		acc, err := f.arb.Submit(ctx, move(src, float64(10*i), float64(i)))
		require.NoError(t, err)
		want = append(want, rotatortest.Call{Op: "move", Target: acc.Target})

		m, _ := f.arb.Motion()
		assert.Equal(t, acc.ID, m.ID, "last writer wins")
	}
	assert.Equal(t, want, f.link.Calls())
}

func TestOneCallInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				f.arb.Submit(ctx, move(Network, float64(i), 10))
			case 1:
				f.arb.Submit(ctx, move(Operator, float64(i), 20))
			default:
				f.arb.QueryPosition(ctx)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, f.link.MaxInFlight())
	assert.Len(t, f.link.Calls(), 20)
}

func TestEmergencyStopPreemptsMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entered, release := f.link.Hold()
	defer release()

	moveErr := make(chan error)
	go func() {
		_, err := f.arb.Submit(ctx, move(Network, 90, 45))
		moveErr <- err
	}()
	<-entered

	estopDone := make(chan error)
	go func() {
		_, err := f.arb.Submit(ctx, Request{Source: Operator, Kind: EmergencyStop})
		estopDone <- err
	}()

	// The interlock latches before the link call returns.
	require.Eventually(t, func() bool {
		return f.monitor.State().Level == safety.EmergencyStop
	}, time.Second, time.Millisecond)
	select {
	case <-estopDone:
		t.Fatal("emergency stop returned while the link was busy")
	default:
	}

	release()
	assert.Equal(t, SafetyInterlock, ReasonOf(<-moveErr))
	require.NoError(t, <-estopDone)

	_, ok := f.arb.Motion()
	assert.False(t, ok, "preempted move recorded as commanded target")
	assert.Equal(t, []string{"move", "stop"}, f.link.Ops())
	assert.Equal(t, 1, f.link.MaxInFlight())
}

func TestWaitingMoveRejectedAfterEmergencyStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entered, release := f.link.Hold()
	defer release()

	first := make(chan error)
	go func() {
		_, err := f.arb.Submit(ctx, move(Network, 90, 45))
		first <- err
	}()
	<-entered

	// Queued behind the first move.
	second := make(chan error)
	go func() {
		_, err := f.arb.Submit(ctx, move(Operator, 10, 10))
		second <- err
	}()
	estop := make(chan error)
	go func() {
		_, err := f.arb.Submit(ctx, Request{Source: Network, Kind: EmergencyStop})
		estop <- err
	}()
	require.Eventually(t, func() bool {
		return f.monitor.State().Level == safety.EmergencyStop
	}, time.Second, time.Millisecond)
	release()

	assert.Equal(t, SafetyInterlock, ReasonOf(<-first))
	assert.Equal(t, SafetyInterlock, ReasonOf(<-second))
	require.NoError(t, <-estop)
	assert.Equal(t, []string{"move", "stop"}, f.link.Ops())
}

func TestSubmitContextCanceled(t *testing.T) {
	f := newFixture(t)
	entered, release := f.link.Hold()
	defer release()
	go f.arb.Submit(context.Background(), move(Network, 90, 45))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.arb.Submit(ctx, move(Operator, 10, 10))
	assert.Equal(t, LinkUnavailable, ReasonOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPark(t *testing.T) {
	f := newFixture(t)
	acc, err := f.arb.Submit(context.Background(), Request{Source: Network, Kind: Park, Target: position.Position{Azimuth: 1, Elevation: 1}})
	require.NoError(t, err)
	assert.Equal(t, position.Position{Azimuth: 180, Elevation: 90}, acc.Target)
}

func TestMarkReached(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.arb.MarkReached(position.Position{}, 0.5))

	_, err := f.arb.Submit(context.Background(), move(Network, 90, 30))
	require.NoError(t, err)
	assert.False(t, f.arb.MarkReached(position.Position{Azimuth: 80, Elevation: 30}, 0.5))
	assert.True(t, f.arb.MarkReached(position.Position{Azimuth: 89.6, Elevation: 30.1}, 0.5))
	assert.False(t, f.arb.MarkReached(position.Position{Azimuth: 90, Elevation: 30}, 0.5), "reported twice")

	m, ok := f.arb.Motion()
	require.True(t, ok)
	assert.True(t, m.Complete)
}
