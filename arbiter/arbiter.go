// Package arbiter is the single gateway to the rotator link. Every command
// from every source goes through Submit, which validates it, checks the
// safety interlock and serializes the link call.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/w1xm/antenna_control/internal/timeutil"
	"github.com/w1xm/antenna_control/metrics"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/safety"
)

type Source int

const (
	Operator Source = iota
	Network
	// Controller is the control loop itself.
	Controller
)

func (s Source) String() string {
	switch s {
	case Operator:
		return "operator"
	case Network:
		return "network"
	case Controller:
		return "controller"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

type Kind int

const (
	Move Kind = iota
	Stop
	EmergencyStop
	Reset
	Park
)

func (k Kind) String() string {
	switch k {
	case Move:
		return "move"
	case Stop:
		return "stop"
	case EmergencyStop:
		return "emergency_stop"
	case Reset:
		return "reset"
	case Park:
		return "park"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Request is one command. ID and IssuedAt are filled in by Submit when
// left zero.
type Request struct {
	ID       uuid.UUID
	Source   Source
	Kind     Kind
	Target   position.Position
	IssuedAt time.Time
}

type RejectReason int

const (
	OutOfLimits RejectReason = iota + 1
	SafetyInterlock
	LinkUnavailable
)

func (r RejectReason) String() string {
	switch r {
	case OutOfLimits:
		return "out of limits"
	case SafetyInterlock:
		return "safety interlock"
	case LinkUnavailable:
		return "link unavailable"
	}
	return fmt.Sprintf("RejectReason(%d)", int(r))
}

// Rejection is the error returned for a command that was not carried out.
type Rejection struct {
	Reason RejectReason
	// State is the safety state that blocked a SafetyInterlock rejection.
	State safety.State
	Err   error
}

func (r *Rejection) Error() string {
	switch {
	case r.Reason == SafetyInterlock && r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	case r.Reason == SafetyInterlock:
		return fmt.Sprintf("%s: %s", r.Reason, r.State)
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return r.Reason.String()
}

func (r *Rejection) Unwrap() error { return r.Err }

// ReasonOf returns the rejection reason of err, or 0.
func ReasonOf(err error) RejectReason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return 0
}

type Accepted struct {
	ID uuid.UUID
	// Target and ETA are set for moves.
	Target position.Position
	ETA    time.Time
	// State is the safety state after the command.
	State safety.State
}

// Motion is the commanded target the antenna is moving to.
type Motion struct {
	ID       uuid.UUID
	Source   Source
	Target   position.Position
	IssuedAt time.Time
	ETA      time.Time
	Complete bool
}

type Config struct {
	Limits position.Limits
	Park   position.Position
}

type Arbiter struct {
	link    rotator.Link
	monitor *safety.Monitor
	cfg     Config
	clock   timeutil.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	// sem is held for the duration of every link call.
	sem chan struct{}
	// gen is bumped by every halt so a move already on the wire knows it
	// has been overtaken.
	gen atomic.Uint64

	mu       sync.Mutex
	motion   *Motion
	lastSeen position.Position
	haveSeen bool
}

func New(link rotator.Link, monitor *safety.Monitor, cfg Config, clock timeutil.Clock, logger *slog.Logger, m *metrics.Collector) *Arbiter {
	return &Arbiter{
		link:    link,
		monitor: monitor,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: m,
		sem:     make(chan struct{}, 1),
	}
}

func (a *Arbiter) acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Arbiter) release() { <-a.sem }

// Submit arbitrates one command.
func (a *Arbiter) Submit(ctx context.Context, req Request) (Accepted, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.IssuedAt.IsZero() {
		req.IssuedAt = a.clock.Now()
	}
	logger := a.logger.With("id", req.ID, "source", req.Source.String(), "kind", req.Kind.String())

	var acc Accepted
	var err error
	switch req.Kind {
	case Park:
		req.Target = a.cfg.Park
		acc, err = a.move(ctx, req, logger)
	case Move:
		acc, err = a.move(ctx, req, logger)
	case Stop:
		acc, err = a.stop(ctx, req)
	case EmergencyStop:
		acc, err = a.emergencyStop(ctx, req)
	case Reset:
		acc, err = a.reset(req)
	default:
		err = fmt.Errorf("unknown command kind %v", req.Kind)
	}

	result := "accepted"
	if reason := ReasonOf(err); reason != 0 {
		result = reasonLabel(reason)
	} else if err != nil {
		result = "error"
	}
	a.metrics.CommandResult(req.Source.String(), req.Kind.String(), result)
	if err != nil {
		logger.Info("command rejected", "target", req.Target.String(), "error", err)
	} else {
		logger.Debug("command accepted", "target", req.Target.String())
	}
	return acc, err
}

func reasonLabel(r RejectReason) string {
	switch r {
	case OutOfLimits:
		return "out_of_limits"
	case SafetyInterlock:
		return "safety_interlock"
	case LinkUnavailable:
		return "link_unavailable"
	}
	return "error"
}

func (a *Arbiter) interlock() error {
	if st := a.monitor.State(); st.Level != safety.Nominal {
		return &Rejection{Reason: SafetyInterlock, State: st}
	}
	return nil
}

func (a *Arbiter) move(ctx context.Context, req Request, logger *slog.Logger) (Accepted, error) {
	target, err := a.cfg.Limits.Validate(req.Target)
	if err != nil {
		return Accepted{}, &Rejection{Reason: OutOfLimits, Err: err}
	}
	target.Azimuth = position.NormalizeAzimuth(target.Azimuth)
	if err := a.interlock(); err != nil {
		return Accepted{}, err
	}

	if err := a.acquire(ctx); err != nil {
		return Accepted{}, &Rejection{Reason: LinkUnavailable, Err: err}
	}
	defer a.release()
	// The state may have changed while we waited for the link.
	if err := a.interlock(); err != nil {
		return Accepted{}, err
	}
	gen := a.gen.Load()
	if err := a.link.MoveTo(ctx, target); err != nil {
		return Accepted{}, &Rejection{Reason: LinkUnavailable, Err: err}
	}
	if a.gen.Load() != gen {
		// Halted while the command was on the wire; the halt issues Stop
		// once we release the link.
		return Accepted{}, &Rejection{Reason: SafetyInterlock, State: a.monitor.State()}
	}

	now := a.clock.Now()
	m := &Motion{
		ID:       req.ID,
		Source:   req.Source,
		Target:   target,
		IssuedAt: req.IssuedAt,
		ETA:      now,
	}
	a.mu.Lock()
	if a.haveSeen {
		m.ETA = now.Add(position.SlewTime(a.lastSeen, target, a.cfg.Limits.MaxSlewRate))
	}
	if prev := a.motion; prev != nil && !prev.Complete {
		logger.Debug("superseding motion", "previous", prev.ID, "previous_source", prev.Source.String())
	}
	a.motion = m
	a.mu.Unlock()

	return Accepted{ID: req.ID, Target: target, ETA: m.ETA, State: a.monitor.State()}, nil
}

func (a *Arbiter) stop(ctx context.Context, req Request) (Accepted, error) {
	a.clearMotion()
	if err := a.acquire(ctx); err != nil {
		return Accepted{}, &Rejection{Reason: LinkUnavailable, Err: err}
	}
	defer a.release()
	if err := a.link.Stop(ctx); err != nil {
		return Accepted{}, &Rejection{Reason: LinkUnavailable, Err: err}
	}
	return Accepted{ID: req.ID, State: a.monitor.State()}, nil
}

// emergencyStop latches the safety state first, so no other command can be
// accepted while we wait for the link.
func (a *Arbiter) emergencyStop(ctx context.Context, req Request) (Accepted, error) {
	a.abandon()
	st := a.monitor.Trip(req.Source.String())
	acc := Accepted{ID: req.ID, State: st}
	if err := a.stopLink(ctx); err != nil {
		// The safety state is latched regardless.
		return acc, &Rejection{Reason: LinkUnavailable, State: st, Err: err}
	}
	return acc, nil
}

func (a *Arbiter) reset(req Request) (Accepted, error) {
	st, err := a.monitor.Reset()
	if err != nil {
		return Accepted{ID: req.ID, State: st}, &Rejection{Reason: SafetyInterlock, State: st, Err: err}
	}
	return Accepted{ID: req.ID, State: st}, nil
}

func (a *Arbiter) clearMotion() {
	a.mu.Lock()
	a.motion = nil
	a.mu.Unlock()
}

// abandon drops the commanded motion, including a move that is on the
// wire right now.
func (a *Arbiter) abandon() {
	a.gen.Add(1)
	a.clearMotion()
}

// Halt abandons the commanded motion, waits for any link call in progress
// and stops the rotator. It does not consult the safety state.
func (a *Arbiter) Halt(ctx context.Context) error {
	a.abandon()
	return a.stopLink(ctx)
}

func (a *Arbiter) stopLink(ctx context.Context) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()
	if err := a.link.Stop(ctx); err != nil {
		a.logger.Error("stopping rotator", "error", err)
		return err
	}
	return nil
}

// QueryPosition reads the rotator through the link lock.
func (a *Arbiter) QueryPosition(ctx context.Context) (rotator.Reading, error) {
	if err := a.acquire(ctx); err != nil {
		return rotator.Reading{}, err
	}
	defer a.release()
	r, err := a.link.QueryPosition(ctx)
	if err == nil {
		a.mu.Lock()
		a.lastSeen, a.haveSeen = r.Position, true
		a.mu.Unlock()
	}
	return r, err
}

// Reconnect reopens the link through the link lock.
func (a *Arbiter) Reconnect(ctx context.Context) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.release()
	return a.link.Connect(ctx)
}

// Connected reports whether the link currently has a session.
func (a *Arbiter) Connected() bool {
	return a.link.Connected()
}

// MarkReached completes the current motion if measured is within tol of
// its target, and reports whether it did so now.
func (a *Arbiter) MarkReached(measured position.Position, tol float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.motion
	if m == nil || m.Complete || !position.Reached(measured, m.Target, tol) {
		return false
	}
	m.Complete = true
	a.logger.Info("target reached", "id", m.ID, "target", m.Target.String(), "measured", measured.String())
	return true
}

// Motion returns a copy of the commanded motion, if any.
func (a *Arbiter) Motion() (Motion, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.motion == nil {
		return Motion{}, false
	}
	return *a.motion, true
}
