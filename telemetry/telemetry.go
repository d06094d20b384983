// Package telemetry publishes immutable status snapshots. The control loop
// replaces the current snapshot once per tick; readers never lock.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/rotator"
	"github.com/w1xm/antenna_control/safety"
	"github.com/w1xm/antenna_control/sensors"
)

// Snapshot is the state of the controller at one tick. It must not be
// modified after it has been published.
type Snapshot struct {
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`

	// Position is the measured position clamped to the limits for display.
	// RawPosition is what the hardware reported; PositionFlagged is set when
	// the two differ.
	Position        position.Position `json:"position"`
	RawPosition     position.Position `json:"raw_position"`
	PositionValid   bool              `json:"position_valid"`
	PositionFlagged bool              `json:"position_flagged"`

	Safety safety.State `json:"safety"`

	CommandedTarget *position.Position `json:"commanded_target,omitempty"`
	Moving          bool               `json:"moving"`
	MotionComplete  bool               `json:"motion_complete"`
	ETA             time.Time          `json:"eta,omitempty"`

	Link           safety.LinkHealth      `json:"link"`
	Temperature    float64                `json:"temperature"`
	LimitSwitches  rotator.LimitSwitches  `json:"limit_switches"`
	HardwareErrors rotator.HardwareErrors `json:"hardware_errors"`
	Sensors        *sensors.Reading       `json:"sensors,omitempty"`
}

// Hub holds the latest snapshot.
type Hub struct {
	latest atomic.Pointer[Snapshot]

	mu      sync.Mutex
	changed chan struct{}
}

func NewHub() *Hub {
	h := &Hub{changed: make(chan struct{})}
	h.latest.Store(&Snapshot{})
	return h
}

// Publish replaces the latest snapshot and wakes everyone waiting on Changed.
func (h *Hub) Publish(s *Snapshot) {
	h.latest.Store(s)
	h.mu.Lock()
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

// Latest never blocks and never returns nil.
func (h *Hub) Latest() *Snapshot {
	return h.latest.Load()
}

// Changed returns a channel that is closed by the next Publish.
func (h *Hub) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}
