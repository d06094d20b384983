package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/antenna_control/arbiter"
	"github.com/w1xm/antenna_control/metrics"
	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/safety"
	"github.com/w1xm/antenna_control/telemetry"
)

// Commander accepts commands on behalf of the operator.
type Commander interface {
	Submit(ctx context.Context, req arbiter.Request) (arbiter.Accepted, error)
}

// Server is the operator's HTTP surface.
type Server struct {
	arb     Commander
	hub     *telemetry.Hub
	logger  *slog.Logger
	metrics *metrics.Collector

	// Timeout bounds each command.
	Timeout time.Duration
}

func NewServer(arb Commander, hub *telemetry.Hub, logger *slog.Logger, m *metrics.Collector) *Server {
	return &Server{arb: arb, hub: hub, logger: logger, metrics: m, Timeout: 5 * time.Second}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.StatusSocketHandler)
	for name, kind := range commandKinds {
		api.Handle("/"+name, s.commandHandler(kind)).Methods(http.MethodPost)
	}
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var commandKinds = map[string]arbiter.Kind{
	"move":  arbiter.Move,
	"stop":  arbiter.Stop,
	"park":  arbiter.Park,
	"estop": arbiter.EmergencyStop,
	"reset": arbiter.Reset,
}

// Command is the body of a POST and the message a websocket client sends.
type Command struct {
	Command   string  `json:"command"`
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
}

type Result struct {
	Command string             `json:"command"`
	ID      string             `json:"id,omitempty"`
	Target  *position.Position `json:"target,omitempty"`
	ETA     *time.Time         `json:"eta,omitempty"`
	State   safety.State       `json:"state"`
	Reason  string             `json:"reason,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Latest(), s.logger)
}

func (s *Server) commandHandler(kind arbiter.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd Command
		if kind == arbiter.Move {
			if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
				http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		res, err := s.submit(r.Context(), kind, cmd)
		writeJSON(w, statusFor(err), res, s.logger)
	})
}

func (s *Server) submit(ctx context.Context, kind arbiter.Kind, cmd Command) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	req := arbiter.Request{
		Source: arbiter.Operator,
		Kind:   kind,
		Target: position.Position{Azimuth: cmd.Azimuth, Elevation: cmd.Elevation},
	}
	acc, err := s.arb.Submit(ctx, req)
	res := Result{Command: kind.String(), State: acc.State}
	if acc.ID != uuid.Nil {
		res.ID = acc.ID.String()
	}
	if err == nil && (kind == arbiter.Move || kind == arbiter.Park) {
		res.Target, res.ETA = &acc.Target, &acc.ETA
	}
	if err != nil {
		res.Error = err.Error()
		var rej *arbiter.Rejection
		if errors.As(err, &rej) {
			res.Reason = rej.Reason.String()
			if rej.Reason == arbiter.SafetyInterlock {
				res.State = rej.State
			}
		}
	}
	return res, err
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch arbiter.ReasonOf(err) {
	case arbiter.OutOfLimits:
		return http.StatusUnprocessableEntity
	case arbiter.SafetyInterlock:
		return http.StatusConflict
	case arbiter.LinkUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("encoding response", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// message is what the websocket sends: either a status snapshot or the
// result of a command the client sent.
type message struct {
	Status *telemetry.Snapshot `json:"status,omitempty"`
	Result *Result             `json:"result,omitempty"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()
	logger := s.logger.With("remote", r.RemoteAddr)

	results := make(chan Result, 8)
	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			kind, ok := commandKinds[cmd.Command]
			var res Result
			if !ok {
				res = Result{Command: cmd.Command, Error: "unknown command"}
			} else {
				res, _ = s.submit(ctx, kind, cmd)
			}
			select {
			case results <- res:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(m message) bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(m); err != nil {
			logger.Info("websocket write", "error", err)
			return false
		}
		return true
	}

	var last *telemetry.Snapshot
	for {
		changed := s.hub.Changed()
		if snap := s.hub.Latest(); snap != last {
			last = snap
			if !send(message{Status: snap}) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case res := <-results:
			if !send(message{Result: &res}) {
				return
			}
		case <-changed:
		}
	}
}
