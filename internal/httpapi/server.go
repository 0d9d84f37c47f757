// Package httpapi is the cell's external HTTP/WebSocket surface: order
// submission, maintenance actions, inventory/history reads, and a
// broadcast feed for observers. Routing follows the teacher's
// server/server.go (http.HandleFunc pairing a REST surface with a single
// /ws endpoint), generalized from gorilla/mux's route table instead of the
// teacher's bare http.HandleFunc calls since this surface has many more
// routes than the teacher's single-page server.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"stf/internal/broadcast"
	"stf/internal/bus"
	"stf/internal/domain"
	"stf/internal/executor"
	"stf/internal/simulate"
	"stf/internal/store"
	"stf/internal/xerrors"
)

// EmergencyController is the subset of *executor.Executor the HTTP surface
// drives directly, kept as an interface so tests can drive the surface with
// a stub instead of a live Executor. The package still imports executor for
// its edge-validation helpers (FindEmptySlot, ValidateRetrieveOrProcess).
type EmergencyController interface {
	EmergencyStop(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Server is the cell's HTTP/WebSocket surface.
type Server struct {
	addr string
	st   store.Store
	bus  bus.Bus
	hub  *broadcast.Hub
	exec EmergencyController
	log  zerolog.Logger

	mu       sync.RWMutex
	latest   map[domain.DeviceID]simulate.StatusSnapshot
	unsubAll []func()
	srv      *http.Server
}

// NewServer wires the routes over the given store/bus/hub/executor and
// subscribes to the status bus so /hardware/states can answer without a
// store round trip.
func NewServer(addr string, st store.Store, b bus.Bus, hub *broadcast.Hub, exec EmergencyController, log zerolog.Logger) *Server {
	s := &Server{
		addr: addr, st: st, bus: b, hub: hub, exec: exec,
		log:    log.With().Str("component", "httpapi").Logger(),
		latest: make(map[domain.DeviceID]simulate.StatusSnapshot),
	}
	for _, device := range []domain.DeviceID{domain.DeviceHBW, domain.DeviceVGR, domain.DeviceConveyor} {
		unsub := b.Subscribe(bus.StatusTopic(string(device)), s.cacheSnapshot)
		s.unsubAll = append(s.unsubAll, unsub)
	}
	return s
}

func (s *Server) cacheSnapshot(msg bus.Message) {
	var snap simulate.StatusSnapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		return
	}
	s.mu.Lock()
	s.latest[snap.Device] = snap
	s.mu.Unlock()
}

// Close tears down the status-cache subscriptions.
func (s *Server) Close() {
	for _, unsub := range s.unsubAll {
		unsub()
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/order/store", s.handleOrder(domain.KindStore)).Methods(http.MethodPost)
	r.HandleFunc("/order/retrieve", s.handleOrder(domain.KindRetrieve)).Methods(http.MethodPost)
	r.HandleFunc("/order/process", s.handleOrder(domain.KindProcess)).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)

	r.HandleFunc("/maintenance/move", s.handleOrder(domain.KindMove)).Methods(http.MethodPost)
	r.HandleFunc("/maintenance/reset", s.handleOrder(domain.KindReset)).Methods(http.MethodPost)
	r.HandleFunc("/maintenance/emergency-stop", s.handleEmergencyStop).Methods(http.MethodPost)
	r.HandleFunc("/maintenance/resume", s.handleResume).Methods(http.MethodPost)

	r.HandleFunc("/inventory", s.handleInventory).Methods(http.MethodGet)
	r.HandleFunc("/hardware/states", s.handleHardwareStates).Methods(http.MethodGet)
	r.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWebsocket)
	return r
}

// ListenAndServe starts the HTTP server on s.addr, blocking until it
// returns an error (http.ErrServerClosed after a graceful Shutdown).
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	s.srv = &http.Server{Addr: s.addr, Handler: s.Router()}
	srv := s.srv
	s.mu.Unlock()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server started by ListenAndServe. It
// is a no-op if ListenAndServe has not been called yet.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stopped, _ := store.EmergencyStopped(r.Context(), s.st)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"bus_connected":  s.bus.Connected(),
		"emergency_stop": stopped,
	})
}

type orderRequest struct {
	Slot   string         `json:"slot,omitempty"`
	Flavor string         `json:"flavor,omitempty"`
	Device string         `json:"device,omitempty"`
	X      float64        `json:"x,omitempty"`
	Y      float64        `json:"y,omitempty"`
	Z      float64        `json:"z,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

func (s *Server) handleOrder(kind domain.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orderRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}

		params := req.Params
		if params == nil {
			params = domain.Params{}
		}
		if req.Flavor != "" {
			params["flavor"] = req.Flavor
		}
		if kind == domain.KindMove {
			if req.Device == "" {
				writeError(w, http.StatusBadRequest, errMissingDevice)
				return
			}
			params["device"] = req.Device
			params["x"] = req.X
			params["y"] = req.Y
			params["z"] = req.Z
		}

		slotID := domain.SlotID(req.Slot)
		switch kind {
		case domain.KindStore:
			if _, err := executor.FindEmptySlot(r.Context(), s.st, slotID); err != nil {
				writeClassifiedError(w, err)
				return
			}
		case domain.KindRetrieve, domain.KindProcess:
			if _, _, err := executor.ValidateRetrieveOrProcess(r.Context(), s.st, kind, slotID); err != nil {
				writeClassifiedError(w, err)
				return
			}
		}

		cmd := &domain.Command{Kind: kind, Slot: slotID, Params: params}
		id, err := s.st.InsertCommand(r.Context(), cmd)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": domain.StatusPending})
	}
}

// writeClassifiedError maps a store/executor error to an HTTP status using
// its xerrors.Class: an OPERATIONAL error means the request itself is
// invalid (slot occupied, slot empty, no RAW_DOUGH cookie) and gets a 400
// before any command row exists, per spec.md §7/§8; anything else is an
// unexpected failure on our side.
func writeClassifiedError(w http.ResponseWriter, err error) {
	if class, ok := xerrors.ClassOf(err); ok && class == xerrors.ClassOperational {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

var errMissingDevice = &simpleError{"device is required for a MOVE command"}

type simpleError struct{ msg string }

func (e *simpleError) Error() string { return e.msg }

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := s.st.GetCommand(r.Context(), domain.CommandID(id))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.EmergencyStop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "EMERGENCY_STOP"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "RESUME"})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	slots, err := s.st.ListSlots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	cookies, err := s.st.ListCookies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots, "cookies": cookies})
}

func (s *Server) handleHardwareStates(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap := make(map[domain.DeviceID]simulate.StatusSnapshot, len(s.latest))
	for k, v := range s.latest {
		snap[k] = v
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	rows, err := s.st.ListHistory(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Websocket streaming, adapted from the teacher's publishEleUpdates
// ping-pong/read-pump pattern (server/server.go): a background read goroutine
// drains control frames so SetPongHandler fires, a ticker sends pings, and
// the write side here pulls from a broadcast.Subscription instead of the
// teacher's single rootView.Updates() channel.
const (
	writeWait  = 1 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	lastPong := time.Now()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-pinger.C:
			if time.Since(lastPong) > pingPeriod*2 {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pong:
			lastPong = time.Now()
		case ev := <-sub.Events():
			seq++
			envelope, err := ev.MarshalEnvelope(seq)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, envelope); err != nil {
				return
			}
		}
	}
}
