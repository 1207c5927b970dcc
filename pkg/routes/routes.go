// Package routes serves the operational HTTP endpoints: health, metrics,
// connected gateways, stored devices and a live event stream.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kabili207/meshmapper/pkg/hooks"
	"github.com/kabili207/meshmapper/pkg/models"
	"github.com/kabili207/meshmapper/pkg/store"
	"github.com/kabili207/meshmapper/pkg/supervisor"
)

const (
	maxEventLimit = 500
	pingTimeout   = 2 * time.Second
)

// StoreStatus reports the store state. Stores is nil unless the store is
// Connected.
type StoreStatus interface {
	State() supervisor.State
	Stores() *store.Stores
}

type GatewayLister interface {
	Gateways() []hooks.Gateway
}

type OpsRouter struct {
	Store    StoreStatus
	Bus      string
	Gateways GatewayLister
	Notifier *EventNotifier
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

type HealthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	Database    string `json:"database,omitempty"`
	Bus         string `json:"bus"`
	Subscribers int    `json:"sse_subscribers"`
}

type DeviceResponse struct {
	Device *models.Device  `json:"device"`
	Events []*models.Event `json:"events"`
}

type StatsResponse struct {
	Events  int64 `json:"events"`
	Devices int   `json:"devices"`
}

func (rt *OpsRouter) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}

// Handler returns the router wrapped in the middleware chain.
func (rt *OpsRouter) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)

	gatherer := rt.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", rt.health).Methods("GET")
	router.HandleFunc("/api/gateways", rt.gateways).Methods("GET")
	router.HandleFunc("/api/devices", rt.devices).Methods("GET")
	router.HandleFunc("/api/devices/{node_id}", rt.device).Methods("GET")
	router.HandleFunc("/api/stats", rt.stats).Methods("GET")
	router.HandleFunc("/api/events/recent", rt.recent).Methods("GET")
	router.HandleFunc("/api/events-sse", rt.eventsSSE).Methods("GET")

	router.Use(handlers.ProxyHeaders)
	router.Use(rt.requestLogger)
	h := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))
	return h(router)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (rt *OpsRouter) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return rt.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener. Request contexts are
// cancelled when shutdown starts so open event streams end.
func (rt *OpsRouter) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	srv := &http.Server{
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	errCh := make(chan error, 1)
	go func() {
		rt.logger().Info("ops server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (rt *OpsRouter) requestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		rt.logger().Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// stores returns the read side, or nil while the store is not Connected.
func (rt *OpsRouter) stores() *store.Stores {
	if rt.Store == nil {
		return nil
	}
	return rt.Store.Stores()
}

// health is always 200 while the process runs: a degraded store does not
// stop ingestion.
func (rt *OpsRouter) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: supervisor.Disconnected.String(), Bus: rt.Bus}
	if rt.Store != nil {
		st := rt.Store.State()
		resp.Store = st.String()
		if st != supervisor.Connected {
			resp.Status = "degraded"
		}
	}
	if s := rt.stores(); s != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			rt.logger().Warn("store ping failed", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
		} else {
			resp.Database = "ok"
		}
	}
	if rt.Notifier != nil {
		resp.Subscribers = rt.Notifier.Subscribers()
	}
	rt.writeJSON(w, resp)
}

func (rt *OpsRouter) gateways(w http.ResponseWriter, r *http.Request) {
	list := []hooks.Gateway{}
	if rt.Gateways != nil {
		list = append(list, rt.Gateways.Gateways()...)
	}
	rt.writeJSON(w, list)
}

// devices lists every stored device, most recently seen first. With
// ?located=true devices without a position are left out.
func (rt *OpsRouter) devices(w http.ResponseWriter, r *http.Request) {
	s := rt.stores()
	if s == nil {
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	list, err := s.Devices.GetAll(r.Context())
	if err != nil {
		rt.logger().Error("error listing devices", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if located, _ := strconv.ParseBool(r.URL.Query().Get("located")); located {
		list = slices.DeleteFunc(list, func(d *models.Device) bool { return !d.HasLocation() })
	}
	if list == nil {
		list = []*models.Device{}
	}
	rt.writeJSON(w, list)
}

func (rt *OpsRouter) device(w http.ResponseWriter, r *http.Request) {
	s := rt.stores()
	if s == nil {
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	limit, ok := eventLimit(w, r)
	if !ok {
		return
	}
	nodeID := mux.Vars(r)["node_id"]
	d, err := s.Devices.Get(r.Context(), nodeID)
	if err != nil {
		rt.logger().Error("error loading device", "node_id", nodeID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if d == nil {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	events, err := s.Events.GetByNode(r.Context(), nodeID, limit)
	if err != nil {
		rt.logger().Error("error loading device events", "node_id", nodeID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	rt.writeJSON(w, DeviceResponse{Device: d, Events: events})
}

func (rt *OpsRouter) stats(w http.ResponseWriter, r *http.Request) {
	s := rt.stores()
	if s == nil {
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	n, err := s.Events.Count(r.Context())
	if err != nil {
		rt.logger().Error("error counting events", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	devices, err := s.Devices.GetAll(r.Context())
	if err != nil {
		rt.logger().Error("error listing devices", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	rt.writeJSON(w, StatsResponse{Events: n, Devices: len(devices)})
}

// recent returns the newest events first, from the store when it is
// Connected and from the in-memory backlog otherwise.
func (rt *OpsRouter) recent(w http.ResponseWriter, r *http.Request) {
	limit, ok := eventLimit(w, r)
	if !ok {
		return
	}
	if s := rt.stores(); s != nil {
		events, err := s.Events.Recent(r.Context(), limit)
		if err == nil {
			if events == nil {
				events = []*models.Event{}
			}
			rt.writeJSON(w, events)
			return
		}
		rt.logger().Warn("error loading recent events, using backlog", "error", err)
	}

	events := []*models.Event{}
	if rt.Notifier != nil {
		events = rt.Notifier.Recent()
		slices.Reverse(events)
		if len(events) > limit {
			events = events[:limit]
		}
	}
	rt.writeJSON(w, events)
}

// eventLimit reads ?limit=, defaulting to the backlog size.
func eventLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return recentEvents, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxEventLimit), true
}

func (rt *OpsRouter) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.logger().Error("error encoding response", "error", err)
	}
}
