// services/gateway/gateway.go

// Package gateway is the HTTP surface of the controller: a JSON REST
// API for device control and library CRUD, a WebSocket endpoint that
// streams device and engine broadcasts, and Prometheus metrics.
//
// The gateway owns no domain state. Every request is delegated to the
// session, sequence, trigger or library layer and the error codes they
// return are mapped onto HTTP status codes here, in one place.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"benchlab-go/bus"
	"benchlab-go/errcode"
	"benchlab-go/services/library"
	"benchlab-go/services/sequence"
	"benchlab-go/services/session"
	"benchlab-go/services/trigger"
)

const shutdownGrace = 5 * time.Second

// Deps carries the gateway's collaborators. Bus, Sessions, Sequences,
// Triggers and Library are required; Log and Registry default.
type Deps struct {
	Bus       *bus.Bus
	Sessions  *session.Manager
	Sequences *sequence.Manager
	Triggers  *trigger.Manager
	Library   *library.Store
	Log       *log.Entry
	Registry  *prometheus.Registry
}

// Server routes REST, WebSocket and metrics traffic to the layers
// below it. Build one with New and serve it with Run, or mount
// Handler on an existing server.
type Server struct {
	log       *log.Entry
	bus       *bus.Bus
	sessions  *session.Manager
	sequences *sequence.Manager
	triggers  *trigger.Manager
	library   *library.Store
	metrics   *metrics
	hub       *hub
	mux       *http.ServeMux
}

func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = log.NewEntry(log.StandardLogger())
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	ent := deps.Log.WithField("service", "gateway")
	m := newMetrics(deps.Registry)
	s := &Server{
		log:       ent,
		bus:       deps.Bus,
		sessions:  deps.Sessions,
		sequences: deps.Sequences,
		triggers:  deps.Triggers,
		library:   deps.Library,
		metrics:   m,
		mux:       http.NewServeMux(),
	}
	s.hub = newHub(deps.Sessions, m, ent)
	s.routes(deps.Registry)
	return s
}

// Handler exposes the full route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves addr until ctx ends, then shuts the listener down with a
// short grace period. The engine fan-out and metrics pumps run for the
// same lifetime.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.hub.run(ctx, s.bus) })
	g.Go(func() error { return s.metrics.feed(ctx, s.bus) })
	g.Go(func() error {
		<-ctx.Done()
		grace, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(grace)
	})
	g.Go(func() error {
		s.log.WithField("addr", addr).Info("gateway listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// ---- routes ----

func (s *Server) routes(reg *prometheus.Registry) {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /ws", s.hub.handleWS)

	s.mux.HandleFunc("GET /api/devices", s.handleDeviceList)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleDeviceState)
	s.mux.HandleFunc("GET /api/devices/{id}/history", s.handleDeviceHistory)
	s.mux.HandleFunc("POST /api/devices/{id}/mode", s.handleSetMode)
	s.mux.HandleFunc("POST /api/devices/{id}/output", s.handleSetOutput)
	s.mux.HandleFunc("POST /api/devices/{id}/setpoints/{name}", s.handleSetValue)

	s.mux.HandleFunc("GET /api/devices/{id}/sequence", s.handleRunState)
	s.mux.HandleFunc("POST /api/devices/{id}/sequence/abort", s.handleRunAbort)
	s.mux.HandleFunc("POST /api/devices/{id}/sequence/pause", s.handleRunPause)
	s.mux.HandleFunc("POST /api/devices/{id}/sequence/resume", s.handleRunResume)

	s.mux.HandleFunc("GET /api/sequences", s.handleSequenceList)
	s.mux.HandleFunc("POST /api/sequences", s.handleSequenceCreate)
	s.mux.HandleFunc("GET /api/sequences/running", s.handleSequenceRuns)
	s.mux.HandleFunc("GET /api/sequences/{id}", s.handleSequenceGet)
	s.mux.HandleFunc("PUT /api/sequences/{id}", s.handleSequenceUpdate)
	s.mux.HandleFunc("DELETE /api/sequences/{id}", s.handleSequenceDelete)
	s.mux.HandleFunc("POST /api/sequences/{id}/run", s.handleSequenceRun)

	s.mux.HandleFunc("GET /api/triggers", s.handleTriggerList)
	s.mux.HandleFunc("POST /api/triggers", s.handleTriggerCreate)
	s.mux.HandleFunc("GET /api/triggers/running", s.handleTriggerRuns)
	s.mux.HandleFunc("GET /api/triggers/{id}", s.handleTriggerGet)
	s.mux.HandleFunc("PUT /api/triggers/{id}", s.handleTriggerUpdate)
	s.mux.HandleFunc("DELETE /api/triggers/{id}", s.handleTriggerDelete)
	s.mux.HandleFunc("POST /api/triggers/{id}/start", s.handleTriggerStart)
	s.mux.HandleFunc("POST /api/triggers/{id}/stop", s.handleTriggerStop)
	s.mux.HandleFunc("POST /api/triggers/{id}/pause", s.handleTriggerPause)
	s.mux.HandleFunc("POST /api/triggers/{id}/resume", s.handleTriggerResume)

	s.mux.HandleFunc("GET /api/aliases", s.handleAliasesGet)
	s.mux.HandleFunc("PUT /api/aliases", s.handleAliasesPut)
}

// ---- JSON plumbing ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := errParts(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Warn("request failed")
	}
	writeJSON(w, status, apiError{Code: string(code), Message: msg})
}

// errParts splits an error into its code and the bare message, without
// the "CODE: " prefix Error() adds.
func errParts(err error) (errcode.Code, string) {
	msg := err.Error()
	var e *errcode.E
	if errors.As(err, &e) && e.Msg != "" {
		msg = e.Msg
	}
	return errcode.Of(err), msg
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &errcode.E{C: errcode.BadRequest, Op: "gateway.decode",
			Msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}

// httpStatus maps domain error codes to HTTP statuses. Anything
// unmapped is a 500 so new codes fail loudly rather than silently
// succeeding.
func httpStatus(c errcode.Code) int {
	switch c {
	case errcode.SessionNotFound, errcode.DeviceNotFound, errcode.ParameterNotFound,
		errcode.SequenceNotFound, errcode.ScriptNotFound:
		return http.StatusNotFound
	case errcode.LibraryFull:
		return http.StatusConflict
	case errcode.BadRequest, errcode.BadWaveform, errcode.UnitMismatch, errcode.Unsupported:
		return http.StatusBadRequest
	case errcode.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
