// Package server exposes a run over HTTP: plan and status queries, run
// control and merge requests. Mutations against a finished run answer 409.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ShayCichocki/quorum/internal/coord"
	"github.com/ShayCichocki/quorum/internal/merge"
	"github.com/ShayCichocki/quorum/internal/orchestrator"
	"github.com/ShayCichocki/quorum/internal/planner"
)

type submitRequest struct {
	Task  string `json:"task"`
	Start bool   `json:"start"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type summaryResponse struct {
	Run   orchestrator.Snapshot `json:"run"`
	Store coord.Summary         `json:"store"`
}

// Server serves one orchestrator run.
type Server struct {
	run     *orchestrator.Orchestrator
	store   coord.Store
	logger  zerolog.Logger
	baseCtx context.Context
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBaseContext sets the context runs started over HTTP live in. Request
// contexts end with the request, so runs never use them.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// New creates a server listening on addr.
func New(addr string, run *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		run:     run,
		store:   run.Store(),
		logger:  zerolog.Nop(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with logging middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logMiddleware())

	r.Post("/tasks", s.submit)
	r.Get("/plan", s.plan)
	r.Get("/agents", s.agents)
	r.Get("/interfaces", s.interfaces)
	r.Get("/blockers", s.blockers)
	r.Get("/events", s.events)
	r.Get("/summary", s.summary)
	r.Post("/run/start", s.start)
	r.Post("/run/stop", s.stop)
	r.Post("/subtasks/{id}/cancel", s.cancel)
	r.Post("/subtasks/{id}/retry", s.retry)
	r.Post("/merge", s.merge)
	return r
}

// Start serves until Stop.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server starting")
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	req := submitRequest{}
	if err := unmarshalRequestBody(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("unable to parse body"))
		return
	}
	if req.Task == "" {
		s.fail(w, r, http.StatusBadRequest, errors.New("task is required"))
		return
	}
	existing := s.run.Plan() != nil
	plan, err := s.run.Submit(r.Context(), req.Task)
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	if req.Start {
		if err := s.run.Start(s.baseCtx); err != nil {
			s.fail(w, r, statusFor(err), err)
			return
		}
	}
	if !existing {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, plan)
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	plan := s.run.Plan()
	if plan == nil {
		s.fail(w, r, http.StatusNotFound, orchestrator.ErrNoPlan)
		return
	}
	render.JSON(w, r, plan)
}

func (s *Server) agents(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.AgentStatuses(r.Context())
	s.respond(w, r, out, err)
}

func (s *Server) interfaces(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.Interfaces(r.Context())
	s.respond(w, r, out, err)
}

func (s *Server) blockers(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetBlockers(r.Context())
	s.respond(w, r, out, err)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, errors.New("since must be a number"))
			return
		}
		since = n
	}
	out, err := s.store.Events(r.Context(), since)
	s.respond(w, r, out, err)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary(r.Context())
	s.respond(w, r, summaryResponse{Run: s.run.Snapshot(), Store: sum}, err)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if err := s.run.Start(s.baseCtx); err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, s.run.Snapshot())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.run.Stop(r.Context()); err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, s.run.Snapshot())
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := s.run.Cancel(chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, s.run.Snapshot())
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	if err := s.run.Retry(chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, s.run.Snapshot())
}

func (s *Server) merge(w http.ResponseWriter, r *http.Request) {
	report, err := s.run.Merge(r.Context())
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, report)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	log := hlog.FromRequest(r)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	} else {
		log.Debug().Err(err).Msg("request rejected")
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var pe *planner.PlanningError
	switch {
	case errors.Is(err, orchestrator.ErrRunTerminal),
		errors.Is(err, orchestrator.ErrPlanExists),
		errors.Is(err, orchestrator.ErrSubtaskState),
		errors.Is(err, merge.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoPlan):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownSubtask), errors.Is(err, coord.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &pe):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logMiddleware() func(http.Handler) http.Handler {
	c := alice.New()
	c = c.Append(hlog.NewHandler(s.logger))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("user_agent"))
	c = c.Append(hlog.RequestIDHandler("req_id", "Request-Id"))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("verb", r.Method).
			Stringer("url", r.URL).
			Int("size", size).
			Int("status", status).
			Int64("duration", duration.Milliseconds()).
			Msg("REQ")
	}))
	return c.Then
}

func unmarshalRequestBody(req *http.Request, output any) error {
	if req.Body == nil {
		return errors.New("invalid body in request")
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return err
	}
	if err := req.Body.Close(); err != nil {
		return err
	}
	return json.Unmarshal(body, output)
}
