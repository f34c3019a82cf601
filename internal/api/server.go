package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"fleetnav/internal/domain"
	"fleetnav/internal/fleet"
	"fleetnav/internal/grid"
	"fleetnav/internal/logging"
	"fleetnav/internal/planner"
)

// Fleet is the part of the session service the API serves.
type Fleet interface {
	Fleet() domain.FleetSnapshot
	FarmStats() domain.FarmStats
	Plan() domain.CoordinationPlan
	Ticks() int64
	Boundary() grid.Boundary
	LedgerStats() domain.VisitationStats
	LockedNodes() []domain.Coordinate
	Node(c domain.Coordinate) (domain.VisitedNode, bool)
	VisitedNodes() []domain.VisitedNode
	Advisory(agentID string) (fleet.Advisory, error)
	PlanPath(agentID string, dest domain.Coordinate, strategy planner.Strategy) ([]domain.Coordinate, error)
	Decisions(ctx context.Context, limit int) ([]domain.DecisionLog, error)
	Tasks(ctx context.Context, state domain.TaskState, limit int) ([]domain.CoordinationTask, error)
	Task(ctx context.Context, taskID string) (domain.CoordinationTask, error)
	TaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error)
	MoveAgent(ctx context.Context, agentID string, dir domain.Direction) error
	AssignTask(ctx context.Context, agentID string, task domain.TaskKind) error
	ResetAgent(ctx context.Context, agentID string) error
}

type errorResponse struct {
	Error string `json:"error"`
}

type moveRequest struct {
	Direction *domain.Direction `json:"direction"`
}

type taskRequest struct {
	Task domain.TaskKind `json:"task"`
}

type fleetResponse struct {
	Boundary grid.Boundary  `json:"boundary"`
	Rovers   []domain.Agent `json:"rovers"`
}

type pathResponse struct {
	Rover    string              `json:"rover"`
	Strategy planner.Strategy    `json:"strategy"`
	Path     []domain.Coordinate `json:"path"`
	Moves    []domain.Direction  `json:"moves"`
}

type Server struct {
	fleet  Fleet
	config any
	logger zerolog.Logger
	server *http.Server
}

// New builds the router. config is served as-is on /config.
func New(addr string, f Fleet, config any, logger zerolog.Logger) *Server {
	s := &Server{fleet: f, config: config, logger: logging.Component(logger, "api")}

	r := chi.NewRouter()
	r.Use(logMiddleware(s.logger))

	r.Get("/healthz", s.health)
	r.Get("/config", s.showConfig)
	r.Get("/fleet", s.showFleet)
	r.Get("/stats", s.farmStats)
	r.Get("/plan", s.showPlan)
	r.Get("/decisions", s.decisions)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.tasks)
		r.Get("/{taskID}", s.task)
		r.Get("/{taskID}/decisions", s.taskDecisions)
	})
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/stats", s.ledgerStats)
		r.Get("/locked", s.lockedNodes)
		r.Get("/nodes", s.nodes)
		r.Get("/nodes/{x}/{y}", s.node)
	})
	r.Route("/rovers/{id}", func(r chi.Router) {
		r.Get("/advisory", s.advisory)
		r.Get("/path", s.path)
		r.Post("/move", s.move)
		r.Post("/task", s.assignTask)
		r.Post("/reset", s.reset)
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server starting")
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"ticks":  s.fleet.Ticks(),
	})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.config)
}

func (s *Server) showFleet(w http.ResponseWriter, r *http.Request) {
	snap := s.fleet.Fleet()
	rovers := make([]domain.Agent, 0, len(snap))
	for _, a := range snap {
		rovers = append(rovers, a)
	}
	sort.Slice(rovers, func(i, j int) bool { return rovers[i].ID < rovers[j].ID })
	render.JSON(w, r, fleetResponse{Boundary: s.fleet.Boundary(), Rovers: rovers})
}

func (s *Server) farmStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.fleet.FarmStats())
}

func (s *Server) showPlan(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.fleet.Plan())
}

func (s *Server) decisions(w http.ResponseWriter, r *http.Request) {
	items, err := s.fleet.Decisions(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, items)
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	var state domain.TaskState
	if raw := r.URL.Query().Get("state"); raw != "" {
		parsed, err := domain.ParseTaskState(raw)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, err)
			return
		}
		state = parsed
	}
	items, err := s.fleet.Tasks(r.Context(), state, queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, items)
}

func (s *Server) task(w http.ResponseWriter, r *http.Request) {
	t, err := s.fleet.Task(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, t)
}

func (s *Server) taskDecisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, err := s.fleet.Task(r.Context(), id); err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	items, err := s.fleet.TaskDecisions(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, items)
}

func (s *Server) nodes(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"nodes": s.fleet.VisitedNodes()})
}

func (s *Server) ledgerStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.fleet.LedgerStats())
}

func (s *Server) lockedNodes(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"locked": s.fleet.LockedNodes()})
}

func (s *Server) node(w http.ResponseWriter, r *http.Request) {
	c, err := coordinateParams(chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	n, ok := s.fleet.Node(c)
	if !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("cell %s has not been visited", c))
		return
	}
	render.JSON(w, r, map[string]any{
		"node":   n,
		"locked": containsCoord(s.fleet.LockedNodes(), c),
	})
}

func (s *Server) advisory(w http.ResponseWriter, r *http.Request) {
	adv, err := s.fleet.Advisory(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, adv)
}

func (s *Server) path(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dest, err := coordinateParams(q.Get("x"), q.Get("y"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	strategy, err := planner.ParseStrategy(q.Get("strategy"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	path, err := s.fleet.PlanPath(id, dest, strategy)
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	rover, ok := s.fleet.Fleet()[id]
	if !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("%w: %s", fleet.ErrUnknownAgent, id))
		return
	}
	moves, err := planner.Moves(rover.Coordinates, path)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, pathResponse{Rover: id, Strategy: strategy, Path: path, Moves: moves})
}

func (s *Server) move(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := unmarshalRequestBody(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("unable to parse body: %w", err))
		return
	}
	if req.Direction == nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("direction is required"))
		return
	}
	s.accepted(w, r, s.fleet.MoveAgent(r.Context(), chi.URLParam(r, "id"), *req.Direction))
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := unmarshalRequestBody(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("unable to parse body: %w", err))
		return
	}
	if !req.Task.Valid() {
		s.fail(w, r, http.StatusBadRequest, errors.New("task is required"))
		return
	}
	s.accepted(w, r, s.fleet.AssignTask(r.Context(), chi.URLParam(r, "id"), req.Task))
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.accepted(w, r, s.fleet.ResetAgent(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) accepted(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "accepted"})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	hlog.FromRequest(r).Debug().Err(err).Int("status", code).Msg("request failed")
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

// statusFor maps service errors onto HTTP codes: unknown rovers and tasks
// are 404, destinations off the field 422, and other infeasible or rejected
// requests 409.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrUnknownAgent), errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, planner.ErrOutOfBounds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, planner.ErrInfeasible), errors.Is(err, fleet.ErrRejected):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func logMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	c := alice.New()
	c = c.Append(hlog.NewHandler(logger))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("agent"))
	c = c.Append(hlog.RequestIDHandler("req_id", "Request-Id"))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
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
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	if err = req.Body.Close(); err != nil {
		return err
	}
	return json.Unmarshal(body, output)
}

func coordinateParams(rawX, rawY string) (domain.Coordinate, error) {
	x, err := strconv.Atoi(strings.TrimSpace(rawX))
	if err != nil {
		return domain.Coordinate{}, fmt.Errorf("invalid x %q", rawX)
	}
	y, err := strconv.Atoi(strings.TrimSpace(rawY))
	if err != nil {
		return domain.Coordinate{}, fmt.Errorf("invalid y %q", rawY)
	}
	return domain.Coordinate{X: x, Y: y}, nil
}

func containsCoord(list []domain.Coordinate, c domain.Coordinate) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
