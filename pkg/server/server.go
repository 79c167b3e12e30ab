package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/valve"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/archive"
	"github.com/bizflycloud/feather/pkg/errdefs"
	"github.com/bizflycloud/feather/pkg/retention"
)

const shutdownTimeout = 20 * time.Second

// Engine is the part of retention.Engine the server reads from.
type Engine interface {
	List(ctx context.Context) ([]string, error)
	PlanBackups(names []string, now time.Time) ([]retention.CreateRequest, error)
	PlanPrune(names []string, now time.Time) []retention.DeleteRequest
	Now() time.Time
}

// StatusFunc returns the report of the last completed run, or nil.
type StatusFunc func() *retention.Report

// Server defines parameters for running the feather status HTTP server.
type Server struct {
	Addr        string
	router      *chi.Mux
	valv        *valve.Valve
	engine      Engine
	status      StatusFunc
	gatherer    prometheus.Gatherer
	useUnixSock bool

	// signal chan use for testing.
	testSignalCh chan os.Signal

	logger *zap.Logger
}

// New creates new server instance.
func New(opts ...Option) (*Server, error) {
	s := &Server{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.engine == nil {
		return nil, errors.New("no engine")
	}

	s.router = chi.NewRouter()
	s.valv = valve.New()

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.setupRoutes()
	s.useUnixSock = strings.HasPrefix(s.Addr, "unix://")
	s.Addr = strings.TrimPrefix(s.Addr, "unix://")

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Get("/archives", s.ListArchives)
	s.router.Get("/plan", s.Plan)
	s.router.Get("/status", s.Status)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the server routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

type archivesResponse struct {
	Archives []archive.Archive `json:"archives"`
	Unparsed []string          `json:"unparsed"`
}

type planResponse struct {
	Now    time.Time                 `json:"now"`
	Create []retention.CreateRequest `json:"create"`
	Delete []retention.DeleteRequest `json:"delete"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// ListArchives lists the repository and returns the decoded archives.
func (s *Server) ListArchives(w http.ResponseWriter, r *http.Request) {
	names, ok := s.list(w, r)
	if !ok {
		return
	}
	archives, errs := archive.DecodeAll(names)
	resp := archivesResponse{Archives: archives, Unparsed: []string{}}
	if resp.Archives == nil {
		resp.Archives = []archive.Archive{}
	}
	for _, err := range errs {
		var parseErr *errdefs.ArchiveParseError
		if errors.As(err, &parseErr) {
			resp.Unparsed = append(resp.Unparsed, parseErr.Identifier)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Plan returns what a run would create and delete right now.
func (s *Server) Plan(w http.ResponseWriter, r *http.Request) {
	names, ok := s.list(w, r)
	if !ok {
		return
	}
	now := s.engine.Now()
	creates, err := s.engine.PlanBackups(names, now)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := planResponse{
		Now:    now,
		Create: creates,
		Delete: s.engine.PlanPrune(names, now),
	}
	if resp.Create == nil {
		resp.Create = []retention.CreateRequest{}
	}
	if resp.Delete == nil {
		resp.Delete = []retention.DeleteRequest{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Status returns the last run report.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	var report *retention.Report
	if s.status != nil {
		report = s.status()
	}
	if report == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// list runs a repository listing while holding the valve open so shutdown
// waits for it.
func (s *Server) list(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if err := s.valv.Open(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return nil, false
	}
	defer s.valv.Close()

	names, err := s.engine.List(r.Context())
	if err != nil {
		s.logger.Error("Could not list archives", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err)
		return nil, false
	}
	return names, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorResponse{Error: err.Error(), Kind: errdefs.KindOf(err).String()})
}

func (s *Server) Run() error {
	// Graceful valve shut-off package to manage code preemption and shutdown signaling.
	baseCtx := s.valv.Context()

	srv := http.Server{Handler: chi.ServerBaseContext(baseCtx, s.router)}

	c := make(chan os.Signal, 1)
	if s.testSignalCh != nil {
		c = s.testSignalCh
	}
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(c)
	go func() {
		<-c
		// signal is a ^C, handle it
		s.logger.Info("shutting down...")

		// first valv
		if err := s.valv.Shutdown(shutdownTimeout); err != nil {
			s.logger.Error("failed to shutdown valv", zap.Error(err))
		}

		// create context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// start http shutdown
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown http server", zap.Error(err))
		}
	}()

	if s.useUnixSock {
		unixListener, err := net.Listen("unix", s.Addr)
		if err != nil {
			return err
		}
		return srv.Serve(unixListener)
	}

	srv.Addr = s.Addr
	return srv.ListenAndServe()
}
