// Package server exposes the tool registry and the task executor over
// HTTP: JSON-RPC 2.0 on POST /v1, an agent card on
// /.well-known/agent.json, per-task SSE streams under /events/tasks/,
// and the usual /healthz and /metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/websterhq/webster/internal/auth"
	"github.com/websterhq/webster/internal/events"
	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/registry"
	"github.com/websterhq/webster/internal/storage"
	"github.com/websterhq/webster/internal/tasks"
)

// ToolCatalog is the slice of the registry the server reads.
// *registry.Registry satisfies it.
type ToolCatalog interface {
	List() []registry.Descriptor
	Resolve(name string) (*registry.Tool, bool)
}

// TaskService is the slice of the executor the server drives.
// *tasks.Executor satisfies it.
type TaskService interface {
	Submit(ctx context.Context, toolName string, args json.RawMessage, opts tasks.Opts) (string, error)
	Status(ctx context.Context, id string) (*storage.Task, error)
	Cancel(ctx context.Context, id string) bool
	Results(ctx context.Context, id string) (*tasks.ResultPayload, error)
	Subscribe(ctx context.Context, id string) (<-chan events.Event, func(), error)
	ActiveCount() int
	QueueDepth() int
	DailyStats(ctx context.Context, since time.Time) ([]storage.DayStats, error)
}

// Config holds the server's identity and policy knobs.
type Config struct {
	// Name, Description and Version populate the agent card.
	Name        string
	Description string
	Version     string

	// PublicURL overrides the URL advertised in the agent card. Empty
	// derives it from the incoming request.
	PublicURL string

	// AllowHighRisk permits high-risk tools without a per-call
	// approvalToken.
	AllowHighRisk bool

	// Auth guards /v1 and the event streams when enabled. The agent
	// card, /healthz and /metrics stay open.
	Auth *auth.Service

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP protocol surface.
type Server struct {
	config  Config
	tools   ToolCatalog
	exec    TaskService
	logger  *observability.Logger
	metrics *observability.Metrics

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema

	httpServer *http.Server
}

// New builds a server around an already-built catalog and a running
// executor.
func New(config Config, tools ToolCatalog, exec TaskService, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if config.Name == "" {
		config.Name = "webster"
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Server{
		config:  config,
		tools:   tools,
		exec:    exec,
		logger:  logger,
		metrics: metrics,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)

	guard := auth.Middleware(s.config.Auth, s.logger)
	mux.Handle("POST /v1", guard(http.HandlerFunc(s.handleRPC)))
	mux.Handle("GET /events/tasks/{taskId}", guard(http.HandlerFunc(s.handleTaskEvents)))

	return s.instrument(mux)
}

// Start begins serving on addr and returns once the listener is bound.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "http server listening", "addr", addr, "version", s.config.Version)
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// instrument assigns request IDs and records request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := observability.WithRequestID(r.Context(), uuid.NewString())

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, metricPath(r.URL.Path), strconv.Itoa(recorder.status), time.Since(start).Seconds())
		}
	})
}

// metricPath collapses per-task paths so the path label stays bounded.
func metricPath(path string) string {
	if strings.HasPrefix(path, "/events/tasks/") {
		return "/events/tasks/{taskId}"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the wrapped writer usable for SSE streaming.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
