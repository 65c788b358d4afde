// Package server exposes the MCPP surface over JSON-RPC 2.0: the standard
// MCP methods via an embedded mcp-go server plus the mcpp/* data-access
// methods, all on a single HTTP endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"mcpp-go/internal/cache"
	"mcpp-go/internal/config"
	"mcpp-go/internal/consent"
	"mcpp-go/internal/observability"
	"mcpp-go/internal/placeholder"
	"mcpp-go/internal/policy"
	"mcpp-go/internal/reference"
)

const serverVersion = "1.0.0"

// Server wires the data cache, placeholder resolver, reference finder,
// policy evaluator, and consent coordinator behind one dispatcher.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *cache.Store
	resolver  *placeholder.Resolver
	finder    *reference.Finder
	evaluator *policy.Evaluator
	consents  *consent.Coordinator
	metrics   *observability.MetricsManager
	tracing   *observability.TracingManager
	mcp       *mcpserver.MCPServer
	executor  ToolExecutor

	httpServer *http.Server
}

// New builds a fully wired server. executor may be nil; tools/call then
// fails with an internal error until SetExecutor is called.
func New(cfg *config.Config, executor ToolExecutor, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store := cache.NewStore(logger)
	consents := consent.NewCoordinator(logger)

	var decisions *consent.DecisionCache
	if cfg.CacheConsentDecisions {
		decisions = consents.Decisions()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		resolver:  placeholder.NewResolver(store, logger),
		finder:    reference.NewFinder(store, cfg.SimilarityThreshold, logger),
		evaluator: policy.NewEvaluator(cfg, decisions, logger),
		consents:  consents,
		executor:  executor,
	}

	if cfg.EnableMetrics {
		s.metrics = observability.NewMetricsManager(logger)
	}

	tracing, err := observability.NewTracingManager(logger, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracing = tracing

	s.mcp = mcpserver.NewMCPServer(
		"mcpp",
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	s.registerTools()

	return s, nil
}

// SetExecutor installs the tool executor.
func (s *Server) SetExecutor(executor ToolExecutor) {
	s.executor = executor
}

// Store exposes the data cache, mainly for tests and embedding callers.
func (s *Server) Store() *cache.Store {
	return s.store
}

// Consents exposes the consent coordinator.
func (s *Server) Consents() *consent.Coordinator {
	return s.consents
}

// registerTools registers the configured tools on the embedded MCP server so
// tools/list reflects the configuration. Calls routed through the MCP server
// share the dispatcher's execution path.
func (s *Server) registerTools() {
	for _, tc := range s.cfg.Tools {
		tool := tc

		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		rawSchema, err := json.Marshal(schema)
		if err != nil {
			s.logger.Warn("skipping tool with unencodable schema",
				zap.String("tool", tool.Name), zap.Error(err))
			continue
		}

		mcpTool := mcp.NewToolWithRawSchema(tool.Name, tool.Description, rawSchema)
		s.mcp.AddTool(mcpTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, _ := request.Params.Arguments.(map[string]any)
			_, result, err := s.executeTool(ctx, tool, args, "")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			text, merr := marshalText(result)
			if merr != nil {
				return mcp.NewToolResultError("failed to encode tool result"), nil
			}
			return mcp.NewToolResultText(text), nil
		})

		s.logger.Debug("tool registered",
			zap.String("tool", tool.Name),
			zap.Bool("sensitive", tool.IsSensitive))
	}
}

// Router builds the HTTP routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/", s.handleRPC)
	r.Post("/rpc", s.handleRPC)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/consents", s.handleListConsents)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	return r
}

// requestLogger logs one line per HTTP request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// handleListConsents lists the pending consent requests so an out-of-band
// consent UI can discover requests raised by blocked calls.
func (s *Server) handleListConsents(w http.ResponseWriter, _ *http.Request) {
	pending := s.consents.Pending()
	out := make([]map[string]any, 0, len(pending))
	for _, req := range pending {
		out = append(out, map[string]any{
			"request_id":  req.RequestID,
			"host_id":     req.Key.HostID,
			"destination": req.Key.Destination,
			"data_usage":  req.Key.DataUsage,
			"tool_name":   req.Key.ToolName,
			"created_at":  req.CreatedAt,
			"expires_at":  req.Deadline,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pending": out})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"cache_entries":    s.store.Len(),
		"pending_consents": s.consents.PendingCount(),
		"tools":            len(s.cfg.Tools),
	})
}

// Start runs the HTTP server until ctx is cancelled, then shuts everything
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening",
			zap.String("addr", s.cfg.Listen),
			zap.Int("tools", len(s.cfg.Tools)))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.closeComponents()
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.closeComponents()
		return err
	}
}

func (s *Server) closeComponents() {
	s.store.Close()
	s.consents.Close()
	if s.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracing.Close(ctx); err != nil {
			s.logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}
}
