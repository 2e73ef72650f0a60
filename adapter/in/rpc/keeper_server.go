// Package rpc exposes the tool surface over HTTP. Every tool is invoked as
// POST /tools/:name with a JSON body and answered with the tool envelope:
// a single text content block holding the JSON payload.
package rpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/in"
	"keeper_server/infra/middleware"
	"keeper_server/pkg/apperr"
	"keeper_server/pkg/metrics"
	"keeper_server/pkg/response"
)

// latencyWindow is how many samples per tool feed the percentile stats.
const latencyWindow = 512

// Config tunes the HTTP server.
type Config struct {
	Addr         string
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the shipped configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		BodyLimit:    4 * 1024 * 1024,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// OAuthCallback completes a pending browser authentication.
type OAuthCallback interface {
	HandleCallback(ctx context.Context, state, code string) error
}

// Services collects the inbound ports the tool surface drives.
type Services struct {
	Emails   in.EmailQueryService
	Analysis in.AnalysisService
	Jobs     in.JobService
	Cleanup  in.CleanupService
	Auth     in.AuthService
	System   in.SystemService
	Callback OAuthCallback
}

// toolFunc executes one tool call against an already-parsed body.
type toolFunc func(ctx context.Context, caller *domain.UserContext, body []byte) (any, error)

// tool is one registered tool. Exempt tools run without a caller.
type tool struct {
	run    toolFunc
	exempt bool
}

// Server is the fiber app serving the tool surface.
type Server struct {
	config    *Config
	app       *fiber.App
	services  Services
	tools     map[string]tool
	latencies *metrics.LatencyRegistry
	logger    zerolog.Logger
}

// New wires the server and registers every tool.
func New(config *Config, services Services) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		config:    config,
		services:  services,
		latencies: metrics.NewLatencyRegistry(latencyWindow),
		logger:    log.With().Str("component", "rpc_server").Logger(),
	}
	s.tools = s.registerTools()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             config.BodyLimit,
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	app.Use(recover.New())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	app.Use(middleware.Session(services.Auth.VerifySession))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", s.handleMetrics)
	app.Get("/oauth/callback", s.handleOAuthCallback)
	app.Post("/tools/:name", s.handleTool)

	s.app = app
	return s
}

// App exposes the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks serving requests until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info().Str("addr", s.config.Addr).Msg("tool surface listening")
	return s.app.Listen(s.config.Addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// =============================================================================
// Dispatch
// =============================================================================

func (s *Server) handleTool(c *fiber.Ctx) error {
	name := c.Params("name")
	def, ok := s.tools[name]
	if !ok {
		return c.Status(fiber.StatusNotFound).
			JSON(response.NewToolError("method_not_found", "unknown tool: "+name, nil))
	}

	caller := middleware.Caller(c)
	if caller == nil && !def.exempt {
		return c.Status(fiber.StatusUnauthorized).
			JSON(response.NewToolError("unauthenticated", "tool requires an authenticated session", nil))
	}

	started := time.Now()
	payload, err := def.run(c.UserContext(), caller, c.Body())
	s.latencies.Record(name, time.Since(started))
	if err != nil {
		return s.writeError(c, name, err)
	}

	result, err := response.NewToolResult(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("tool", name).Msg("failed to serialize tool result")
		return c.Status(fiber.StatusInternalServerError).
			JSON(response.NewToolError("internal_error", "failed to serialize result", nil))
	}
	return c.JSON(result)
}

func (s *Server) writeError(c *fiber.Ctx, name string, err error) error {
	code := wireCode(err)
	status := apperr.GetHTTPStatus(err)

	var details map[string]any
	var appErr *apperr.AppError
	message := "internal error"
	if errors.As(err, &appErr) {
		message = appErr.Message
		details = appErr.Details
	}

	if code == "internal_error" {
		s.logger.Error().Err(err).Str("tool", name).Msg("tool call failed")
	} else {
		s.logger.Debug().Err(err).Str("tool", name).Str("code", code).Msg("tool call rejected")
	}
	return c.Status(status).JSON(response.NewToolError(code, message, details))
}

// wireCode maps an error to the wire error vocabulary. Validation failures
// fold into invalid_params; everything else keeps its own code.
func wireCode(err error) string {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		return "internal_error"
	}
	switch appErr.Code {
	case apperr.CodeMissingField, apperr.CodeInvalidParams:
		return "invalid_params"
	default:
		return strings.ToLower(appErr.Code)
	}
}

// parseBody decodes the request body into a typed request. An empty body
// reads as the zero request.
func parseBody[T any](body []byte) (*T, error) {
	var req T
	if len(body) == 0 {
		return &req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.New("INVALID_REQUEST", "malformed request body: "+err.Error(), fiber.StatusBadRequest)
	}
	return &req, nil
}

// handleMetrics reports per-tool latency percentiles over the sample window.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	tools := make(map[string]any)
	for name, stats := range s.latencies.AllStats() {
		tools[name] = stats.ToMap()
	}
	return c.JSON(fiber.Map{"tools": tools})
}

// =============================================================================
// OAuth callback
// =============================================================================

// handleOAuthCallback is where the browser lands after consent. It completes
// the pending auth state; the client picks the result up via
// poll_user_context.
func (s *Server) handleOAuthCallback(c *fiber.Ctx) error {
	state := c.Query("state")
	code := c.Query("code")
	if oauthErr := c.Query("error"); oauthErr != "" {
		return c.Status(fiber.StatusBadRequest).SendString("authentication declined: " + oauthErr)
	}
	if state == "" || code == "" {
		return c.Status(fiber.StatusBadRequest).SendString("missing state or code")
	}

	if err := s.services.Callback.HandleCallback(c.UserContext(), state, code); err != nil {
		s.logger.Warn().Err(err).Msg("oauth callback failed")
		return c.Status(apperr.GetHTTPStatus(err)).SendString("authentication failed")
	}
	return c.SendString("authentication complete, you can close this window")
}
