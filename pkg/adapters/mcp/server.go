package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/arbiter"
	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/control"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/session"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ControllersURI is the resource listing every live controller.
const ControllersURI = "arbiter://controllers"

// Inspector is the read-only view of an arbiter exposed to agents.
type Inspector interface {
	Controllers() []control.ControllerState
	Controller(key domain.ChannelKey) (control.ControllerState, bool)
	Sessions() []session.Info
	Regions(ctx context.Context, key domain.ChannelKey) ([]domain.RegionRecord, error)
}

// ControllersResponse is the output of list_controllers.
type ControllersResponse struct {
	Controllers []control.ControllerState `json:"controllers" jsonschema_description:"Every channel with at least one open gate"`
}

// SessionsResponse is the output of list_sessions.
type SessionsResponse struct {
	Sessions []session.Info `json:"sessions" jsonschema_description:"Live control sessions"`
}

// RegionsResponse is the output of get_regions.
type RegionsResponse struct {
	Channel domain.ChannelKey     `json:"channel"`
	Regions []domain.RegionRecord `json:"regions" jsonschema_description:"Closed control regions ordered by start"`
}

type channelArgs struct {
	Channel string `json:"channel"`
}

// Server exposes an Inspector as an MCP server.
type Server struct {
	inspector Inspector
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(inspector Inspector, opts ...Option) *Server {
	s := &Server{
		inspector: inspector,
		mcpServer: server.NewMCPServer("arbiter-mcp", strings.TrimSpace(arbiter.Version)),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeSSE serves MCP over SSE on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())
	httpServer := &http.Server{Addr: addr, Handler: mux}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_controllers",
		mcp.WithDescription("List every channel with open gates, its winner and all competing claims."),
		mcp.WithOutputSchema[ControllersResponse](),
	), mcp.NewStructuredToolHandler(s.handleListControllers))

	s.mcpServer.AddTool(mcp.NewTool("get_controller",
		mcp.WithDescription("Get the winner and the open gates of one channel."),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Channel key")),
		mcp.WithOutputSchema[control.ControllerState](),
	), mcp.NewStructuredToolHandler(s.handleGetController))

	s.mcpServer.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List live control sessions and the state of their gates."),
		mcp.WithOutputSchema[SessionsResponse](),
	), mcp.NewStructuredToolHandler(s.handleListSessions))

	s.mcpServer.AddTool(mcp.NewTool("get_regions",
		mcp.WithDescription("Get the audit trail of closed control regions of one channel."),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Channel key")),
		mcp.WithOutputSchema[RegionsResponse](),
	), mcp.NewStructuredToolHandler(s.handleGetRegions))
}

func (s *Server) handleListControllers(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (ControllersResponse, error) {
	return ControllersResponse{Controllers: s.inspector.Controllers()}, nil
}

func (s *Server) handleGetController(ctx context.Context, request mcp.CallToolRequest, args channelArgs) (control.ControllerState, error) {
	if args.Channel == "" {
		return control.ControllerState{}, fmt.Errorf("%w: channel is required", domain.ErrValidation)
	}
	st, ok := s.inspector.Controller(domain.ChannelKey(args.Channel))
	if !ok {
		return control.ControllerState{}, fmt.Errorf("no open gates on channel %s", args.Channel)
	}
	return st, nil
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (SessionsResponse, error) {
	return SessionsResponse{Sessions: s.inspector.Sessions()}, nil
}

func (s *Server) handleGetRegions(ctx context.Context, request mcp.CallToolRequest, args channelArgs) (RegionsResponse, error) {
	if args.Channel == "" {
		return RegionsResponse{}, fmt.Errorf("%w: channel is required", domain.ErrValidation)
	}
	key := domain.ChannelKey(args.Channel)
	regions, err := s.inspector.Regions(ctx, key)
	if err != nil {
		s.logger.Error("MCP get_regions failed", "channel", key, "err", err)
		return RegionsResponse{}, fmt.Errorf("read regions: %w", err)
	}
	return RegionsResponse{Channel: key, Regions: regions}, nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(ControllersURI, "Live Controllers",
		mcp.WithMIMEType("application/json"),
	), s.readControllers)
}

func (s *Server) readControllers(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	jsonBytes, err := json.Marshal(s.inspector.Controllers())
	if err != nil {
		return nil, fmt.Errorf("encode controllers: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ControllersURI,
			MIMEType: "application/json",
			Text:     string(jsonBytes),
		},
	}, nil
}
