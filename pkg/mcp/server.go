package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/orchestrate"
)

const (
	serverName    = "tourney-scraper"
	serverVersion = "1.0.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	Pipeline   *orchestrate.Pipeline
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger
}

// Server exposes the fetch pipeline as MCP tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(),
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	fetchTool := mcp.NewTool("fetch_tournament",
		mcp.WithDescription("Fetch one tournament page, reusing stored content when it is still valid"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Stable tournament identifier"),
		),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Tournament page URL"),
		),
		mcp.WithBoolean("force_refresh",
			mcp.Description("Skip cache tiers and the terminal-state abort and fetch live"),
		),
		mcp.WithString("api_key",
			mcp.Description("Upstream credential override for this request"),
		),
		mcp.WithBoolean("include_content",
			mcp.Description("Return the raw HTML (default: true)"),
		),
	)
	s.mcpServer.AddTool(fetchTool, s.handleFetchTournament)

	batchTool := mcp.NewTool("fetch_batch",
		mcp.WithDescription("Start a background batch fetch. Returns immediately with a job ID."),
		mcp.WithString("items",
			mcp.Required(),
			mcp.Description("Newline-separated 'id,url' pairs"),
		),
		mcp.WithString("label",
			mcp.Description("Optional batch label; a running batch with the same label is returned instead of starting a new one"),
		),
		mcp.WithBoolean("force_refresh",
			mcp.Description("Skip cache tiers and the terminal-state abort for every item"),
		),
		mcp.WithString("api_key",
			mcp.Description("Upstream credential override for the batch"),
		),
	)
	s.mcpServer.AddTool(batchTool, s.handleFetchBatch)

	jobStatusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status of a batch fetch job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by fetch_batch"),
		),
	)
	s.mcpServer.AddTool(jobStatusTool, s.handleGetJobStatus)

	listJobsTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List batch fetch jobs started by this server, oldest first"),
		mcp.WithBoolean("active_only",
			mcp.Description("Only list pending and running jobs (default: false)"),
		),
	)
	s.mcpServer.AddTool(listJobsTool, s.handleListJobs)

	cancelJobTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a pending or running batch fetch job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by fetch_batch"),
		),
	)
	s.mcpServer.AddTool(cancelJobTool, s.handleCancelJob)

	stateTool := mcp.NewTool("get_url_state",
		mcp.WithDescription("Show the stored fetch state of a tournament identifier"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Tournament identifier"),
		),
	)
	s.mcpServer.AddTool(stateTool, s.handleGetURLState)

	suppressTool := mcp.NewTool("set_suppressed",
		mcp.WithDescription("Block or unblock live fetches for an identifier"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Tournament identifier"),
		),
		mcp.WithBoolean("suppressed",
			mcp.Required(),
			mcp.Description("true to suppress, false to clear suppression"),
		),
		mcp.WithString("reason",
			mcp.Description("Suppression reason (default: 'operator')"),
		),
		mcp.WithString("url",
			mcp.Description("Tournament page URL, stored when the identifier is new"),
		),
	)
	s.mcpServer.AddTool(suppressTool, s.handleSetSuppressed)

	matchTool := mcp.NewTool("match_venue",
		mcp.WithDescription("Match a free-text venue name against the reference venues of an entity"),
		mcp.WithString("entity_id",
			mcp.Required(),
			mcp.Description("Owner of the venue reference list"),
		),
		mcp.WithString("name",
			mcp.Description("Venue text to match; extracted from the stored page of 'id' when empty"),
		),
		mcp.WithString("id",
			mcp.Description("Tournament identifier whose stored page supplies the venue text"),
		),
		mcp.WithString("series_titles",
			mcp.Description("Comma-separated series titles to ignore while matching"),
		),
	)
	s.mcpServer.AddTool(matchTool, s.handleMatchVenue)

	statsTool := mcp.NewTool("caching_stats",
		mcp.WithDescription("Summarize cache effectiveness across all tracked identifiers"),
	)
	s.mcpServer.AddTool(statsTool, s.handleCachingStats)

	s.log.Infof("Registered %d MCP tools", 9)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio", "":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels running batch jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
