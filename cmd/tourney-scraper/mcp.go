package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kingsroom/tourney-scraper/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	cf := addCommonFlags(fs)
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: tourney-scraper mcp-server [options]

Start an MCP (Model Context Protocol) server for AI tool integration.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Start with stdio transport
  tourney-scraper mcp-server -config config.yaml

  # Start with SSE transport on port 8080 and metrics on 9090
  tourney-scraper mcp-server -config config.yaml -transport sse -port 8080 -metrics-addr :9090

Available MCP Tools:
  fetch_tournament  Fetch one tournament page through the cache tiers
  fetch_batch       Start a background batch fetch
  get_job_status    Poll a batch fetch
  list_jobs         List batch fetches, oldest first
  cancel_job        Cancel a pending or running batch fetch
  get_url_state     Show the stored state of an identifier
  set_suppressed    Block or unblock live fetches for an identifier
  match_venue       Match a venue name against reference venues
  caching_stats     Summarize cache effectiveness
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doMcpServer(cf, *transport, *port, *metricsAddr, os.Stderr)
	os.Exit(exitCode)
}

// doMcpServer is the testable implementation of the MCP server.
// The MCP protocol owns stdout, so logs and errors go to stderr.
func doMcpServer(cf *commonFlags, transport string, port int, metricsAddr string, stderr io.Writer) int {
	if transport != "stdio" && transport != "sse" {
		fmt.Fprintf(stderr, "Unknown transport: %s (supported: stdio, sse)\n", transport)
		return 1
	}

	a, err := openApp(context.Background(), cf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	srv := startMetricsServer(metricsAddr, a.pipeline.Metrics, a.log)
	defer stopMetricsServer(srv)

	server, err := mcp.NewServer(&mcp.ServerConfig{
		Pipeline:   a.pipeline,
		ConfigPath: cf.configPath,
		Transport:  transport,
		Port:       port,
		Logger:     a.log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}
	defer server.Shutdown(context.Background())

	a.log.Infof("Starting MCP server (transport: %s)", transport)
	if err := server.Run(); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
