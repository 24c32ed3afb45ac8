package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingsroom/tourney-scraper/pkg/config"
	applog "github.com/kingsroom/tourney-scraper/pkg/log"
	"github.com/kingsroom/tourney-scraper/pkg/metrics"
	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/orchestrate"
	"github.com/kingsroom/tourney-scraper/pkg/storage"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "fetch":
		runFetch(os.Args[2:])
	case "batch":
		runBatch(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "state":
		runState(os.Args[2:])
	case "suppress":
		runSuppress(os.Args[2:], true)
	case "unsuppress":
		runSuppress(os.Args[2:], false)
	case "stats":
		runStats(os.Args[2:])
	case "seed-venues":
		runSeedVenues(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("tourney-scraper %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `tourney-scraper - Tournament page fetcher with tiered caching

Usage:
  tourney-scraper <command> [options]

Commands:
  fetch        Fetch one tournament page
  batch        Fetch many pages from an 'id,url' list
  match        Match a venue name against an entity's reference venues
  state        Show the stored state of an identifier
  suppress     Block live fetches for an identifier
  unsuppress   Clear suppression for an identifier
  stats        Summarize cache effectiveness
  seed-venues  Load reference venues from a YAML file
  validate     Validate configuration file
  mcp-server   Start MCP server for AI tool integration
  version      Show version info

Run 'tourney-scraper <command> -h' for command-specific help.`)
}

// commonFlags are accepted by every command that touches storage
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", "config.yaml", "Path to config file")
	fs.StringVar(&cf.logLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cf.logFormat, "logformat", "text", "Log format (text, json)")
	return cf
}

func newFlagSet(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tourney-scraper %s\n\nOptions:\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

// app holds the opened stores and assembled pipeline for one command
type app struct {
	cfg      *config.AppConfig
	log      *logrus.Logger
	stores   *storage.Stores
	pipeline *orchestrate.Pipeline
	stopGC   context.CancelFunc
}

// loadValidatedConfig loads the config file and applies defaults
func loadValidatedConfig(path string, log *logrus.Logger) (*config.AppConfig, error) {
	appCfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	return appCfg, nil
}

// openApp builds the logger, storage and pipeline. Callers must call close.
func openApp(ctx context.Context, cf *commonFlags, stderr io.Writer) (*app, error) {
	logger, err := applog.NewLogger(cf.logLevel, cf.logFormat)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(stderr)

	appCfg, err := loadValidatedConfig(cf.configPath, logger)
	if err != nil {
		return nil, err
	}

	entry := logrus.NewEntry(logger)
	stores, err := storage.Open(ctx, appCfg.Storage, entry.WithField("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pipeline, err := orchestrate.Assemble(appCfg, stores, metrics.New(), entry)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	gcCtx, stopGC := context.WithCancel(ctx)
	stores.RunGC(gcCtx, appCfg.Storage.GCInterval)
	return &app{cfg: appCfg, log: logger, stores: stores, pipeline: pipeline, stopGC: stopGC}, nil
}

func (a *app) close() {
	a.stopGC()
	if err := a.stores.Close(); err != nil {
		a.log.Errorf("Error closing storage: %v", err)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
// A second signal forces exit.
func signalContext(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// startMetricsServer exposes /metrics on addr; an empty addr disables it
func startMetricsServer(addr string, m *metrics.Metrics, log *logrus.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infof("Serving metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed on %s: %v", addr, err)
		}
	}()
	return srv
}

func stopMetricsServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runFetch handles the fetch subcommand
func runFetch(args []string) {
	fs := newFlagSet("fetch", "fetch -id <id> -url <url> [options]")
	cf := addCommonFlags(fs)
	id := fs.String("id", "", "Tournament identifier (required)")
	url := fs.String("url", "", "Tournament page URL (required)")
	force := fs.Bool("force", false, "Skip cache tiers and the terminal-state abort")
	apiKey := fs.String("api-key", "", "Upstream credential override")
	withContent := fs.Bool("content", false, "Include the raw HTML in the output")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doFetch(cf, *id, *url, orchestrate.FetchOptions{ForceRefresh: *force, APIKey: *apiKey}, *withContent, os.Stdout, os.Stderr))
}

// doFetch is the testable implementation of fetch
func doFetch(cf *commonFlags, id, url string, opts orchestrate.FetchOptions, withContent bool, stdout, stderr io.Writer) int {
	if id == "" || url == "" {
		fmt.Fprintln(stderr, "Error: -id and -url are required")
		return 1
	}
	a, err := openApp(context.Background(), cf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	ctx, cancel := signalContext(a.log)
	defer cancel()

	result := a.pipeline.Orchestrator.Fetch(ctx, id, url, opts)
	if !withContent {
		result.Content = ""
	}
	if err := writeJSON(stdout, result); err != nil {
		fmt.Fprintf(stderr, "Error writing result: %v\n", err)
		return 1
	}
	if !result.Success {
		return 1
	}
	return 0
}

// runBatch handles the batch subcommand
func runBatch(args []string) {
	fs := newFlagSet("batch", "batch -input <file|-> [options]")
	cf := addCommonFlags(fs)
	input := fs.String("input", "-", "File of 'id,url' lines, '-' for stdin")
	force := fs.Bool("force", false, "Skip cache tiers and the terminal-state abort for every item")
	apiKey := fs.String("api-key", "", "Upstream credential override")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. :9090)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	in := io.ReadCloser(os.Stdin)
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening input: %v\n", err)
			os.Exit(1)
		}
		in = f
	}
	code := doBatch(cf, in, orchestrate.FetchOptions{ForceRefresh: *force, APIKey: *apiKey}, *metricsAddr, os.Stdout, os.Stderr)
	in.Close()
	os.Exit(code)
}

// doBatch fetches every request in input and prints one JSON line per result
func doBatch(cf *commonFlags, input io.Reader, opts orchestrate.FetchOptions, metricsAddr string, stdout, stderr io.Writer) int {
	reqs, err := orchestrate.ParseRequests(input)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(reqs) == 0 {
		fmt.Fprintln(stderr, "Error: no requests in input")
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

	ctx, cancel := signalContext(a.log)
	defer cancel()

	enc := json.NewEncoder(stdout)
	failed := 0
	results := a.pipeline.Orchestrator.FetchBatch(ctx, reqs, opts, nil)
	for _, r := range results {
		r.Content = ""
		if !r.Success {
			failed++
		}
		if err := enc.Encode(r); err != nil {
			fmt.Fprintf(stderr, "Error writing result: %v\n", err)
			return 1
		}
	}
	if failed > 0 {
		fmt.Fprintf(stderr, "%d of %d fetches failed\n", failed, len(results))
		return 1
	}
	return 0
}

// runMatch handles the match subcommand
func runMatch(args []string) {
	fs := newFlagSet("match", "match -entity <id> (-name <text> | -id <tournament id>) [options]")
	cf := addCommonFlags(fs)
	entity := fs.String("entity", "", "Entity owning the reference venues (required)")
	name := fs.String("name", "", "Venue text to match")
	id := fs.String("id", "", "Tournament identifier whose stored page supplies the venue text")
	series := fs.String("series", "", "Comma-separated series titles to ignore")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doMatch(cf, *entity, *name, *id, splitCSV(*series), os.Stdout, os.Stderr))
}

// doMatch matches a name, or the venue text of a stored page, against the entity's venues
func doMatch(cf *commonFlags, entityID, name, id string, series []string, stdout, stderr io.Writer) int {
	if entityID == "" {
		fmt.Fprintln(stderr, "Error: -entity is required")
		return 1
	}
	if name == "" && id == "" {
		fmt.Fprintln(stderr, "Error: either -name or -id is required")
		return 1
	}
	ctx := context.Background()
	a, err := openApp(ctx, cf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	if name == "" {
		name, err = a.pipeline.StoredVenueText(ctx, id)
		if err != nil {
			fmt.Fprintf(stderr, "Error reading stored page for '%s': %v\n", id, err)
			return 1
		}
	}

	result, err := a.pipeline.Matcher.MatchForEntity(ctx, a.pipeline.Venues, entityID, name, series...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, result); err != nil {
		return 1
	}
	return 0
}

// runState handles the state subcommand
func runState(args []string) {
	fs := newFlagSet("state", "state -id <id> [options]")
	cf := addCommonFlags(fs)
	id := fs.String("id", "", "Tournament identifier (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doState(cf, *id, os.Stdout, os.Stderr))
}

func doState(cf *commonFlags, id string, stdout, stderr io.Writer) int {
	if id == "" {
		fmt.Fprintln(stderr, "Error: -id is required")
		return 1
	}
	ctx := context.Background()
	a, err := openApp(ctx, cf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	rec, err := a.pipeline.Tracker.Get(ctx, id)
	if errors.Is(err, storage.ErrRecordNotFound) {
		fmt.Fprintf(stderr, "No state recorded for '%s'\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, rec); err != nil {
		return 1
	}
	return 0
}

// runSuppress handles both suppress and unsuppress
func runSuppress(args []string, suppress bool) {
	cmdName := "unsuppress"
	if suppress {
		cmdName = "suppress"
	}
	fs := newFlagSet(cmdName, cmdName+" -id <id> [options]")
	cf := addCommonFlags(fs)
	id := fs.String("id", "", "Tournament identifier (required)")
	reason := fs.String("reason", "operator", "Suppression reason")
	url := fs.String("url", "", "Tournament page URL, stored when the identifier is new")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doSuppress(cf, *id, *url, *reason, suppress, os.Stdout, os.Stderr))
}

func doSuppress(cf *commonFlags, id, url, reason string, suppress bool, stdout, stderr io.Writer) int {
	if id == "" {
		fmt.Fprintln(stderr, "Error: -id is required")
		return 1
	}
	ctx := context.Background()
	a, err := openApp(ctx, cf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	var rec *models.URLRecord
	if suppress {
		rec, err = a.pipeline.Tracker.SetSuppressed(ctx, id, url, reason)
	} else {
		rec, err = a.pipeline.Tracker.ClearSuppressed(ctx, id)
	}
	if errors.Is(err, storage.ErrRecordNotFound) {
		fmt.Fprintf(stderr, "No state recorded for '%s'\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, rec); err != nil {
		return 1
	}
	return 0
}

// runStats handles the stats subcommand
func runStats(args []string) {
	fs := newFlagSet("stats", "stats [options]")
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doStats(cf, os.Stdout, os.Stderr))
}

func doStats(cf *commonFlags, stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, err := openApp(ctx, cf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	stats, err := a.pipeline.Tracker.CachingStats(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSON(stdout, stats); err != nil {
		return 1
	}
	return 0
}

// runSeedVenues handles the seed-venues subcommand
func runSeedVenues(args []string) {
	fs := newFlagSet("seed-venues", "seed-venues -file <venues.yaml> [options]")
	cf := addCommonFlags(fs)
	file := fs.String("file", "venues.yaml", "YAML list of venues")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doSeedVenues(cf, *file, os.Stdout, os.Stderr))
}

func doSeedVenues(cf *commonFlags, path string, stdout, stderr io.Writer) int {
	venues, err := config.LoadVenues(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	for _, v := range venues {
		if v.ID == "" || v.EntityID == "" || v.Name == "" {
			fmt.Fprintf(stderr, "Error: venue %+v needs id, entity_id and name\n", v)
			return 1
		}
		if err := a.pipeline.Venues.PutVenue(ctx, v); err != nil {
			fmt.Fprintf(stderr, "Error storing venue '%s': %v\n", v.ID, err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "Seeded %d venues\n", len(venues))
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := newFlagSet("validate", "validate [options]")
	configFile := fs.String("config", "config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate is the testable implementation of validate
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "FAIL: %v\n", err)
		return 1
	}

	mode := "direct"
	if appCfg.Upstream.Endpoint != "" {
		mode = "endpoint " + appCfg.Upstream.Endpoint
	}
	fmt.Fprintf(stdout, "OK: upstream (%s)\n", mode)
	fmt.Fprintf(stdout, "OK: storage (records=%s, blobs=%s)\n", appCfg.Storage.RecordBackend, appCfg.Storage.BlobBackend)
	fmt.Fprintf(stdout, "OK: matcher (metric=%s, auto>=%.2f, suggest>=%.2f)\n",
		appCfg.Matcher.Metric, appCfg.Matcher.AutoAssignThreshold, appCfg.Matcher.SuggestionThreshold)
	fmt.Fprintln(stdout, "\nConfiguration valid")
	return 0
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
