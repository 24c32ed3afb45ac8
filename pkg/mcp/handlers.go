package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kingsroom/tourney-scraper/pkg/models"
	"github.com/kingsroom/tourney-scraper/pkg/orchestrate"
	"github.com/kingsroom/tourney-scraper/pkg/storage"
)

// handleFetchTournament handles the fetch_tournament tool
func (s *Server) handleFetchTournament(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	url := request.GetString("url", "")
	if url == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}
	opts := orchestrate.FetchOptions{
		ForceRefresh: request.GetBool("force_refresh", false),
		APIKey:       request.GetString("api_key", ""),
	}

	result := s.cfg.Pipeline.Orchestrator.Fetch(ctx, id, url, opts)
	if !request.GetBool("include_content", true) {
		result.Content = ""
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleFetchBatch handles the fetch_batch tool
func (s *Server) handleFetchBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items := request.GetString("items", "")
	reqs, err := orchestrate.ParseRequests(strings.NewReader(items))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid items: %v", err)), nil
	}
	if len(reqs) == 0 {
		return mcp.NewToolResultError("items parameter must contain at least one 'id,url' pair"), nil
	}

	label := request.GetString("label", "")
	opts := orchestrate.FetchOptions{
		ForceRefresh: request.GetBool("force_refresh", false),
		APIKey:       request.GetString("api_key", ""),
	}

	if label != "" && s.jobManager.IsRunning(label) {
		existing, _ := s.jobManager.CreateJob(label, len(reqs), opts.ForceRefresh)
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"status":  "already_running",
			"message": "A batch with this label is already in progress",
			"job_id":  existing.ID,
			"label":   label,
		})), nil
	}

	job, err := s.jobManager.CreateJob(label, len(reqs), opts.ForceRefresh)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create job: %v", err)), nil
	}
	go s.runBatchJob(job.ID, reqs, opts)

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"status":  "started",
		"message": "Batch fetch started successfully",
		"job_id":  job.ID,
		"label":   label,
		"total":   len(reqs),
	})), nil
}

// runBatchJob runs a batch fetch in the background
func (s *Server) runBatchJob(jobID string, reqs []orchestrate.FetchRequest, opts orchestrate.FetchOptions) {
	s.jobManager.UpdateStatus(jobID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(jobID)

	s.cfg.Pipeline.Orchestrator.FetchBatch(jobCtx, reqs, opts, func(r models.FetchResult) {
		s.jobManager.RecordItem(jobID, r)
	})

	if jobCtx.Err() != nil {
		// CancelJob already set the terminal status
		return
	}
	if job := s.jobManager.GetJob(jobID); job != nil && job.Total > 0 && job.Failed == job.Total {
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, fmt.Sprintf("all %d items failed", job.Total))
		return
	}
	s.jobManager.UpdateStatus(jobID, JobStatusCompleted, "")
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := map[string]interface{}{
		"job_id":        job.ID,
		"label":         job.Label,
		"status":        job.Status,
		"started_at":    job.StartedAt.Format(time.RFC3339),
		"total":         job.Total,
		"completed":     job.Completed,
		"succeeded":     job.Succeeded,
		"failed":        job.Failed,
		"force_refresh": job.ForceRefresh,
		"items":         job.Items,
	}
	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		result["error"] = job.ErrorMessage
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListJobs handles the list_jobs tool
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly := request.GetBool("active_only", false)

	jobs := make([]map[string]interface{}, 0)
	for _, job := range s.jobManager.ListJobs() {
		if activeOnly && !job.isActive() {
			continue
		}
		entry := map[string]interface{}{
			"job_id":     job.ID,
			"label":      job.Label,
			"status":     job.Status,
			"started_at": job.StartedAt.Format(time.RFC3339),
			"total":      job.Total,
			"completed":  job.Completed,
			"failed":     job.Failed,
		}
		if job.ErrorMessage != "" {
			entry["error"] = job.ErrorMessage
		}
		jobs = append(jobs, entry)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"count": len(jobs),
		"jobs":  jobs,
	})), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	if !s.jobManager.CancelJob(jobID) {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' is already %s", jobID, job.Status)), nil
	}

	s.log.WithField("job_id", jobID).Info("Batch job cancelled")
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"job_id": jobID,
		"status": JobStatusCancelled,
	})), nil
}

// handleGetURLState handles the get_url_state tool
func (s *Server) handleGetURLState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	rec, err := s.cfg.Pipeline.Tracker.Get(ctx, id)
	if errors.Is(err, storage.ErrRecordNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("no state recorded for '%s'", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load state: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(rec)), nil
}

// handleSetSuppressed handles the set_suppressed tool
func (s *Server) handleSetSuppressed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}

	var (
		rec *models.URLRecord
		err error
	)
	if request.GetBool("suppressed", true) {
		reason := request.GetString("reason", "operator")
		rec, err = s.cfg.Pipeline.Tracker.SetSuppressed(ctx, id, request.GetString("url", ""), reason)
	} else {
		rec, err = s.cfg.Pipeline.Tracker.ClearSuppressed(ctx, id)
	}
	if errors.Is(err, storage.ErrRecordNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("no state recorded for '%s'", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update suppression: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(rec)), nil
}

// handleMatchVenue handles the match_venue tool
func (s *Server) handleMatchVenue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityID := request.GetString("entity_id", "")
	if entityID == "" {
		return mcp.NewToolResultError("entity_id parameter is required"), nil
	}

	name := request.GetString("name", "")
	if name == "" {
		id := request.GetString("id", "")
		if id == "" {
			return mcp.NewToolResultError("either name or id is required"), nil
		}
		extracted, err := s.cfg.Pipeline.StoredVenueText(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cannot read stored page for '%s': %v", id, err)), nil
		}
		name = extracted
	}

	result, err := s.cfg.Pipeline.Matcher.MatchForEntity(ctx, s.cfg.Pipeline.Venues, entityID, name, splitList(request.GetString("series_titles", ""))...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to match venue: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCachingStats handles the caching_stats tool
func (s *Server) handleCachingStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.cfg.Pipeline.Tracker.CachingStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute caching stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(stats)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// formatJSON formats data as an indented JSON string
func formatJSON(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
