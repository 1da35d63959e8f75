package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/scanhive-labs/scanhive-go/internal/batch"
	"github.com/scanhive-labs/scanhive-go/internal/domain"
	"github.com/scanhive-labs/scanhive-go/internal/pipeline"
	"github.com/scanhive-labs/scanhive-go/internal/platform/httpserver"
	"github.com/scanhive-labs/scanhive-go/internal/registry"
	"github.com/scanhive-labs/scanhive-go/internal/repo"
)

const maxRequestBytes = 1 << 20

type scanAPI struct {
	logger *slog.Logger
	orch   *pipeline.Orchestrator
	reg    *registry.Registry
}

func newScanAPI(logger *slog.Logger, orch *pipeline.Orchestrator, reg *registry.Registry) *scanAPI {
	return &scanAPI{logger: logger, orch: orch, reg: reg}
}

func (api *scanAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /internal/v1/modules", api.handleListModules)
	mux.HandleFunc("POST /internal/v1/scans", api.handleExecuteScan)
	mux.HandleFunc("GET /internal/v1/scans/{scan_job_id}", api.handleScanStatus)
}

type assetRequestPayload struct {
	AssetID      string            `json:"asset_id"`
	Domains      []string          `json:"domains,omitempty"`
	Modules      []string          `json:"modules"`
	AssetScanIDs map[string]string `json:"asset_scan_ids,omitempty"`
}

type executeScanRequest struct {
	UserID   string                `json:"user_id"`
	Priority string                `json:"priority,omitempty"`
	Requests []assetRequestPayload `json:"requests"`
}

type executeScanResponse struct {
	ScanJobID            string   `json:"scan_job_id"`
	BatchIDs             []string `json:"batch_ids"`
	EstimatedSavingsPct  float64  `json:"estimated_savings_pct"`
	EstimatedDurationMin float64  `json:"estimated_duration_min"`
	Status               string   `json:"status"`
}

func (api *scanAPI) handleExecuteScan(w http.ResponseWriter, r *http.Request) {
	var req executeScanRequest
	if err := httpserver.DecodeJSON(r, maxRequestBytes, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "user_id_required", "user_id is required")
		return
	}
	if len(req.Requests) == 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "requests_required", "at least one scan request is required")
		return
	}

	requests := make([]domain.ScanRequest, 0, len(req.Requests))
	for _, p := range req.Requests {
		requests = append(requests, domain.ScanRequest{
			AssetID:      p.AssetID,
			Domains:      p.Domains,
			Modules:      p.Modules,
			AssetScanIDs: p.AssetScanIDs,
		})
	}

	result, err := api.orch.Execute(r.Context(), userID, requests, domain.NormalizePriority(req.Priority))
	if err != nil {
		var cfgErr *domain.ConfigurationError
		switch {
		case errors.As(err, &cfgErr):
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_configuration", cfgErr.Error())
		case errors.Is(err, batch.ErrEmptyWorkload):
			httpserver.WriteError(w, r, http.StatusBadRequest, "empty_workload", err.Error())
		default:
			api.logger.Error("scan launch failed", "user_id", userID, "error", err)
			httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "scan launch failed")
		}
		return
	}

	httpserver.WriteJSON(w, http.StatusAccepted, executeScanResponse{
		ScanJobID:            result.ScanJobID,
		BatchIDs:             result.BatchIDs,
		EstimatedSavingsPct:  result.EstimatedSavingsPct,
		EstimatedDurationMin: result.EstimatedDurationMin,
		Status:               string(result.Status),
	})
}

type moduleOutcomePayload struct {
	Module           string   `json:"module"`
	Status           string   `json:"status"`
	BatchIDs         []string `json:"batch_ids"`
	CompletedDomains int      `json:"completed_domains"`
	FailedDomains    int      `json:"failed_domains"`
}

type scanStatusResponse struct {
	ScanJobID string                 `json:"scan_job_id"`
	Status    string                 `json:"status"`
	Modules   []moduleOutcomePayload `json:"modules"`
}

func (api *scanAPI) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	scanJobID := strings.TrimSpace(r.PathValue("scan_job_id"))
	if scanJobID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "scan_job_id_required", "scan_job_id is required")
		return
	}

	outcomes, status, err := api.orch.Status(r.Context(), scanJobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "scan_not_found", "no batches recorded for scan job")
			return
		}
		api.logger.Error("scan status lookup failed", "scan_job_id", scanJobID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "scan status lookup failed")
		return
	}

	modules := make([]moduleOutcomePayload, 0, len(outcomes))
	for _, o := range outcomes {
		modules = append(modules, moduleOutcomePayload{
			Module:           o.Module,
			Status:           string(o.Status),
			BatchIDs:         o.BatchIDs,
			CompletedDomains: o.Completed,
			FailedDomains:    o.Failed,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, scanStatusResponse{
		ScanJobID: scanJobID,
		Status:    string(status),
		Modules:   modules,
	})
}

type modulePayload struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	SupportsBatching bool     `json:"supports_batching"`
	MaxBatchSize     int      `json:"max_batch_size"`
	Dependencies     []string `json:"dependencies,omitempty"`
	ExecutionMode    string   `json:"execution_mode"`
	Streaming        bool     `json:"streaming"`
}

func (api *scanAPI) handleListModules(w http.ResponseWriter, r *http.Request) {
	profiles, err := api.reg.Discover(r.Context())
	if err != nil {
		api.logger.Error("module discovery failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "module discovery failed")
		return
	}

	modules := make([]modulePayload, 0, len(profiles))
	for _, p := range profiles {
		modules = append(modules, modulePayload{
			Name:             p.Name,
			Version:          p.Version,
			SupportsBatching: p.SupportsBatching,
			MaxBatchSize:     p.MaxBatchSize,
			Dependencies:     p.Dependencies,
			ExecutionMode:    string(p.Mode()),
			Streaming:        p.Streaming,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"modules": modules})
}
