// Package api exposes the HTTP surface: job submission and status,
// fee lookup, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	logger "log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/txfees/internal/core/clock"
	"github.com/vietddude/txfees/internal/infra/storage"
)

// Config holds API server settings.
type Config struct {
	Port int `yaml:"port"`
}

// earliestJobTime is 2018-01-01T00:00:00Z; windows before it predate
// any data worth indexing and are rejected up front.
const earliestJobTime = int64(1514764800)

var txHashPattern = regexp.MustCompile(`^0x[A-Fa-f0-9]{64}$`)

// JobNotifier wakes the executor when a job is submitted. The Redis
// client satisfies it; a nil notifier degrades to the executor's
// periodic scan.
type JobNotifier interface {
	PushJob(ctx context.Context, jobID int64) error
}

// Health reports readiness of the backing stores.
type Health interface {
	Health(ctx context.Context) error
}

// Server is the HTTP API.
type Server struct {
	jobs     storage.JobRepository
	fees     storage.FeeRepository
	blocks   storage.BlockRepository
	notifier JobNotifier
	health   Health
	clk      clock.Clock
	log      *logger.Logger
	server   *http.Server
}

func NewServer(
	cfg Config,
	jobs storage.JobRepository,
	fees storage.FeeRepository,
	blocks storage.BlockRepository,
	notifier JobNotifier,
	health Health,
	clk clock.Clock,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		jobs:     jobs,
		fees:     fees,
		blocks:   blocks,
		notifier: notifier,
		health:   health,
		clk:      clk,
		log:      logger.Default(),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /v1/fees/{hash}", s.handleFeeLookup)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

type submitJobRequest struct {
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`
}

type submitJobResponse struct {
	JobID int64 `json:"job_id"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := s.validateWindow(req.StartTime, req.EndTime); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id, err := s.jobs.Create(r.Context(), req.StartTime, req.EndTime)
	if err != nil {
		s.log.Error("job create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}

	if s.notifier != nil {
		if err := s.notifier.PushJob(r.Context(), id); err != nil {
			// The job is durable; the executor's periodic scan will
			// find it without the wake-up.
			s.log.Warn("job wake-up push failed", "job", id, "error", err)
		}
	}

	s.log.Info("job submitted", "job", id, "start_time", req.StartTime, "end_time", req.EndTime)
	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: id})
}

func (s *Server) validateWindow(start, end int64) string {
	switch {
	case start < earliestJobTime:
		return "start_time must be on or after 2018-01-01T00:00:00Z"
	case end > s.clk.Now().Unix():
		return "end_time must not be in the future"
	case start >= end:
		return "start_time must be before end_time"
	}
	return ""
}

type jobStatusResponse struct {
	JobID         int64   `json:"job_id"`
	Status        string  `json:"status"`
	StartTime     int64   `json:"start_time"`
	EndTime       int64   `json:"end_time"`
	StartBlock    *uint64 `json:"start_block,omitempty"`
	EndBlock      *uint64 `json:"end_block,omitempty"`
	Cursor        *uint64 `json:"cursor,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.log.Error("job lookup failed", "job", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		StartTime:     job.StartTime,
		EndTime:       job.EndTime,
		StartBlock:    job.StartBlock,
		EndBlock:      job.EndBlock,
		Cursor:        job.Cursor,
		FailureReason: job.FailureReason,
	})
}

type feeResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockHash   string `json:"block_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	GasPriceWei string `json:"gas_price_wei"`
	FeeUSDT     string `json:"fee_usdt"`
	PriceUSDT   string `json:"price_usdt,omitempty"`
}

func (s *Server) handleFeeLookup(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(r.PathValue("hash"))
	if !txHashPattern.MatchString(hash) {
		writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}

	fee, err := s.fees.GetByTxHash(r.Context(), hash)
	if err != nil {
		s.log.Error("fee lookup failed", "tx", hash, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load fee")
		return
	}
	if fee == nil {
		writeError(w, http.StatusNotFound, "fee not found")
		return
	}

	resp := feeResponse{
		TxHash:      fee.TxHash,
		BlockHash:   fee.BlockHash,
		BlockNumber: fee.BlockNumber,
		GasUsed:     fee.GasUsed,
		GasPriceWei: fee.GasPriceWei.String(),
		FeeUSDT:     fee.FeeUSDT.String(),
	}
	// Enrich with the price the fee was computed at.
	block, err := s.blocks.GetByHash(r.Context(), fee.BlockHash)
	if err == nil && block != nil {
		resp.PriceUSDT = block.Price.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.health != nil {
		if err := s.health.Health(r.Context()); err != nil {
			status = "critical"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
