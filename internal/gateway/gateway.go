// ============================================================================
// mailq Gateway - HTTP 入隊介面
// ============================================================================
//
// Package: internal/gateway
// 文件: gateway.go
// 功能: 以 chi 路由把 HTTP 請求轉成 broker 入隊，並提供查詢端點
//
// 路由:
//   GET  /                 端點列表
//   GET  /sendmail         ?sendmail=<address>，以預設郵件內容入隊，回 202 + task_id
//   POST /v1/jobs          JSON {destination, payload, max_attempts}
//   GET  /v1/jobs/{id}     任務目前狀態
//   GET  /v1/stats         各狀態任務數
//   GET  /talktome         記錄請求時間與來源
//   GET  /logs             服務日誌最後 100 行
//   GET  /healthz          存活檢查
//
// 投遞錯誤不會回傳給入隊的呼叫者，只記錄在任務的 last_error。
// ============================================================================

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/delivery"
	"github.com/ChuLiYu/mailq/internal/logging"
	"github.com/ChuLiYu/mailq/pkg/types"
)

// LogTailLines /logs 回傳的行數
const LogTailLines = 100

// Queue 是 gateway 需要的 broker 子集合（broker.Broker 與 controller 皆滿足）
type Queue interface {
	Enqueue(ctx context.Context, req broker.EnqueueRequest) (types.JobID, error)
	GetJob(ctx context.Context, jobID types.JobID) (*types.Job, error)
	Stats(ctx context.Context) (broker.Stats, error)
}

// Config gateway 設定
type Config struct {
	LogFile     string           // /logs 讀取的檔案
	DefaultBody []byte           // /sendmail 使用的郵件內容
	Logger      *slog.Logger     // 預設 slog.Default()
	Now         func() time.Time // 預設 time.Now
}

// Server HTTP 入隊服務
type Server struct {
	queue  Queue
	cfg    Config
	log    *slog.Logger
	router chi.Router
}

// New 建立 gateway 並註冊路由
func New(q Queue, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultBody == nil {
		cfg.DefaultBody = []byte(delivery.DefaultBody)
	}

	s := &Server{queue: q, cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHome)
	r.Get("/sendmail", s.handleSendmail)
	r.Get("/talktome", s.handleTalkToMe)
	r.Get("/logs", s.handleLogs)
	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
	return s
}

// Handler 回傳 http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe 在 addr 上服務，直到 ctx 結束後優雅關閉
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"endpoints": map[string]string{
			"/sendmail":     "Send an email (use ?sendmail=your_email)",
			"/talktome":     "Log current time",
			"/logs":         "View application logs",
			"/v1/jobs":      "POST a job {destination, payload, max_attempts}",
			"/v1/jobs/{id}": "Get a job's state",
			"/v1/stats":     "Job counts per state",
			"/healthz":      "Liveness probe",
		},
	})
}

func (s *Server) handleSendmail(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("sendmail")
	if to == "" {
		s.log.Warn("sendmail request without email", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusBadRequest, "No email provided. Use ?sendmail=your_email@example.com")
		return
	}

	id, err := s.queue.Enqueue(r.Context(), broker.EnqueueRequest{
		Destination: to,
		Payload:     s.cfg.DefaultBody,
	})
	if err != nil {
		s.enqueueFailed(w, r, err)
		return
	}

	s.log.Info("email task queued", "to", to, "job_id", id, "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "success",
		"message": "Email to " + to + " is being processed",
		"task_id": id,
	})
}

type createJobRequest struct {
	Destination string `json:"destination"`
	Payload     string `json:"payload"`
	MaxAttempts int    `json:"max_attempts"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	id, err := s.queue.Enqueue(r.Context(), broker.EnqueueRequest{
		Destination: req.Destination,
		Payload:     []byte(req.Payload),
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.enqueueFailed(w, r, err)
		return
	}

	s.log.Info("job queued", "destination", req.Destination, "job_id", id, "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "success",
		"job_id": id,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	job, err := s.queue.GetJob(r.Context(), id)
	switch {
	case errors.Is(err, broker.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		s.log.Error("get job failed", "job_id", id, "error", err)
		writeError(w, statusFor(err), "failed to load job")
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		s.log.Error("stats failed", "error", err)
		writeError(w, statusFor(err), "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":          st.Queued,
		"leased":          st.Leased,
		"retry_scheduled": st.RetryScheduled,
		"succeeded":       st.Succeeded,
		"failed":          st.Failed,
		"total":           st.Total(),
	})
}

func (s *Server) handleTalkToMe(w http.ResponseWriter, r *http.Request) {
	now := s.cfg.Now().Format("2006-01-02 15:04:05")
	s.log.Info("talktome request received", "remote_addr", r.RemoteAddr, "time", now)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"message":     "Hello, I logged this!",
		"timestamp":   now,
		"remote_addr": r.RemoteAddr,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.LogFile == "" {
		writeError(w, http.StatusNotFound, "Log file not found")
		return
	}

	lines, err := logging.Tail(s.cfg.LogFile, LogTailLines)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Error("log file not found when accessing /logs", "path", s.cfg.LogFile)
		writeError(w, http.StatusNotFound, "Log file not found")
	case err != nil:
		s.log.Error("read log file failed", "path", s.cfg.LogFile, "error", err)
		writeError(w, http.StatusInternalServerError, "Error reading logs: "+err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "success",
			"total_log_lines": len(lines),
			"logs":            lines,
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// 輔助函式
// ============================================================================

func (s *Server) enqueueFailed(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, broker.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("enqueue failed", "error", err, "remote_addr", r.RemoteAddr)
	writeError(w, statusFor(err), "Failed to queue email task")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}
