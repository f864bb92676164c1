package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/auth"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/job"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/internal/run"
	"OpenMCP-Orchestrator/internal/tool"
	"OpenMCP-Orchestrator/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Runner 同步执行一次编排运行。
type Runner interface {
	Run(ctx context.Context, task string, maxRetries int) (*run.Output, error)
}

// Catalog 提供工具契约列表。
type Catalog interface {
	Contracts() []tool.Contract
}

// Server 负责暴露 REST 接口，供外部提交并查询编排运行。
type Server struct {
	addr              string
	runner            Runner
	jobs              *job.Service
	catalog           Catalog
	auth              *auth.Service
	defaultMaxRetries int
	retryLimit        int
	shutdownTimeout   time.Duration
	log               *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithJobs 启用异步运行接口。
func WithJobs(svc *job.Service) Option {
	return func(s *Server) {
		s.jobs = svc
	}
}

// WithCatalog 设置工具目录。
func WithCatalog(c Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithAuth 为业务接口启用 API Key 认证，/healthz 与 /metrics 不受影响。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithRetryBudget 设置同步接口的默认重试预算与上限。
func WithRetryBudget(defaultRetries, limit int) Option {
	return func(s *Server) {
		if defaultRetries >= 0 {
			s.defaultMaxRetries = defaultRetries
		}
		if limit >= 0 {
			s.retryLimit = limit
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		runner:            runner,
		defaultMaxRetries: 1,
		retryLimit:        5,
		shutdownTimeout:   5 * time.Second,
		log:               logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	guard := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermissionRunsRead},
			http.MethodPost: {auth.PermissionRunsWrite},
			"*":             {auth.PermissionRunsWrite},
		},
	})
	mux := http.NewServeMux()
	mux.Handle("/run-task", instrument("run_task", guard(http.HandlerFunc(s.handleRunTask))))
	mux.Handle("/api/v1/runs", instrument("runs", guard(http.HandlerFunc(s.handleRuns))))
	mux.Handle("/api/v1/runs/", instrument("run_detail", guard(http.HandlerFunc(s.handleRunDetail))))
	mux.Handle("/api/v1/tools", instrument("tools", guard(http.HandlerFunc(s.handleTools))))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type runTaskRequest struct {
	Task       string `json:"task"`
	MaxRetries *int   `json:"max_retries"`
}

// handleRunTask 同步执行一次运行并返回最终结果。
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}

	req, err := decodeRunTask(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 || maxRetries > s.retryLimit {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("max_retries 必须在 0 到 %d 之间", s.retryLimit)))
		return
	}

	out, err := s.runner.Run(r.Context(), req.Task, maxRetries)
	if err != nil {
		s.log.Warn("同步运行失败", slog.String("task", req.Task), slog.Any("error", err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run.NewResponse(*out))
}

func decodeRunTask(r *http.Request) (runTaskRequest, error) {
	var req runTaskRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return req, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
		}
	}
	query := r.URL.Query()
	if req.Task == "" {
		req.Task = query.Get("task")
	}
	if req.MaxRetries == nil && query.Get("max_retries") != "" {
		parsed, err := strconv.Atoi(query.Get("max_retries"))
		if err != nil {
			return req, xerrors.New(xerrors.CodeInvalidArgument, "max_retries 必须为整数")
		}
		req.MaxRetries = &parsed
	}
	if strings.TrimSpace(req.Task) == "" {
		return req, xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}
	return req, nil
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未启用"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET/POST"))
	}
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobView(created))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未启用"))
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/runs/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "缺少运行 ID"))
		return
	}
	if id == "stats" {
		s.handleRunStats(w, r)
		return
	}

	found, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	view := newJobView(found)
	if r.URL.Query().Get("history") == "true" && found.Output != nil {
		view.History = found.Output.History
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	contracts := []tool.Contract{}
	if s.catalog != nil {
		contracts = s.catalog.Contracts()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": contracts})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 将查询参数转换为作业过滤条件。
func parseListOptions(r *http.Request) ([]job.ListOption, error) {
	query := r.URL.Query()
	var opts []job.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, job.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, job.WithOffset(offset))
	}
	if values := query["status"]; len(values) > 0 {
		var statuses []job.Status
		for _, value := range values {
			for _, part := range strings.Split(value, ",") {
				status := job.Status(strings.ToLower(strings.TrimSpace(part)))
				if status == "" {
					continue
				}
				if !job.IsValidStatus(status) {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的状态 %q", part))
				}
				statuses = append(statuses, status)
			}
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := query.Get("verified"); raw != "" {
		verified, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "verified 必须为布尔值")
		}
		opts = append(opts, job.WithVerified(verified))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, job.WithQuery(raw))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 仅支持 asc/desc")
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, job.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, job.WithUpdatedUntil(ts))
	}
	return opts, nil
}

// parseTimestamp 接受 RFC3339 或 Unix 秒。
func parseTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无法解析时间 %q", raw))
}

// jobView 是作业的对外表示，result 为最终运行结果。
type jobView struct {
	ID          string        `json:"id"`
	Task        string        `json:"task"`
	MaxRetries  int           `json:"max_retries"`
	Status      job.Status    `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	LastError   string        `json:"last_error,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Verified    bool          `json:"verified"`
	RetriesUsed int           `json:"retries_used"`
	Exhausted   bool          `json:"exhausted"`
	Result      *run.Response `json:"result,omitempty"`
	History     []run.Round   `json:"history,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

func newJobView(j *job.Job) jobView {
	view := jobView{
		ID:          j.ID,
		Task:        j.Task,
		MaxRetries:  j.MaxRetries,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		ErrorCode:   j.ErrorCode,
		Verified:    j.Verified,
		Result:      j.Response(),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.Output != nil {
		view.RetriesUsed = j.Output.RetriesUsed
		view.Exhausted = j.Output.Exhausted
	}
	return view
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor 根据最外层错误码映射 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, job.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, job.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, job.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout, xerrors.CodeCanceled:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(xerrors.CodeOf(err)),
		Message: xerrors.MessageOf(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder 记录响应状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个路由的请求耗时与状态码。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
