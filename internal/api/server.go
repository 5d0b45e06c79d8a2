package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"QuizChain/internal/agent"
	"QuizChain/internal/auth"
	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/observability/metrics"
	"QuizChain/internal/task"
	"QuizChain/pkg/logger"
)

// DefaultReadHeaderTimeout 是未配置时的请求头读取超时。
const DefaultReadHeaderTimeout = 5 * time.Second

const maxTriggerBody = 1 << 20

// Server 负责暴露触发接口与运行查询接口。
type Server struct {
	addr              string
	runs              *task.Service
	auth              *auth.Service
	readHeaderTimeout time.Duration
	log               *zap.Logger
}

// Option 定义服务器的可选配置。
type Option func(*Server)

// WithReadHeaderTimeout 设置请求头读取超时。
func WithReadHeaderTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.readHeaderTimeout = timeout
		}
	}
}

// WithLogger 替换默认日志记录器。
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs *task.Service, authService *auth.Service, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		runs:              runs,
		auth:              authService,
		readHeaderTimeout: DefaultReadHeaderTimeout,
		log:               logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/run", instrument(fixedRoute("trigger"), http.HandlerFunc(s.handleTrigger)))
	mux.Handle("/healthz", instrument(fixedRoute("healthz"), http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", metrics.Handler())

	runs := http.Handler(http.HandlerFunc(s.handleRuns))
	if s.auth != nil {
		runs = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {auth.PermissionRunsRead},
				http.MethodPost: {auth.PermissionRunsCancel},
			},
			AuditEvent: "runs_api",
		})(runs)
	}
	mux.Handle("/api/v1/runs", instrument(runRoute, runs))
	mux.Handle("/api/v1/runs/", instrument(runRoute, runs))
	mux.Handle("/", instrument(fixedRoute("root"), http.HandlerFunc(s.handleRoot)))
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "未找到资源")
		return
	}
	s.handleHealth(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "quizchain"})
}

// TriggerResponse 是触发接口成功时的响应体。
type TriggerResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
}

// handleTrigger 校验共享密钥并将运行放入后台队列。
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 POST")
		return
	}
	if s.runs == nil || s.auth == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "服务未初始化")
		return
	}

	var body map[string]any
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriggerBody))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil || body == nil {
		writeError(w, http.StatusBadRequest, string(task.CodeTaskValidation), "请求体解析失败")
		return
	}

	email, okEmail := stringField(body, "email")
	secret, okSecret := stringField(body, "secret")
	startURL, okURL := stringField(body, "url")
	if !okEmail || !okSecret || !okURL {
		writeError(w, http.StatusBadRequest, string(task.CodeTaskValidation), "email、secret、url 均为必填字符串")
		return
	}
	if err := task.ValidateStartURL(startURL); err != nil {
		writeError(w, http.StatusBadRequest, string(task.CodeTaskValidation), err.Error())
		return
	}
	if err := s.auth.VerifySecret(secret); err != nil {
		logger.Audit().Warn("trigger_denied",
			zap.String("principal_id", email),
			zap.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusForbidden, string(xerrors.CodeUnauthorized), "密钥不匹配")
		return
	}

	metadata := make(map[string]any, len(body))
	for key, value := range body {
		switch key {
		case "email", "secret", "url":
			continue
		}
		metadata[key] = value
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	run, err := s.runs.Submit(r.Context(), task.SubmitRequest{
		PrincipalID: email,
		StartURL:    startURL,
		Metadata:    metadata,
	})
	if err != nil {
		status := statusForError(err)
		s.log.Error("触发运行失败", zap.Error(err), zap.String("principal_id", email))
		writeError(w, status, string(xerrors.CodeOf(err)), err.Error())
		return
	}
	logger.Audit().Info("trigger_accepted",
		zap.String("run_id", run.ID),
		zap.String("principal_id", email),
		zap.String("start_url", startURL),
	)
	writeJSON(w, http.StatusOK, TriggerResponse{
		Message: "Quiz solver started",
		Status:  "processing",
		RunID:   run.ID,
	})
}

// handleRuns 分发 /api/v1/runs 下的查询与取消请求。
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeInitializationFailure), "运行服务未初始化")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/runs"), "/")
	switch {
	case rest == "":
		s.handleListRuns(w, r)
	case rest == "stats":
		s.handleRunStats(w, r)
	default:
		s.handleRunDetail(w, r, rest)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	opts, err := parseRunFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
		return
	}
	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
		return
	}
	if runs == nil {
		runs = []*task.Task{}
	}
	logger.Audit().Info("runs_listed",
		zap.String("operator", auth.OperatorName(r.Context())),
		zap.String("query", r.URL.RawQuery),
		zap.Int("count", len(runs)),
	)
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
		return
	}
	opts, err := parseRunFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
		return
	}
	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	id := strings.TrimSpace(parts[0])
	if id == "" || len(parts) > 2 {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "运行 ID 无效")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
			return
		}
		run, err := s.runs.Get(r.Context(), id)
		if err != nil {
			writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, run)
	case "steps":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 GET")
			return
		}
		steps, err := s.runs.Steps(r.Context(), id)
		if err != nil {
			writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, steps)
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "仅支持 POST")
			return
		}
		operator := auth.OperatorName(r.Context())
		run, err := s.runs.Cancel(r.Context(), id)
		if err != nil {
			logger.Audit().Warn("run_cancel_rejected",
				zap.String("operator", operator),
				zap.String("run_id", id),
				zap.String("code", string(xerrors.CodeOf(err))),
			)
			writeError(w, statusForError(err), string(xerrors.CodeOf(err)), err.Error())
			return
		}
		logger.Audit().Info("run_canceled",
			zap.String("operator", operator),
			zap.String("run_id", id),
			zap.String("principal_id", run.PrincipalID),
		)
		writeJSON(w, http.StatusOK, run)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "未找到资源")
	}
}

// parseRunFilter 将查询参数转换为运行筛选选项。
func parseRunFilter(r *http.Request) ([]task.FilterOption, error) {
	query := r.URL.Query()
	var opts []task.FilterOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.New("limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	var statuses []task.Status
	for _, item := range listParam(query["status"]) {
		status := task.Status(item)
		if !task.IsValidStatus(status) {
			return nil, errors.New("未知的状态: " + item)
		}
		statuses = append(statuses, status)
	}
	if len(statuses) > 0 {
		opts = append(opts, task.WithStatuses(statuses...))
	}
	var terminations []agent.Termination
	for _, item := range listParam(query["termination"]) {
		termination := agent.Termination(item)
		if !task.IsValidTermination(termination) {
			return nil, errors.New("未知的结束方式: " + item)
		}
		terminations = append(terminations, termination)
	}
	if len(terminations) > 0 {
		opts = append(opts, task.WithTerminations(terminations...))
	}
	if raw := strings.TrimSpace(query.Get("principal")); raw != "" {
		opts = append(opts, task.WithPrincipal(raw))
	}
	if raw := strings.TrimSpace(query.Get("q")); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithAscending())
	default:
		return nil, errors.New("order 仅支持 asc 或 desc")
	}
	if raw := query.Get("finished"); raw != "" {
		finished, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("finished 必须为布尔值")
		}
		opts = append(opts, task.WithFinished(finished))
	}
	if raw := query.Get("updated_since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, errors.New("updated_since 格式无效")
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("updated_until"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, errors.New("updated_until 格式无效")
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	return opts, nil
}

// listParam 展开重复参数与逗号分隔的取值，统一为小写。
func listParam(raws []string) []string {
	var items []string
	for _, raw := range raws {
		for _, item := range strings.Split(raw, ",") {
			if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

// parseTimestamp 接受 RFC3339 或 Unix 秒。
func parseTimestamp(raw string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func stringField(body map[string]any, key string) (string, bool) {
	value, ok := body[key].(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// statusForError 将错误码映射为 HTTP 状态码。
func statusForError(err error) int {
	switch xerrors.CodeOf(err) {
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case task.CodeTaskCompleted, task.CodeTaskCanceled, task.CodeTaskConflict, task.CodeTaskExhausted, xerrors.CodeConflict:
		return http.StatusConflict
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusForbidden
	case task.CodeTaskPublish, xerrors.CodeQueueFailure, xerrors.CodeStorageFailure, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder 捕获响应状态码用于指标统计。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routeFunc 将请求归类为指标中的路由标签。
type routeFunc func(*http.Request) string

func fixedRoute(name string) routeFunc {
	return func(*http.Request) string { return name }
}

// runRoute 按运行接口的动作归类，避免运行 ID 进入标签。
func runRoute(r *http.Request) string {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/runs"), "/")
	switch {
	case rest == "":
		return "runs_list"
	case rest == "stats":
		return "runs_stats"
	case strings.HasSuffix(rest, "/steps"):
		return "run_steps"
	case strings.HasSuffix(rest, "/cancel"):
		return "run_cancel"
	default:
		return "run_detail"
	}
}

// instrument 记录每个路由的请求数与耗时。
func instrument(route routeFunc, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(route(r), r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, string(xerrors.CodeCanceled), "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
