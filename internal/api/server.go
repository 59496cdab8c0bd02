package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/intent"
	"OpenMCP-Nexus/internal/intervention"
	"OpenMCP-Nexus/internal/observability/metrics"
	"OpenMCP-Nexus/internal/orchestrator"
	"OpenMCP-Nexus/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Scheduler 是接口层依赖的调度能力。
type Scheduler interface {
	Submit(ctx context.Context, in intent.Intent) (orchestrator.Receipt, error)
	Queue() []intent.Intent
	Stats() orchestrator.Stats
}

// Interventions 是接口层依赖的人工介入能力。
type Interventions interface {
	Pending() []intervention.Request
	Resolve(id, value string) bool
}

// SubmitRequest 是提交意图的请求体。
type SubmitRequest struct {
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Origin      string         `json:"origin,omitempty"`
}

// QueueResponse 是队列查询的响应。
type QueueResponse struct {
	Items []intent.Intent    `json:"items"`
	Stats orchestrator.Stats `json:"stats"`
}

// ResolveRequest 是答复人工介入的请求体。
type ResolveRequest struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// ResolveResponse 表示答复是否命中未决请求。
type ResolveResponse struct {
	Found bool `json:"found"`
}

// ErrorResponse 是统一的错误响应。
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	scheduler       Scheduler
	interventions   Interventions
	token           string
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithInterventions 启用人工介入相关接口。
func WithInterventions(i Interventions) Option {
	return func(s *Server) { s.interventions = i }
}

// WithAPIToken 要求请求携带 Bearer 令牌，空值表示不鉴权。
func WithAPIToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

// WithShutdownTimeout 设置优雅关闭的等待时长。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sched Scheduler, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		scheduler:       sched,
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，包含鉴权与指标中间件。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/intents", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/queue", s.handleQueue)
	mux.HandleFunc("GET /api/v1/interventions", s.handleInterventions)
	mux.HandleFunc("POST /api/v1/interventions/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/v1/webhooks/{source}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return instrument(authenticate(s.token, mux))
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
	s.log.Info("API 服务已启动", slog.String("addr", s.addr), slog.Bool("auth", s.token != ""))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	origin := intent.ParseOrigin(req.Origin)
	if req.Origin == "" || origin == intent.OriginInternalChain {
		// 链式意图只能由工作流产生。
		origin = intent.OriginAPI
	}
	s.submit(w, r, intent.Intent{
		Origin:      origin,
		Description: req.Description,
		Payload:     req.Payload,
		Priority:    req.Priority,
		UserID:      req.UserID,
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.PathValue("source"))
	if source == "" {
		writeError(w, http.StatusBadRequest, errors.New("缺少 webhook 来源"))
		return
	}
	var body map[string]any
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body == nil {
		body = map[string]any{}
	}
	desc, _ := body["description"].(string)
	if strings.TrimSpace(desc) == "" {
		desc = fmt.Sprintf("webhook event from %s", source)
	}
	userID, _ := body["userId"].(string)
	body["webhookSource"] = source
	s.submit(w, r, intent.Intent{
		Origin:      intent.OriginAPI,
		Description: desc,
		Payload:     body,
		UserID:      userID,
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, in intent.Intent) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("调度器未初始化"))
		return
	}
	receipt, err := s.scheduler.Submit(r.Context(), in)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("调度器未初始化"))
		return
	}
	items := s.scheduler.Queue()
	if items == nil {
		items = []intent.Intent{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{Items: items, Stats: s.scheduler.Stats()})
}

func (s *Server) handleInterventions(w http.ResponseWriter, _ *http.Request) {
	if s.interventions == nil {
		writeJSON(w, http.StatusOK, []intervention.Request{})
		return
	}
	pending := s.interventions.Pending()
	metrics.SetPendingInterventions(len(pending))
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.interventions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("人工介入未启用"))
		return
	}
	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("缺少介入请求 id"))
		return
	}
	if !s.interventions.Resolve(req.ID, req.Value) {
		writeJSON(w, http.StatusNotFound, ResolveResponse{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{Found: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("请求体解析失败: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeIntentValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeRecursionLimit:
		return http.StatusUnprocessableEntity
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		resp.Code = string(code)
	}
	writeJSON(w, status, resp)
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
