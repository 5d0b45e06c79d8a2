package auth

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于校验运维令牌并记录审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.OperatorAuthEnabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				w.Header().Set("WWW-Authenticate", `Bearer realm="quizchain"`)
				http.Error(w, http.StatusText(status), status)
				s.audit.Warn("access_denied",
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.Int("status", status),
					zap.Error(err),
				)
				return
			}
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					status := http.StatusForbidden
					if !errors.Is(err, ErrPermissionDenied) {
						status = http.StatusUnauthorized
					}
					http.Error(w, http.StatusText(status), status)
					s.audit.Warn("permission_denied",
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method),
						zap.Int("status", status),
						zap.Error(err),
						zap.String("user", subject.Name),
					)
					return
				}
			}
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				zap.String("event", event),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", aw.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("user", subject.Name),
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
