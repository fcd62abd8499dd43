package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

// ServerOption 定制 Server。
type ServerOption func(*Server)

// WithTokens 开启 Bearer 令牌认证。未配置令牌时接口不做认证。
func WithTokens(tokens ...string) ServerOption {
	return func(s *Server) {
		for _, t := range tokens {
			if t = strings.TrimSpace(t); t != "" {
				s.tokens = append(s.tokens, []byte(t))
			}
		}
	}
}

// authenticate 校验 Authorization 头并为每个请求写审计日志。
// 救援账本导出包含钱包种子，因此所有接口都受同一令牌保护。
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		audit := logger.Audit()
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || !s.validToken(token) {
			status := http.StatusUnauthorized
			http.Error(w, http.StatusText(status), status)
			audit.Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
				"remote", r.RemoteAddr,
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r)
		if r.Method == http.MethodGet && r.URL.Path != "/api/v1/rescue" {
			return
		}
		audit.Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) validToken(token string) bool {
	candidate := []byte(token)
	match := 0
	for _, t := range s.tokens {
		match |= subtle.ConstantTimeCompare(candidate, t)
	}
	return match == 1
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
