package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/newsbell/internal/model"
)

// NewBearerAuthMiddleware は共有シークレットによるBearer認証ミドルウェアを返す。
// secretが未設定の場合はすべてのリクエストを500で拒否する。
// 一致しない場合は401を返す。比較は定数時間で行う。
func NewBearerAuthMiddleware(secret, settingName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				slog.Error("shared secret is not configured",
					slog.String("setting", settingName),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusInternalServerError, model.NewConfigurationError(settingName))
				return
			}

			token, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				slog.Warn("bearer authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("client_ip", ClientIP(r)),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
