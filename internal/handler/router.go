package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsbell/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 共有シークレット
	CronSecret    string
	WebhookSecret string
	AdminSecret   string

	// 購読
	Push *PushHandler

	// 通知
	Webhook *WebhookHandler
	Admin   *AdminHandler

	// 定期処理
	Cron *CronHandler

	// 運用
	Health  http.Handler
	Metrics http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → (RateLimit | BearerAuth)
//
// CORSはプリフライトに応答するためルーティング前に適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	if deps.Health != nil {
		r.Method(http.MethodGet, "/health", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/push", func(r chi.Router) {
		// 購読者向け（認証なし）
		r.With(deps.RateLimiter.Middleware()).Post("/subscribe", deps.Push.Subscribe)
		r.With(deps.RateLimiter.Middleware()).Put("/preferences", deps.Push.UpdatePreferences)
		r.Post("/unsubscribe", deps.Push.Unsubscribe)
		r.Get("/vapid-key", deps.Push.VAPIDKey)
		r.Get("/stats", deps.Push.Stats)

		// 定期処理
		r.With(middleware.NewBearerAuthMiddleware(deps.CronSecret, "CRON_SECRET")).Post("/cleanup", deps.Push.Cleanup)

		// 管理者向け
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewBearerAuthMiddleware(deps.AdminSecret, "ADMIN_SECRET"))
			r.Post("/test", deps.Admin.SendTest)
			r.Get("/debug", deps.Admin.Debug)
		})
	})

	r.With(middleware.NewBearerAuthMiddleware(deps.WebhookSecret, "WEBHOOK_SECRET")).
		Post("/webhook/cms", deps.Webhook.ReceiveCMS)

	r.With(middleware.NewBearerAuthMiddleware(deps.CronSecret, "CRON_SECRET")).
		Post("/cron/weekly-reset", deps.Cron.WeeklyReset)

	return r
}
