package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newsbell/internal/middleware"
	"github.com/hitoshi/newsbell/internal/model"
	"github.com/hitoshi/newsbell/internal/notification"
	"github.com/hitoshi/newsbell/internal/repository"
	"github.com/hitoshi/newsbell/internal/subscription"
	"github.com/hitoshi/newsbell/internal/worker/cleanup"
)

const (
	testCronSecret    = "cron-secret"
	testWebhookSecret = "webhook-secret"
	testAdminSecret   = "admin-secret"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error { return m.err }

// newTestRouterDeps はモックサービスで構成したRouterDepsを返す。
func newTestRouterDeps(t *testing.T) *RouterDeps {
	t.Helper()
	rl := middleware.NewRateLimiter("test", middleware.PerMinute(100))
	t.Cleanup(rl.Stop)

	reg := &mockRegistrar{}
	return &RouterDeps{
		Logger:            discardLogger(),
		CORSAllowedOrigin: "https://blog.example.com",
		RateLimiter:       rl,
		CronSecret:        testCronSecret,
		WebhookSecret:     testWebhookSecret,
		AdminSecret:       testAdminSecret,
		Push:              NewPushHandler(reg, &mockSweeper{}, "BPublicKey", 0),
		Webhook:           NewWebhookHandler(&mockArticleNotifier{}, discardLogger()),
		Admin:             newTestAdminHandler(&mockNotificationService{}, reg),
		Cron:              NewCronHandler(&mockResetter{}),
		Health:            NewHealthHandler(&mockPinger{}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
	}
}

func TestNewRouter_PublicRoutes(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/push/vapid-key", "", http.StatusOK},
		{http.MethodGet, "/push/stats", "", http.StatusOK},
		{http.MethodPost, "/push/subscribe", `{"subscription":{"endpoint":"https://e/a","keys":{"p256dh":"p","auth":"a"}}}`, http.StatusOK},
		{http.MethodPost, "/push/unsubscribe", `{"endpoint":"https://e/a"}`, http.StatusOK},
		{http.MethodPut, "/push/preferences", `{"endpoint":"https://e/a","preferences":{"allArticles":true}}`, http.StatusOK},
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := jsonRequest(tt.method, tt.path, tt.body)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestNewRouter_BearerProtectedRoutes(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	routes := []struct {
		method string
		path   string
		secret string
		body   string
	}{
		{http.MethodPost, "/push/cleanup", testCronSecret, ""},
		{http.MethodPost, "/cron/weekly-reset", testCronSecret, ""},
		{http.MethodPost, "/webhook/cms", testWebhookSecret, `{"event":"entry.update","model":"article"}`},
		{http.MethodPost, "/push/test", testAdminSecret, ""},
		{http.MethodGet, "/push/debug", testAdminSecret, ""},
	}

	for _, rt := range routes {
		t.Run(rt.path, func(t *testing.T) {
			cases := []struct {
				name  string
				token string
				want  int
			}{
				{"missing token", "", http.StatusUnauthorized},
				{"wrong token", "Bearer nope", http.StatusUnauthorized},
				{"other route's secret", "Bearer " + otherSecret(rt.secret), http.StatusUnauthorized},
				{"valid token", "Bearer " + rt.secret, http.StatusOK},
			}
			for _, c := range cases {
				req := httptest.NewRequest(rt.method, rt.path, strings.NewReader(rt.body))
				if c.token != "" {
					req.Header.Set("Authorization", c.token)
				}
				w := httptest.NewRecorder()
				router.ServeHTTP(w, req)
				if w.Code != c.want {
					t.Errorf("%s: status = %d, want %d: %s", c.name, w.Code, c.want, w.Body.String())
				}
			}
		})
	}
}

func otherSecret(secret string) string {
	if secret == testAdminSecret {
		return testCronSecret
	}
	return testAdminSecret
}

// シークレット未設定のルートは認証をスキップせず500を返す。
func TestNewRouter_UnconfiguredSecret_FailsClosed(t *testing.T) {
	deps := newTestRouterDeps(t)
	deps.CronSecret = ""
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/push/cleanup", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeConfiguration {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeConfiguration)
	}
}

func TestNewRouter_CORSPreflight(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))

	req := httptest.NewRequest(http.MethodOptions, "/push/subscribe", nil)
	req.Header.Set("Origin", "https://blog.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://blog.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestNewRouter_SubscribeRateLimited(t *testing.T) {
	deps := newTestRouterDeps(t)
	deps.RateLimiter.Stop()
	deps.RateLimiter = middleware.NewRateLimiter("subscribe", middleware.PerMinute(2))
	t.Cleanup(deps.RateLimiter.Stop)
	router := NewRouter(deps)

	body := `{"subscription":{"endpoint":"https://e/a","keys":{"p256dh":"p","auth":"a"}}}`
	var last int
	for i := 0; i < 3; i++ {
		req := jsonRequest(http.MethodPost, "/push/subscribe", body)
		req.RemoteAddr = "198.51.100.7:4321"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want %d", last, http.StatusTooManyRequests)
	}

	// 他のクライアントには影響しない
	req := jsonRequest(http.MethodPost, "/push/subscribe", body)
	req.RemoteAddr = "203.0.113.9:1111"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_HealthUnavailable(t *testing.T) {
	deps := newTestRouterDeps(t)
	deps.Health = NewHealthHandler(&mockPinger{err: errors.New("connection refused")})
	router := NewRouter(deps)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestNewRouter_SecurityHeaders(t *testing.T) {
	router := NewRouter(newTestRouterDeps(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/push/stats", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

// 実際のRegistrarとメモリストアを通して購読から解除までを確認する。
func TestNewRouter_SubscriptionLifecycle_MemoryStore(t *testing.T) {
	repo := repository.NewMemoryPushSubscriptionRepo(nil)
	logger := discardLogger()
	registrar := subscription.NewRegistrar(repo, nil, nil, logger)
	sweeper := cleanup.NewSweeper(repo, nil, logger)
	composer := notification.NewComposer(notification.ComposerConfig{}, nil)

	rl := middleware.NewRateLimiter("subscribe", middleware.PerMinute(100))
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		Logger:      logger,
		RateLimiter: rl,
		CronSecret:  testCronSecret,
		Push:        NewPushHandler(registrar, sweeper, "BPublicKey", 30*24*time.Hour),
		Webhook:     NewWebhookHandler(&mockArticleNotifier{}, logger),
		Admin:       NewAdminHandler(&mockNotificationService{}, composer, registrar, AdminStatus{}),
		Cron:        NewCronHandler(&mockResetter{}),
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := jsonRequest(method, path, body)
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	endpoint := "https://fcm.googleapis.com/fcm/send/lifecycle"
	subscribe := `{"subscription":{"endpoint":"` + endpoint + `","keys":{"p256dh":[4,1,2,3],"auth":[5,6,7]}}}`

	if w := do(http.MethodPost, "/push/subscribe", subscribe); w.Code != http.StatusOK {
		t.Fatalf("subscribe: status = %d: %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodPost, "/push/subscribe", subscribe); w.Code != http.StatusOK {
		t.Fatalf("re-subscribe: status = %d", w.Code)
	}

	stats, _ := repo.CountByStatus(context.Background())
	if stats.Total != 1 || stats.Active != 1 {
		t.Errorf("stats after double subscribe = %+v, want a single active record", stats)
	}
	sub, _ := repo.FindByEndpoint(context.Background(), endpoint)
	if sub == nil || sub.Metadata.Browser != "Chrome" {
		t.Errorf("stored subscription = %+v, want Chrome metadata", sub)
	}

	if w := do(http.MethodPut, "/push/preferences", `{"endpoint":"`+endpoint+`","preferences":{"categories":[" Tech ","Tech"],"allArticles":false}}`); w.Code != http.StatusOK {
		t.Fatalf("preferences: status = %d: %s", w.Code, w.Body.String())
	}
	sub, _ = repo.FindByEndpoint(context.Background(), endpoint)
	if len(sub.Preferences.Categories) != 1 || sub.Preferences.Categories[0] != "Tech" {
		t.Errorf("Categories = %v, want [Tech]", sub.Preferences.Categories)
	}

	if w := do(http.MethodPost, "/push/unsubscribe", `{"endpoint":"`+endpoint+`"}`); w.Code != http.StatusOK {
		t.Fatalf("unsubscribe: status = %d", w.Code)
	}
	if w := do(http.MethodPost, "/push/unsubscribe", `{"endpoint":"`+endpoint+`"}`); w.Code != http.StatusNotFound {
		t.Errorf("second unsubscribe: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
