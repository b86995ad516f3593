package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/newsbell/internal/cms"
	"github.com/hitoshi/newsbell/internal/config"
	"github.com/hitoshi/newsbell/internal/database"
	"github.com/hitoshi/newsbell/internal/delivery"
	"github.com/hitoshi/newsbell/internal/handler"
	"github.com/hitoshi/newsbell/internal/logger"
	"github.com/hitoshi/newsbell/internal/metrics"
	"github.com/hitoshi/newsbell/internal/middleware"
	"github.com/hitoshi/newsbell/internal/notification"
	"github.com/hitoshi/newsbell/internal/repository"
	"github.com/hitoshi/newsbell/internal/security"
	"github.com/hitoshi/newsbell/internal/subscription"
	"github.com/hitoshi/newsbell/internal/targeting"
	"github.com/hitoshi/newsbell/internal/worker"
	"github.com/hitoshi/newsbell/internal/worker/cleanup"
	"github.com/hitoshi/newsbell/internal/worker/feedwatch"
)

const dbConnectTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// .envで指定されたLOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// 軽量サブコマンドはフル初期化をスキップする
	switch cmd {
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandVAPIDKeys:
		return runVAPIDKeys(w)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("store_backend", cfg.StoreBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// components はserveとworkerで共有する依存関係。
type components struct {
	db        *sql.DB
	subs      repository.PushSubscriptionRepository
	feedState repository.FeedWatchStateRepository
	registry  *prometheus.Registry

	registrar *subscription.Registrar
	composer  *notification.Composer
	notifier  *notification.Notifier
	sweeper   *cleanup.Sweeper
	cms       *cms.Client
}

// Close はDB接続を閉じる。メモリストアの場合は何もしない。
func (c *components) Close() {
	if c.db != nil {
		c.db.Close()
	}
}

// buildComponents はストアを開き、ドメインサービスをワイヤリングする。
func buildComponents(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{registry: prometheus.NewRegistry()}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 1. ストアの初期化
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		log.Warn("using in-memory store; subscriptions are lost on restart")
		c.subs = repository.NewMemoryPushSubscriptionRepo(nil)
		c.feedState = repository.NewMemoryFeedWatchStateRepo()
	default:
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig(), dbConnectTimeout)
		if err != nil {
			return nil, err
		}
		log.Info("database connection established")
		c.db = db
		c.subs = repository.NewPostgresPushSubscriptionRepo(db)
		c.feedState = repository.NewPostgresFeedWatchStateRepo(db)
	}

	// 2. メトリクスとセキュリティ
	mc := metrics.NewCollector(c.registry)
	guard := security.NewEndpointGuard()

	// 3. 配信エンジン
	pusher := delivery.NewWebPusher(delivery.VAPIDConfig{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	}, delivery.WebPusherOptions{
		HTTPClient: guard.NewPushClient(cfg.PushSendTimeout),
		TTL:        cfg.PushTTL,
	})
	engine := delivery.NewEngine(pusher, c.subs, mc, log, delivery.Config{
		MaxConcurrent: cfg.PushMaxConcurrent,
		SendTimeout:   cfg.PushSendTimeout,
	})

	// 4. ドメインサービス
	c.registrar = subscription.NewRegistrar(c.subs, guard, mc, log)
	c.composer = notification.NewComposer(notification.ComposerConfig{
		Icon:  cfg.NotificationIcon,
		Badge: cfg.NotificationBadge,
	}, nil)
	c.notifier = notification.NewNotifier(targeting.NewSelector(c.subs), c.composer, engine, log)
	c.sweeper = cleanup.NewSweeper(c.subs, mc, log)
	c.cms = cms.NewClient(cms.Config{
		BaseURL:  cfg.CMSBaseURL,
		APIToken: cfg.CMSAPIToken,
		Timeout:  cfg.CMSTimeout,
	}, nil, log)

	return c, nil
}

// newRouterDeps はHTTPルーターの依存関係を構築する。
func newRouterDeps(c *components, cfg *config.Config, log *slog.Logger) *handler.RouterDeps {
	var health handler.Pinger
	if c.db != nil {
		health = c.db
	}

	return &handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter("subscribe", middleware.PerMinute(cfg.RateLimitSubscribe)),

		CronSecret:    cfg.CronSecret,
		WebhookSecret: cfg.WebhookSecret,
		AdminSecret:   cfg.AdminSecret,

		Push:    handler.NewPushHandler(c.registrar, c.sweeper, cfg.VAPIDPublicKey, cfg.SweepRetention),
		Webhook: handler.NewWebhookHandler(c.notifier, log),
		Admin: handler.NewAdminHandler(c.notifier, c.composer, c.registrar, handler.AdminStatus{
			VAPIDConfigured: cfg.VAPIDConfigured(),
			CMSConfigured:   c.cms.Configured(),
		}),
		Cron: handler.NewCronHandler(c.cms),

		Health:  handler.NewHealthHandler(health),
		Metrics: metrics.Handler(c.registry),
	}
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer c.Close()

	if !cfg.VAPIDConfigured() {
		log.Warn("VAPID keys are not configured; push delivery will fail until they are set")
	}

	deps := newRouterDeps(c, cfg, log)
	defer deps.RateLimiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// クリーンアップ、週次閲覧数リセット、フィード監視をcronスケジュールで実行する。
// ctxがキャンセルされると実行中のジョブの完了を待って終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer c.Close()

	scheduler, err := newWorkerScheduler(c, cfg, log)
	if err != nil {
		return err
	}

	log.Info("worker starting",
		slog.Any("jobs", scheduler.Jobs()),
		slog.String("sweep_schedule", cfg.SweepSchedule),
		slog.String("weekly_reset_schedule", cfg.WeeklyResetSchedule),
		slog.String("feed_watch_url", cfg.FeedWatchURL),
	)

	scheduler.Start(ctx)

	log.Info("worker stopped gracefully")
	return nil
}

// newWorkerScheduler はworkerのジョブを登録したSchedulerを返す。
// CMSが未設定の場合は週次リセットを、FEED_WATCH_URLが未設定の場合はフィード監視を登録しない。
func newWorkerScheduler(c *components, cfg *config.Config, log *slog.Logger) (*worker.Scheduler, error) {
	scheduler := worker.NewScheduler(log)

	jobs := []worker.Job{{
		Name:     "sweep",
		Schedule: cfg.SweepSchedule,
		Run: func(ctx context.Context) error {
			_, err := c.sweeper.Sweep(ctx, cfg.SweepRetention)
			return err
		},
	}}

	if c.cms.Configured() {
		jobs = append(jobs, worker.Job{
			Name:     "weekly-reset",
			Schedule: cfg.WeeklyResetSchedule,
			Run: func(ctx context.Context) error {
				_, err := c.cms.ResetWeeklyVisits(ctx)
				return err
			},
		})
	} else {
		log.Info("CMS is not configured; weekly reset job disabled")
	}

	if cfg.FeedWatchURL != "" {
		watcher := feedwatch.NewWatcher(
			feedwatch.Config{FeedURL: cfg.FeedWatchURL},
			&http.Client{Timeout: 30 * time.Second},
			c.feedState, c.notifier, log,
		)
		jobs = append(jobs, worker.Job{
			Name:     "feed-watch",
			Schedule: "@every " + cfg.FeedWatchInterval.String(),
			Run: func(ctx context.Context) error {
				_, err := watcher.Poll(ctx)
				return err
			},
		})
	}

	for _, job := range jobs {
		if err := scheduler.Add(job); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", job.Name, err)
		}
	}
	return scheduler, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.StoreBackendPostgres {
		return fmt.Errorf("migrate requires STORE_BACKEND=%s", config.StoreBackendPostgres)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// runVAPIDKeys は新しいVAPID鍵ペアを.env形式で出力する。
func runVAPIDKeys(w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	publicKey, privateKey, err := delivery.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Fprintf(w, "VAPID_PRIVATE_KEY=%s\n", privateKey)
	fmt.Fprintln(w, "VAPID_SUBJECT=mailto:admin@example.com")
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
