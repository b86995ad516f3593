// Package worker はバックグラウンドジョブの定期実行を提供する。
// クリーンアップ、週次閲覧数リセット、フィード監視をcron式で実行する。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job は定期実行するジョブ。
type Job struct {
	// Name はログに出力するジョブ名。
	Name string
	// Schedule は5フィールドのcron式、または@every/@dailyなどの記述子。
	Schedule string
	// Run はジョブ本体。
	Run func(ctx context.Context) error
}

// Scheduler はcron式に従ってジョブを実行する。
// 前回の実行が終わっていないジョブは実行をスキップする。
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	cron    *cron.Cron
	ctx     context.Context
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		logger:  logger,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx: context.Background(),
	}
}

// Add はジョブを登録する。cron式が不正な場合はエラーを返す。
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("ジョブ名と実行関数は必須です")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("ジョブ %s のスケジュールが不正です %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("ジョブ %s は登録済みです", job.Name)
	}

	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) })
	if err != nil {
		return fmt.Errorf("ジョブ %s の登録に失敗: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	return nil
}

// Start はスケジューラを起動し、コンテキストがキャンセルされるまでブロックする。
// 停止時は実行中のジョブの完了を待つ。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("ジョブスケジューラを開始しました",
		slog.Int("job_count", count),
	)

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("ジョブスケジューラを停止しました")
}

// RunNow は登録済みのジョブを即座に1回実行する。
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ジョブ %s は登録されていません", name)
	}
	return job.Run(ctx)
}

// Jobs は登録済みのジョブ名を名前順で返す。
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next は次回の実行予定時刻を返す。未登録またはスケジューラ停止中はゼロ値を返す。
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) execute(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("ジョブの実行に失敗しました",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("ジョブが完了しました",
		slog.String("job", job.Name),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// cronLogger はrobfig/cronのログをslogへ出力する。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err.Error()}, keysAndValues...)...)
}
