// Package cleanup は無効化または長期間未使用の購読を削除するスイープ処理を提供する。
// HTTPのcleanupエンドポイントとworkerの定期実行の両方から呼び出される。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newsbell/internal/metrics"
	"github.com/hitoshi/newsbell/internal/model"
)

// DefaultRetention は最終利用からの保持期間のデフォルト値（30日）。
const DefaultRetention = 30 * 24 * time.Hour

// SweepStore はスイープ対象の取得と削除を抽象化するインターフェース。
type SweepStore interface {
	ListSweepable(ctx context.Context, cutoff time.Time) ([]*model.Subscription, error)
	RemoveIfSweepable(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// Sweeper はinvalidな購読と保持期間を超えて使われていない購読を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
type Sweeper struct {
	store   SweepStore
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewSweeper は新しいSweeperを生成する。mcがnilの場合はメトリクスを記録しない。
func NewSweeper(store SweepStore, mc metrics.MetricsCollector, logger *slog.Logger) *Sweeper {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Sweeper{
		store:   store,
		metrics: mc,
		logger:  logger,
		now:     time.Now,
	}
}

// Sweep はstatus=invalid、または最終利用日時（未使用なら作成日時）がretentionより古い購読を削除する。
// retentionが0以下の場合はDefaultRetentionを使用する。
// 対象の取得に失敗した場合はエラーを返し、個別の削除失敗はレポートのErrorsに集める。
// 取得後に再登録された購読は削除時の条件判定で除外される。
func (s *Sweeper) Sweep(ctx context.Context, retention time.Duration) (*model.SweepReport, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	start := s.now()
	cutoff := start.Add(-retention)

	targets, err := s.store.ListSweepable(ctx, cutoff)
	if err != nil {
		s.logger.Error("購読クリーンアップ対象の取得に失敗しました",
			slog.String("error", err.Error()),
			slog.String("retention", retention.String()),
		)
		return nil, fmt.Errorf("購読クリーンアップ対象の取得に失敗: %w", err)
	}

	report := &model.SweepReport{Errors: []string{}}
	for _, sub := range targets {
		removed, err := s.store.RemoveIfSweepable(ctx, sub.ID, cutoff)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
			continue
		}
		if removed {
			report.Removed++
		}
	}
	s.metrics.RecordSwept(report.Removed)

	s.logger.Info("購読クリーンアップが完了しました",
		slog.Int("candidate_count", len(targets)),
		slog.Int("deleted_count", report.Removed),
		slog.Int("error_count", len(report.Errors)),
		slog.String("retention", retention.String()),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)

	return report, nil
}
