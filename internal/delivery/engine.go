// Package delivery は通知ペイロードを購読者へ並行送信し、結果に応じて購読状態を更新する。
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/newsbell/internal/metrics"
	"github.com/hitoshi/newsbell/internal/model"
	"github.com/hitoshi/newsbell/internal/repository"
)

const (
	defaultMaxConcurrent = 20
	defaultSendTimeout   = 5 * time.Second
)

// StatusUpdater は送信結果を購読に反映する。
type StatusUpdater interface {
	SetStatus(ctx context.Context, id string, status model.SubscriptionStatus) error
	TouchLastUsed(ctx context.Context, id string) error
}

// Config は配信エンジンの設定。
type Config struct {
	// MaxConcurrent は同時に送信する最大数。0以下の場合は20。
	MaxConcurrent int
	// SendTimeout は1件あたりの送信タイムアウト。0以下の場合は5秒。
	SendTimeout time.Duration
}

// Engine は通知の並行送信を行う。
// 1件の失敗、タイムアウト、panicは他の送信に影響しない。
type Engine struct {
	pusher  Pusher
	store   StatusUpdater
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     Config
}

// NewEngine はEngineを生成する。mcがnilの場合はメトリクスを記録しない。
func NewEngine(pusher Pusher, store StatusUpdater, mc metrics.MetricsCollector, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Engine{
		pusher:  pusher,
		store:   store,
		metrics: mc,
		logger:  logger,
		cfg:     cfg,
	}
}

// Deliver はペイロードをすべての受信者へ送信し、集計結果を返す。
// ペイロードが不正な場合はDeliveryEngineError、VAPID鍵が未設定の場合はConfigurationErrorを返し、
// どの受信者にも送信しない。
func (e *Engine) Deliver(ctx context.Context, payload *model.NotificationPayload, recipients []*model.Subscription) (*model.DeliveryReport, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	if err := e.pusher.Ready(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, model.NewDeliveryEngineError(err.Error())
	}

	start := time.Now()
	results := make([]model.DeliveryResult, len(recipients))
	errs := make([][]string, len(recipients))

	sem := make(chan struct{}, e.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for i, sub := range recipients {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, sub *model.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("push send panicked",
						slog.String("subscription_id", sub.ID),
						slog.Any("panic", r),
					)
					results[i] = model.DeliveryResult{
						SubscriptionID: sub.ID,
						Outcome:        model.OutcomeFailure,
						ErrorClass:     model.ErrorClassTransient,
					}
					errs[i] = append(errs[i], fmt.Sprintf("%s: panic: %v", sub.ID, r))
					e.metrics.RecordDelivery(string(model.OutcomeFailure), string(model.ErrorClassTransient))
				}
			}()

			results[i], errs[i] = e.sendOne(ctx, body, sub)
		}(i, sub)
	}

	wg.Wait()

	report := &model.DeliveryReport{
		Errors:  []string{},
		Results: results,
	}
	for i, r := range results {
		if r.Outcome == model.OutcomeSuccess {
			report.SuccessCount++
		} else {
			report.FailureCount++
		}
		report.Errors = append(report.Errors, errs[i]...)
	}

	e.logger.Info("push delivery completed",
		slog.String("title", payload.Title),
		slog.Int("recipients", len(recipients)),
		slog.Int("success", report.SuccessCount),
		slog.Int("failure", report.FailureCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return report, nil
}

// sendOne は1件を送信し、結果に応じて購読を更新する。
// ストア更新の失敗は集計に影響させず、エラーメッセージとして返す。
func (e *Engine) sendOne(ctx context.Context, body []byte, sub *model.Subscription) (model.DeliveryResult, []string) {
	result := model.DeliveryResult{SubscriptionID: sub.ID}
	var errs []string

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	start := time.Now()
	status, err := e.pusher.Push(sendCtx, body, sub)
	cancel()
	e.metrics.RecordSendLatency(time.Since(start))

	// 呼び出し元のキャンセル後も送信結果は保存する
	storeCtx := context.WithoutCancel(ctx)

	if err != nil {
		result.Outcome = model.OutcomeFailure
		result.ErrorClass = model.ErrorClassTransient
		errs = append(errs, fmt.Sprintf("%s: %v", sub.ID, err))
		e.logger.Warn("push send failed",
			slog.String("subscription_id", sub.ID),
			slog.String("endpoint", model.MaskEndpoint(sub.Endpoint)),
			slog.String("error", err.Error()),
		)
	} else {
		e.metrics.RecordPushStatus(status)
		result.StatusCode = status
		class := ClassifyPushStatus(status)
		result.ErrorClass = class.ErrorClass()

		switch class {
		case PushResultDelivered:
			result.Outcome = model.OutcomeSuccess
		case PushResultGone:
			result.Outcome = model.OutcomeFailure
			e.logger.Info("push endpoint gone, marking subscription invalid",
				slog.String("subscription_id", sub.ID),
				slog.String("endpoint", model.MaskEndpoint(sub.Endpoint)),
				slog.Int("status", status),
			)
			if err := e.store.SetStatus(storeCtx, sub.ID, model.StatusInvalid); err != nil {
				if msg := storeErrorMessage(sub.ID, err); msg != "" {
					errs = append(errs, msg)
				}
			} else {
				e.metrics.RecordQuarantined()
			}
		default:
			result.Outcome = model.OutcomeFailure
			errs = append(errs, fmt.Sprintf("%s: push service returned %d", sub.ID, status))
			e.logger.Warn("push service rejected message",
				slog.String("subscription_id", sub.ID),
				slog.String("endpoint", model.MaskEndpoint(sub.Endpoint)),
				slog.Int("status", status),
			)
		}
	}

	if err := e.store.TouchLastUsed(storeCtx, sub.ID); err != nil {
		if msg := storeErrorMessage(sub.ID, err); msg != "" {
			errs = append(errs, msg)
		}
	}

	e.metrics.RecordDelivery(string(result.Outcome), string(result.ErrorClass))
	return result, errs
}

// storeErrorMessage は配信中に購読が削除された場合を除き、ストアエラーのメッセージを返す。
func storeErrorMessage(id string, err error) string {
	if errors.Is(err, repository.ErrNotFound) {
		return ""
	}
	return fmt.Sprintf("%s: %v", id, err)
}

func validatePayload(p *model.NotificationPayload) error {
	if p == nil {
		return model.NewDeliveryEngineError("payload is nil")
	}
	if p.Title == "" {
		return model.NewDeliveryEngineError("title is empty")
	}
	if p.Data.URL == "" {
		return model.NewDeliveryEngineError("data.url is empty")
	}
	return nil
}
