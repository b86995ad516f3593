// Package feedwatch はサイトが公開しているRSS/Atomフィードを監視し、
// 新着記事を検出して通知を送信する。CMSのWebhookを使えない環境向けの代替トリガー。
package feedwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsbell/internal/model"
	"github.com/hitoshi/newsbell/internal/repository"
)

const defaultMaxBodySize = 5 << 20

// ArticleNotifier は新着記事の通知を送信する。
type ArticleNotifier interface {
	NotifyNewArticle(ctx context.Context, article model.ArticleEvent) (*model.DeliveryReport, error)
}

// Config はフィード監視の設定。
type Config struct {
	// FeedURL は監視するフィードのURL。
	FeedURL string
	// MaxBodySize はレスポンスボディの最大サイズ。0以下の場合は5MB。
	MaxBodySize int64
}

// Watcher は1つのフィードを監視する。
// 初回は既読位置の記録のみを行い、2回目以降に既読位置より新しい記事を通知する。
type Watcher struct {
	cfg      Config
	client   *http.Client
	state    repository.FeedWatchStateRepository
	notifier ArticleNotifier
	logger   *slog.Logger
	now      func() time.Time

	mu                sync.Mutex
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewWatcher はWatcherの新しいインスタンスを生成する。
func NewWatcher(
	cfg Config,
	client *http.Client,
	state repository.FeedWatchStateRepository,
	notifier ArticleNotifier,
	logger *slog.Logger,
) *Watcher {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Watcher{
		cfg:      cfg,
		client:   client,
		state:    state,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Poll はフィードを1回取得し、新着記事を通知する。通知した件数を返す。
// 通知に失敗した記事以降は既読位置を進めず、次回のPollで再度通知を試みる。
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.now()
	if start.Before(w.backoffUntil) {
		w.logger.Info("バックオフ中のためフィード取得をスキップします",
			slog.String("feed_url", w.cfg.FeedURL),
			slog.Time("backoff_until", w.backoffUntil),
		)
		return 0, nil
	}

	state, err := w.state.Find(ctx, w.cfg.FeedURL)
	if err != nil {
		return 0, err
	}
	first := state == nil
	if first {
		state = &repository.FeedWatchState{FeedURL: w.cfg.FeedURL}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.FeedURL, nil)
	if err != nil {
		return 0, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "Newsbell/1.0 Feed Watcher")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if state.ETag != "" {
		req.Header.Set("If-None-Match", state.ETag)
	}
	if state.LastModified != "" {
		req.Header.Set("If-Modified-Since", state.LastModified)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.applyBackoff()
		w.logger.Error("フィードのHTTPリクエストに失敗しました",
			slog.String("feed_url", w.cfg.FeedURL),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	switch classifyFeedStatus(resp.StatusCode) {
	case pollParse:
	case pollUnchanged:
		w.consecutiveErrors = 0
		w.logger.Info("フィードは未変更です（304）",
			slog.String("feed_url", w.cfg.FeedURL),
		)
		return 0, nil
	case pollThrottled:
		w.applyBackoff()
		return 0, fmt.Errorf("フィードがHTTPステータス %d を返しました", resp.StatusCode)
	default:
		// 404/403などは設定ミスの可能性が高いため毎回エラーとして報告する
		return 0, fmt.Errorf("フィードがHTTPステータス %d を返しました", resp.StatusCode)
	}
	w.consecutiveErrors = 0

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxBodySize))
	if err != nil {
		return 0, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		w.logger.Error("フィードのパースに失敗しました",
			slog.String("feed_url", w.cfg.FeedURL),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	state.ETag = resp.Header.Get("ETag")
	state.LastModified = resp.Header.Get("Last-Modified")

	entries := toEntries(parsed.Items)

	if first {
		if len(entries) > 0 {
			newest := entries[len(entries)-1]
			state.LastSeenAt = newest.publishedAt
			state.LastSeenGUID = newest.guid
		}
		if err := w.state.Save(ctx, state); err != nil {
			return 0, err
		}
		w.logger.Info("フィード監視の既読位置を初期化しました",
			slog.String("feed_url", w.cfg.FeedURL),
			slog.Int("items_total", len(entries)),
		)
		return 0, nil
	}

	notified := 0
	var notifyErr error
	for _, e := range entries {
		if !isNewer(e, state) {
			continue
		}

		_, err := w.notifier.NotifyNewArticle(ctx, e.article)
		var apiErr *model.APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeValidation) {
			notifyErr = err
			w.logger.Error("新着記事の通知に失敗しました",
				slog.String("feed_url", w.cfg.FeedURL),
				slog.String("guid", e.guid),
				slog.String("error", err.Error()),
			)
			break
		}
		if err != nil {
			// 通知を組み立てられない記事は既読として読み飛ばす
			w.logger.Warn("通知できない記事を読み飛ばしました",
				slog.String("guid", e.guid),
				slog.String("error", err.Error()),
			)
		} else {
			notified++
		}
		state.LastSeenAt = e.publishedAt
		state.LastSeenGUID = e.guid
	}

	if err := w.state.Save(ctx, state); err != nil {
		return notified, err
	}

	w.logger.Info("フィード監視が完了しました",
		slog.String("feed_url", w.cfg.FeedURL),
		slog.Int("items_total", len(entries)),
		slog.Int("notified", notified),
		slog.Float64("duration_ms", float64(w.now().Sub(start).Milliseconds())),
	)

	return notified, notifyErr
}

func (w *Watcher) applyBackoff() {
	delay := backoffDelay(w.consecutiveErrors)
	w.consecutiveErrors++
	w.backoffUntil = w.now().Add(delay)
}

type entry struct {
	guid        string
	publishedAt time.Time
	article     model.ArticleEvent
}

// toEntries は公開日時のある記事を古い順に並べて返す。
func toEntries(items []*gofeed.Item) []entry {
	out := make([]entry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		if published == nil {
			continue
		}

		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}

		out = append(out, entry{
			guid:        guid,
			publishedAt: published.UTC(),
			article: model.ArticleEvent{
				ID:          guid,
				Title:       item.Title,
				Slug:        SlugFromLink(item.Link),
				Categories:  item.Categories,
				PublishedAt: published.UTC(),
			},
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].publishedAt.Before(out[j].publishedAt)
	})
	return out
}

// isNewer は既読位置より後に公開された記事かを返す。公開日時が同じ記事は既読とみなす。
func isNewer(e entry, state *repository.FeedWatchState) bool {
	return e.publishedAt.After(state.LastSeenAt)
}

// SlugFromLink は記事URLの最後のパス要素をslugとして返す。
func SlugFromLink(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}
