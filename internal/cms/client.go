// Package cms はヘッドレスCMS（Strapi）のREST APIクライアントを提供する。
// 記事の週次閲覧数リセットに使用する。
package cms

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/hitoshi/newsbell/internal/model"
)

const (
	// defaultPageSize は記事一覧取得時の1ページあたりの件数。
	defaultPageSize = 100
	// maxPages は1回のリセットで取得する最大ページ数。
	maxPages = 100
	// weeklyCountField はCMSの週次閲覧数フィールド名。
	weeklyCountField = "visit_weekly_count"
)

// Config はCMSクライアントの設定。
type Config struct {
	// BaseURL はCMSのベースURL（/api を含まない）。
	BaseURL string
	// APIToken はCMSのAPIトークン。
	APIToken string
	// Timeout は1リクエストあたりのタイムアウト。
	Timeout time.Duration
}

// Client はCMSのREST APIクライアント。
type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	pageSize   int
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientがnilの場合はcfg.Timeoutを設定したクライアントを使用する。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	apiBase := ""
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		apiBase = base + "/api/"
	}
	return &Client{
		apiBase:    apiBase,
		token:      cfg.APIToken,
		httpClient: httpClient,
		logger:     logger,
		pageSize:   defaultPageSize,
	}
}

// Configured はベースURLとトークンが設定されているかを返す。
func (c *Client) Configured() bool {
	return c.apiBase != "" && c.token != ""
}

// article はCMSの記事一覧レスポンスの1要素。
// Strapi v5はdocumentId、v4はidで記事を特定する。
type article struct {
	ID         int    `json:"id"`
	DocumentID string `json:"documentId"`
	WeeklyHits int    `json:"visit_weekly_count"`
}

func (a article) key() string {
	if a.DocumentID != "" {
		return a.DocumentID
	}
	return strconv.Itoa(a.ID)
}

type articleList struct {
	Data []article `json:"data"`
	Meta struct {
		Pagination struct {
			Page      int `json:"page"`
			PageSize  int `json:"pageSize"`
			PageCount int `json:"pageCount"`
			Total     int `json:"total"`
		} `json:"pagination"`
	} `json:"meta"`
}

// ResetWeeklyVisits は週次閲覧数が0より大きい記事をすべて0に更新する。
// 個別の更新失敗は処理を中断せずErrorCountに計上する。
// 一覧の取得に失敗した場合はUpstreamErrorを返す。
func (c *Client) ResetWeeklyVisits(ctx context.Context) (*model.WeeklyResetReport, error) {
	if !c.Configured() {
		return nil, model.NewConfigurationError("CMS_BASE_URL / CMS_API_TOKEN")
	}

	start := time.Now()

	// 更新により一覧の内容が変わるため、先に全件を取得してから更新する
	targets, err := c.listArticlesWithWeeklyVisits(ctx)
	if err != nil {
		c.logger.Error("CMSの記事一覧取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamError("cms", err)
	}

	report := &model.WeeklyResetReport{TotalArticles: len(targets)}
	for _, a := range targets {
		if err := c.resetArticle(ctx, a.key()); err != nil {
			report.ErrorCount++
			c.logger.Warn("記事の週次閲覧数のリセットに失敗しました",
				slog.String("article", a.key()),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.SuccessCount++
	}

	c.logger.Info("週次閲覧数のリセットが完了しました",
		slog.Int("total_articles", report.TotalArticles),
		slog.Int("success_count", report.SuccessCount),
		slog.Int("error_count", report.ErrorCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return report, nil
}

func (c *Client) listArticlesWithWeeklyVisits(ctx context.Context) ([]article, error) {
	var all []article
	for page := 1; page <= maxPages; page++ {
		var resp articleList
		err := requests.URL(c.apiBase).
			Client(c.httpClient).
			Path("articles").
			Bearer(c.token).
			Param("filters["+weeklyCountField+"][$gt]", "0").
			Param("fields[0]", weeklyCountField).
			Param("pagination[page]", strconv.Itoa(page)).
			Param("pagination[pageSize]", strconv.Itoa(c.pageSize)).
			ToJSON(&resp).
			Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("記事一覧の取得に失敗 (page=%d): %w", page, err)
		}

		all = append(all, resp.Data...)
		if len(resp.Data) == 0 || page >= resp.Meta.Pagination.PageCount {
			break
		}
	}
	return all, nil
}

func (c *Client) resetArticle(ctx context.Context, key string) error {
	body := map[string]any{
		"data": map[string]any{weeklyCountField: 0},
	}
	return requests.URL(c.apiBase).
		Client(c.httpClient).
		Path("articles/" + url.PathEscape(key)).
		Method(http.MethodPut).
		Bearer(c.token).
		BodyJSON(body).
		Fetch(ctx)
}
