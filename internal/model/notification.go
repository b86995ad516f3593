package model

import "time"

// NotificationData は通知クリック時に利用されるデータを表す。
type NotificationData struct {
	URL        string   `json:"url"`
	ArticleID  string   `json:"articleId,omitempty"`
	Timestamp  int64    `json:"timestamp"`
	Categories []string `json:"categories,omitempty"`
}

// NotificationPayload はService Workerへ送るJSONペイロード。
type NotificationPayload struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Icon  string           `json:"icon,omitempty"`
	Badge string           `json:"badge,omitempty"`
	Image string           `json:"image,omitempty"`
	Tag   string           `json:"tag,omitempty"`
	Data  NotificationData `json:"data"`
}

// ArticleEvent はCMSで公開された記事を表す。
type ArticleEvent struct {
	ID          string
	Title       string
	Slug        string
	Categories  []string
	PublishedAt time.Time
}

// DeliveryOutcome は1件の送信結果。
type DeliveryOutcome string

const (
	OutcomeSuccess DeliveryOutcome = "success"
	OutcomeFailure DeliveryOutcome = "failure"
)

// ErrorClass は送信失敗の分類。
type ErrorClass string

const (
	// ErrorClassTransient は次回の配信で再試行すべき一時的な失敗。
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassTerminal はエンドポイントが恒久的に無効になった失敗。
	ErrorClassTerminal ErrorClass = "terminal"
)

// DeliveryResult は購読1件ごとの配信結果。
type DeliveryResult struct {
	SubscriptionID string          `json:"subscriptionId"`
	Outcome        DeliveryOutcome `json:"outcome"`
	ErrorClass     ErrorClass      `json:"errorClass,omitempty"`
	StatusCode     int             `json:"statusCode,omitempty"`
}

// DeliveryReport は配信全体の集計結果。
type DeliveryReport struct {
	SuccessCount int              `json:"successCount"`
	FailureCount int              `json:"failureCount"`
	Errors       []string         `json:"errors"`
	Results      []DeliveryResult `json:"results"`
}

// WeeklyResetReport は週次閲覧数リセットの集計結果。
type WeeklyResetReport struct {
	TotalArticles int `json:"totalArticles"`
	SuccessCount  int `json:"successCount"`
	ErrorCount    int `json:"errorCount"`
}
