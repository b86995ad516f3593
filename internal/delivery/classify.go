package delivery

import "github.com/hitoshi/newsbell/internal/model"

// PushResult はプッシュサービスの応答ステータスに基づく送信結果の分類。
type PushResult int

const (
	// PushResultDelivered はプッシュサービスが受理した（2xx）。
	PushResultDelivered PushResult = iota
	// PushResultGone はエンドポイントが恒久的に無効（404/410）。
	PushResultGone
	// PushResultRetryLater はそれ以外の一時的な失敗。
	// 401/403はVAPID鍵の不一致やローテーションで発生し、購読側ではなくサーバー側の問題を示すためここに含める。
	PushResultRetryLater
)

// ClassifyPushStatus はHTTPステータスコードを送信結果に分類する。
func ClassifyPushStatus(statusCode int) PushResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return PushResultDelivered
	case statusCode == 404 || statusCode == 410:
		return PushResultGone
	default:
		return PushResultRetryLater
	}
}

// ErrorClass は送信結果を配信レポート用のエラー分類に変換する。成功時は空文字列。
func (r PushResult) ErrorClass() model.ErrorClass {
	switch r {
	case PushResultDelivered:
		return ""
	case PushResultGone:
		return model.ErrorClassTerminal
	default:
		return model.ErrorClassTransient
	}
}
