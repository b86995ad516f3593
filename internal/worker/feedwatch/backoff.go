package feedwatch

import (
	"net/http"
	"time"
)

// pollOutcome はフィード取得のHTTPステータスを監視ループの動作に対応付けたもの。
type pollOutcome int

const (
	// 200: 本文を解析する
	pollParse pollOutcome = iota
	// 304: 何もしない
	pollUnchanged
	// 429/5xx: 次回取得を遅らせる
	pollThrottled
	// 401/403/404/410: 設定ミスとして毎回エラーを報告する
	pollMisconfigured
	pollUnexpected
)

// 取得失敗時の待機時間。連続失敗ごとに2倍にする。
const (
	firstBackoff = 15 * time.Minute
	maxBackoff   = 6 * time.Hour
)

func classifyFeedStatus(code int) pollOutcome {
	switch {
	case code == http.StatusOK:
		return pollParse
	case code == http.StatusNotModified:
		return pollUnchanged
	case code == http.StatusTooManyRequests || code >= 500:
		return pollThrottled
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusNotFound, code == http.StatusGone:
		return pollMisconfigured
	default:
		return pollUnexpected
	}
}

// backoffDelay はfailures回連続で失敗した後の待機時間を返す。
func backoffDelay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	d := firstBackoff
	for ; failures > 0; failures-- {
		if d *= 2; d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
