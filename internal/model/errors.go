// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 呼び出し元に返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, store, delivery, config, auth
	Action   string // 対処方法

	cause error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// 定義済みエラーコード
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeDeliveryEngine       = "DELIVERY_ENGINE_ERROR"
	ErrCodeConfiguration        = "CONFIGURATION_ERROR"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeEndpointBlocked      = "ENDPOINT_BLOCKED"
	ErrCodeUpstream             = "UPSTREAM_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeRateLimited          = "RATE_LIMIT_EXCEEDED"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// NewStoreUnavailableError はストア障害エラーを生成する。
// causeにはドライバが返したエラーを渡す。
func NewStoreUnavailableError(op string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  fmt.Sprintf("購読ストアが利用できません (%s)", op),
		Category: "store",
		Action:   "しばらく待ってから再度お試しください。",
		cause:    cause,
	}
}

// NewDeliveryEngineError は配信エンジンへの不正な入力を表すエラーを生成する。
func NewDeliveryEngineError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeDeliveryEngine,
		Message:  fmt.Sprintf("通知ペイロードが不正です: %s", reason),
		Category: "delivery",
		Action:   "タイトルと遷移先URLを指定してください。",
	}
}

// NewConfigurationError は必須設定の欠落を表すエラーを生成する。
func NewConfigurationError(setting string) *APIError {
	return &APIError{
		Code:     ErrCodeConfiguration,
		Message:  fmt.Sprintf("必要な設定がありません: %s", setting),
		Category: "config",
		Action:   "サーバーの環境変数を確認してください。",
	}
}

// NewUnauthorizedError は認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "Authorizationヘッダーに正しいBearerトークンを指定してください。",
	}
}

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(endpoint string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("指定された購読が見つかりません: %s", MaskEndpoint(endpoint)),
		Category: "validation",
		Action:   "エンドポイントを確認してください。",
	}
}

// NewEndpointBlockedError はプッシュエンドポイントがセキュリティポリシーで拒否された場合のエラーを生成する。
func NewEndpointBlockedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeEndpointBlocked,
		Message:  fmt.Sprintf("プッシュエンドポイントが許可されていません: %s", reason),
		Category: "validation",
		Action:   "ブラウザが発行したhttpsのプッシュエンドポイントを指定してください。",
	}
}

// NewUpstreamError は外部サービス呼び出しの失敗を表すエラーを生成する。
func NewUpstreamError(service string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeUpstream,
		Message:  fmt.Sprintf("外部サービスの呼び出しに失敗しました (%s)", service),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		cause:    cause,
	}
}
