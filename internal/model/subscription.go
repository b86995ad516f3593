package model

import (
	"time"
	"unicode/utf8"
)

// SubscriptionStatus はプッシュ購読の状態を表す。
type SubscriptionStatus string

const (
	// StatusActive は配信対象となる状態。
	StatusActive SubscriptionStatus = "active"
	// StatusInactive は配信対象外の状態。このサービス自身は書き込まない。
	StatusInactive SubscriptionStatus = "inactive"
	// StatusInvalid はプッシュサービスが恒久的な失敗を返した状態。
	StatusInvalid SubscriptionStatus = "invalid"
)

// Valid は既知の状態値かどうかを返す。
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusInvalid:
		return true
	}
	return false
}

// Keys はブラウザが発行した暗号鍵を表す。いずれもbase64url文字列。
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Preferences は購読者ごとの配信カテゴリ設定を表す。
type Preferences struct {
	Categories  []string `json:"categories"`
	AllArticles bool     `json:"allArticles"`
}

// DefaultPreferences は新規購読時の設定を返す。
func DefaultPreferences() Preferences {
	return Preferences{Categories: []string{}, AllArticles: true}
}

// Matches はカテゴリ集合に対してこの設定が配信対象となるかを返す。
func (p Preferences) Matches(categories []string) bool {
	if p.AllArticles {
		return true
	}
	for _, want := range categories {
		for _, have := range p.Categories {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Metadata は登録時のクライアント情報を表す。
type Metadata struct {
	Browser      string    `json:"browser"`
	OS           string    `json:"os"`
	SubscribedAt time.Time `json:"subscriptionDate"`
}

// Subscription はブラウザのプッシュ購読を表す。Endpointで一意。
type Subscription struct {
	ID          string             `json:"id"`
	Endpoint    string             `json:"endpoint"`
	Keys        Keys               `json:"keys"`
	Status      SubscriptionStatus `json:"status"`
	Preferences Preferences        `json:"preferences"`
	UserAgent   string             `json:"userAgent,omitempty"`
	UserID      string             `json:"userId,omitempty"`
	Metadata    Metadata           `json:"metadata"`
	LastUsed    *time.Time         `json:"lastUsed,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Registration はストアへのupsert入力を表す。
// 既存の購読に対しては設定（Preferences）を保持したまま他の項目を上書きする。
type Registration struct {
	Endpoint  string
	Keys      Keys
	UserAgent string
	UserID    string
	Metadata  Metadata
}

// CategoryFilter はカテゴリによる配信対象の絞り込み条件。
// Categoriesが空の場合はallArticles購読者のみが一致する。
type CategoryFilter struct {
	Categories []string
}

// SubscriptionStats は状態ごとの購読数を表す。
type SubscriptionStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Invalid  int `json:"invalid"`
}

// SweepReport はクリーンアップ結果を表す。
type SweepReport struct {
	Removed int      `json:"removed"`
	Errors  []string `json:"errors"`
}

// MaskEndpoint はログ出力用にエンドポイントを50バイト以内で切り詰める。
// マルチバイト文字の途中では切らない。
func MaskEndpoint(endpoint string) string {
	const max = 50
	if len(endpoint) <= max {
		return endpoint
	}
	n := max
	for n > 0 && !utf8.RuneStart(endpoint[n]) {
		n--
	}
	return endpoint[:n] + "..."
}
