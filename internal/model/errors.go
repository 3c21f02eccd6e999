// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: gateway, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeServerError     = "SERVER_ERROR"
	ErrCodeCrossOrigin     = "CROSS_ORIGIN_BLOCKED"
	ErrCodeUpstreamFailure = "UPSTREAM_FAILURE"
)

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "gateway",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewServerError はサーバーエラーを生成する。
// 復旧手段として再試行を案内する。
func NewServerError() *APIError {
	return &APIError{
		Code:     ErrCodeServerError,
		Message:  "サーバーでエラーが発生しました。",
		Category: "system",
		Action:   "再試行するか、ホームに戻ってください。",
	}
}

// NewCrossOriginBlockedError はクロスオリジン転送が無効な場合のエラーを生成する。
func NewCrossOriginBlockedError(host string) *APIError {
	return &APIError{
		Code:     ErrCodeCrossOrigin,
		Message:  fmt.Sprintf("このゲートウェイは %s へのリクエストを中継しません。", host),
		Category: "gateway",
		Action:   "アプリのオリジンに対してリクエストしてください。",
	}
}

// NewUpstreamFailureError は上流サーバーへの到達失敗エラーを生成する。
func NewUpstreamFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailure,
		Message:  fmt.Sprintf("上流サーバーへの接続に失敗しました: %s", reason),
		Category: "gateway",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
