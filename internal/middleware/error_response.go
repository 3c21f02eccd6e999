package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/tujitume/internal/model"
)

// ErrorResponseBody はゲートウェイが自ら返すエラーレスポンスの形式。
// 上流のレスポンスと区別できるよう、リクエストIDを含める。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteErrorResponse はAPIErrorをJSONで書き込む。
// エラーレスポンスはキャッシュさせない。
// リクエストIDはNewRequestIDMiddlewareが設定したレスポンスヘッダーから取る。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		RequestID: h.Get(RequestIDHeader),
	})
}
