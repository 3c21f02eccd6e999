package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized はバックエンドが401を返したことを示す。
	// 永続化されたトークンは既に破棄され、サインイン画面への遷移が要求済み。
	ErrUnauthorized = errors.New("apiclient: unauthorized")

	// ErrAlreadyRegistered はユーザー登録が409（登録済み）で拒否されたことを示す。
	ErrAlreadyRegistered = errors.New("apiclient: user already registered")
)

// Error はバックエンドが返した非2xxレスポンスを表す。
type Error struct {
	StatusCode int
	Detail     string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("apiclient: status %d", e.StatusCode)
	}
	return fmt.Sprintf("apiclient: status %d: %s", e.StatusCode, e.Detail)
}

// UserMessage はユーザー向けメッセージを返す。
// サーバーがdetailを返していればそれを優先する。
func (e *Error) UserMessage() string {
	if e.Detail != "" {
		return e.Detail
	}
	switch {
	case e.StatusCode == http.StatusBadRequest:
		return "Invalid data. Please check your inputs."
	case e.StatusCode == http.StatusForbidden:
		return "You do not have permission to do that."
	case e.StatusCode == http.StatusNotFound:
		return "Not found."
	case e.StatusCode >= 500:
		return "Server error. Please try again later."
	default:
		return "Request failed. Please try again."
	}
}

// UserMessage は任意のエラーをユーザー向けメッセージに変換する。
func UserMessage(err error) string {
	var apiErr *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "Your session has expired. Please sign in again."
	case errors.As(err, &apiErr):
		return apiErr.UserMessage()
	default:
		return "Network error. Please check your connection."
	}
}

// errorBody はバックエンドの統一エラー形式。
// detailは文字列、または検証エラーの配列で返される。
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type validationDetail struct {
	Msg string `json:"msg"`
}

// parseDetail はエラーボディからdetailを取り出す。取り出せない場合は空文字列。
func parseDetail(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(eb.Detail, &s); err == nil {
		return s
	}

	var items []validationDetail
	if err := json.Unmarshal(eb.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
