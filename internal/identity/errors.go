package identity

import (
	"errors"
	"strings"
)

// Code はIdPエラーの分類コード。
type Code string

// 分類済みエラーコード
const (
	CodeUserCancelled     Code = "user-cancelled"
	CodeTooManyRequests   Code = "too-many-requests"
	CodeUserDisabled      Code = "user-disabled"
	CodeInvalidCredential Code = "invalid-credential"
	CodeEmailInUse        Code = "email-already-in-use"
	CodeWeakPassword      Code = "weak-password"
	CodeInvalidEmail      Code = "invalid-email"
	CodeUserNotFound      Code = "user-not-found"
	CodeSessionExpired    Code = "session-expired"
	CodeUnknown           Code = "unknown"
)

// Error はIdPから返されたエラーを表す。
// Messageにはプロバイダーが返した生のメッセージを保持する。
type Error struct {
	Code    Code
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Message == "" {
		return "identity: " + string(e.Code)
	}
	return "identity: " + string(e.Code) + ": " + e.Message
}

// providerCodes はFirebaseのエラーメッセージ先頭語から分類コードへの対応表。
var providerCodes = map[string]Code{
	"EMAIL_NOT_FOUND":             CodeUserNotFound,
	"USER_NOT_FOUND":              CodeUserNotFound,
	"INVALID_PASSWORD":            CodeInvalidCredential,
	"INVALID_LOGIN_CREDENTIALS":   CodeInvalidCredential,
	"INVALID_IDP_RESPONSE":        CodeInvalidCredential,
	"MISSING_PASSWORD":            CodeInvalidCredential,
	"USER_DISABLED":               CodeUserDisabled,
	"TOO_MANY_ATTEMPTS_TRY_LATER": CodeTooManyRequests,
	"QUOTA_EXCEEDED":              CodeTooManyRequests,
	"EMAIL_EXISTS":                CodeEmailInUse,
	"WEAK_PASSWORD":               CodeWeakPassword,
	"INVALID_EMAIL":               CodeInvalidEmail,
	"MISSING_EMAIL":               CodeInvalidEmail,
	"TOKEN_EXPIRED":               CodeSessionExpired,
	"INVALID_REFRESH_TOKEN":       CodeSessionExpired,
	"INVALID_ID_TOKEN":            CodeSessionExpired,
}

// classify はFirebaseのエラーメッセージを分類する。
// メッセージは "WEAK_PASSWORD : Password should be at least 6 characters" のように
// 詳細が続く場合があるため、先頭語のみで判定する。
func classify(message string) *Error {
	head := message
	if i := strings.IndexAny(head, " :"); i >= 0 {
		head = head[:i]
	}
	code, ok := providerCodes[strings.ToUpper(head)]
	if !ok {
		code = CodeUnknown
	}
	return &Error{Code: code, Message: message}
}

// CodeOf はエラーチェーンから分類コードを取り出す。
// identity.Errorを含まない場合はCodeUnknownを返す。
func CodeOf(err error) Code {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return CodeUnknown
}

// UserMessage はエラーをユーザー向けメッセージに変換する。
func UserMessage(err error) string {
	switch CodeOf(err) {
	case CodeUserCancelled:
		return "Sign-in was cancelled."
	case CodeTooManyRequests:
		return "Too many requests. Please try again later."
	case CodeUserDisabled:
		return "This account has been disabled."
	case CodeInvalidCredential:
		return "Invalid email or password."
	case CodeEmailInUse:
		return "Email already in use. Please login instead."
	case CodeWeakPassword:
		return "Password is too weak. Use at least 6 characters."
	case CodeInvalidEmail:
		return "Invalid email address."
	case CodeUserNotFound:
		return "No account found with this email address."
	case CodeSessionExpired:
		return "Your session has expired. Please sign in again."
	default:
		return "Authentication failed. Please try again."
	}
}
