package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力のテキストからHTMLを取り除く。
// 案件フォームのタイトルや説明文を検証・送信する前に使用する。
// bluemondayのStrictPolicyで全タグを除去した後、エンティティを元の文字に戻す。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// StripTags はHTMLタグを除去したプレーンテキストを返す。
// script・styleの中身も除去される。空文字列には空文字列を返す。
func (s *TextSanitizer) StripTags(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	return html.UnescapeString(s.policy.Sanitize(text))
}
