// Package model はドメインモデルを定義する。
package model

import "time"

// Identity はIdPで認証されたユーザーの識別情報を表す。
// ブラウザコンテキストごとに高々1つだけ存在する。
type Identity struct {
	UID         string
	DisplayName string
	Email       string
	PhotoURL    string
}

// Session は現在の認証済みアイデンティティと短命なベアラートークンを表す。
// トークンはリフレッシュのたびに上書きされる。
type Session struct {
	Identity     Identity
	Token        string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// ExpiresWithin はトークンが指定時間以内に失効するかを返す。
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.ExpiresAt)
}
