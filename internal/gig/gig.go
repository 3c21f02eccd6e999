// Package gig はギグ（単発の仕事）の掲載・応募・レビューに関する型と、
// 投稿フォームの検証、一覧の絞り込み・並べ替え・ページングを提供する。
package gig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BudgetType は予算の種別。
type BudgetType string

// 予算種別
const (
	BudgetFixed  BudgetType = "fixed"
	BudgetHourly BudgetType = "hourly"
)

// アプリケーションのステータス
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Categories は投稿フォームで選択可能なカテゴリ。
var Categories = []string{
	"Web Development",
	"Mobile Development",
	"Graphic Design",
	"Content Writing",
	"Digital Marketing",
	"Video Editing",
	"Data Entry",
	"Virtual Assistant",
	"Translation",
	"Other",
}

// Flag はバックエンドが真偽値または文字列 "true"/"false" で返すフラグ。
type Flag bool

// UnmarshalJSON は真偽値と文字列表現の両方を受け付ける。
func (f *Flag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = false
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid flag value %s: %w", string(data), err)
	}
	*f = Flag(b)
	return nil
}

// MarshalJSON は真偽値として出力する。
func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}

// Gig はバックエンドから取得したギグ掲載。
// クライアント側では投稿時の検証以外に不変条件を課さない。
type Gig struct {
	ID             int64      `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Category       string     `json:"category"`
	Budget         float64    `json:"budget"`
	BudgetType     BudgetType `json:"budget_type"`
	Location       string     `json:"location,omitempty"`
	SkillsRequired string     `json:"skills_required,omitempty"`
	Deadline       string     `json:"deadline,omitempty"`
	OwnerID        string     `json:"owner_id"`
	IsCompleted    Flag       `json:"is_completed"`
	CreatedAt      string     `json:"created_at,omitempty"`
}

// NewGig はギグ投稿フォームの入力。
type NewGig struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Category       string     `json:"category"`
	Budget         float64    `json:"budget"`
	BudgetType     BudgetType `json:"budget_type"`
	Location       string     `json:"location,omitempty"`
	SkillsRequired string     `json:"skills_required,omitempty"`
	Deadline       string     `json:"deadline,omitempty"`
}

// Profile はユーザープロフィール。
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Bio       string `json:"bio,omitempty"`
	Location  string `json:"location,omitempty"`
	Skills    string `json:"skills,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Application はギグへの応募。
type Application struct {
	ID          int64    `json:"id"`
	GigID       int64    `json:"gig_id"`
	ApplicantID string   `json:"applicant_id"`
	Status      string   `json:"status"`
	CoverLetter string   `json:"cover_letter,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	Gig         *Gig     `json:"gig,omitempty"`
	Applicant   *Profile `json:"applicant,omitempty"`
}

// Review は完了したギグに対するレビュー。
type Review struct {
	GigID          int64  `json:"gig_id"`
	ReviewedUserID string `json:"reviewed_user_id"`
	Rating         int    `json:"rating"`
	Comment        string `json:"comment,omitempty"`
}

// RegisterUser はバックエンドへのユーザー登録リクエスト。
type RegisterUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	UID   string `json:"uid"`
}
