package gig

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// 投稿フォームの制約
const (
	TitleMinLen       = 5
	TitleMaxLen       = 200
	DescriptionMinLen = 20
	DescriptionMaxLen = 5000
	PasswordMinLen    = 6
	deadlineLayout    = "2006-01-02"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// FieldErrors はフィールド名からエラーメッセージへの対応。
type FieldErrors map[string]string

// Error はerrorインターフェースを実装する。フィールド名順に連結する。
func (fe FieldErrors) Error() string {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s: %s", f, fe[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (fe FieldErrors) orNil() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}

// Sanitizer はテキストからHTMLを除去する。
type Sanitizer interface {
	StripTags(s string) string
}

// Normalize はフォーム入力の前後空白を除去し、HTMLタグを取り除く。
// sanitizerがnilの場合は空白除去のみ行う。
func Normalize(g NewGig, sanitizer Sanitizer) NewGig {
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		if sanitizer != nil {
			s = strings.TrimSpace(sanitizer.StripTags(s))
		}
		return s
	}
	g.Title = clean(g.Title)
	g.Description = clean(g.Description)
	g.Category = strings.TrimSpace(g.Category)
	g.BudgetType = BudgetType(strings.ToLower(strings.TrimSpace(string(g.BudgetType))))
	g.Location = clean(g.Location)
	g.SkillsRequired = clean(g.SkillsRequired)
	g.Deadline = strings.TrimSpace(g.Deadline)
	return g
}

// ValidateNewGig はギグ投稿フォームを検証する。
// 文字数は前後空白を除いたルーン数で数える。nowは締切日の過去判定に使う。
func ValidateNewGig(g NewGig, now time.Time) error {
	errs := FieldErrors{}

	title := utf8.RuneCountInString(strings.TrimSpace(g.Title))
	switch {
	case title < TitleMinLen:
		errs["title"] = fmt.Sprintf("Title must be at least %d characters", TitleMinLen)
	case title > TitleMaxLen:
		errs["title"] = fmt.Sprintf("Title must be less than %d characters", TitleMaxLen)
	}

	desc := utf8.RuneCountInString(strings.TrimSpace(g.Description))
	switch {
	case desc < DescriptionMinLen:
		errs["description"] = fmt.Sprintf("Description must be at least %d characters", DescriptionMinLen)
	case desc > DescriptionMaxLen:
		errs["description"] = fmt.Sprintf("Description must be less than %d characters", DescriptionMaxLen)
	}

	if strings.TrimSpace(g.Category) == "" {
		errs["category"] = "Category is required"
	}

	if !(g.Budget > 0) {
		errs["budget"] = "Budget must be greater than 0"
	}

	if g.BudgetType != BudgetFixed && g.BudgetType != BudgetHourly {
		errs["budget_type"] = "Budget type must be fixed or hourly"
	}

	if g.Deadline != "" {
		d, err := time.ParseInLocation(deadlineLayout, g.Deadline, now.Location())
		if err != nil {
			errs["deadline"] = "Deadline must be a date (YYYY-MM-DD)"
		} else {
			today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			if d.Before(today) {
				errs["deadline"] = "Deadline must not be in the past"
			}
		}
	}

	return errs.orNil()
}

// SignupForm は新規登録フォームの入力。
type SignupForm struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
}

// ValidateSignup は新規登録フォームを検証する。
func ValidateSignup(f SignupForm) error {
	errs := FieldErrors{}

	if strings.TrimSpace(f.Name) == "" {
		errs["name"] = "Name is required"
	}

	if msg := emailError(f.Email); msg != "" {
		errs["email"] = msg
	}

	switch {
	case f.Password == "":
		errs["password"] = "Password is required"
	case len(f.Password) < PasswordMinLen:
		errs["password"] = fmt.Sprintf("Password must be at least %d characters", PasswordMinLen)
	}

	if f.Password != f.ConfirmPassword {
		errs["confirmPassword"] = "Passwords do not match"
	}

	return errs.orNil()
}

// ValidateEmail はメールアドレスの形式のみを検証する。
func ValidateEmail(email string) error {
	if msg := emailError(email); msg != "" {
		return FieldErrors{"email": msg}
	}
	return nil
}

func emailError(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return "Email is required"
	}
	if !emailPattern.MatchString(email) {
		return "Invalid email format"
	}
	return ""
}

// ValidateReview はレビューを検証する。評価は1〜5。
func ValidateReview(r Review) error {
	errs := FieldErrors{}
	if r.GigID <= 0 {
		errs["gig_id"] = "Gig is required"
	}
	if strings.TrimSpace(r.ReviewedUserID) == "" {
		errs["reviewed_user_id"] = "Reviewed user is required"
	}
	if r.Rating < 1 || r.Rating > 5 {
		errs["rating"] = "Please select a rating"
	}
	return errs.orNil()
}
