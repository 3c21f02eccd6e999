package gig

import (
	"strings"
	"testing"
	"time"
)

// stripper はテスト用のSanitizer。山括弧で囲まれた部分を除去する。
type stripper struct{}

func (stripper) StripTags(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validGig() NewGig {
	return NewGig{
		Title:       "Build a landing page",
		Description: "Need a responsive landing page for a bakery.",
		Category:    "Web Development",
		Budget:      150,
		BudgetType:  BudgetFixed,
	}
}

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func TestValidateNewGig_Valid(t *testing.T) {
	if err := ValidateNewGig(validGig(), testNow); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateNewGig_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NewGig)
		field  string
	}{
		{"title too short", func(g *NewGig) { g.Title = "abcd" }, "title"},
		{"title too long", func(g *NewGig) { g.Title = strings.Repeat("a", 201) }, "title"},
		{"title whitespace only counts trimmed", func(g *NewGig) { g.Title = "  abc   " }, "title"},
		{"description too short", func(g *NewGig) { g.Description = "short" }, "description"},
		{"description too long", func(g *NewGig) { g.Description = strings.Repeat("d", 5001) }, "description"},
		{"category missing", func(g *NewGig) { g.Category = " " }, "category"},
		{"budget zero", func(g *NewGig) { g.Budget = 0 }, "budget"},
		{"budget negative", func(g *NewGig) { g.Budget = -5 }, "budget"},
		{"budget type invalid", func(g *NewGig) { g.BudgetType = "weekly" }, "budget_type"},
		{"deadline malformed", func(g *NewGig) { g.Deadline = "15/06/2026" }, "deadline"},
		{"deadline in past", func(g *NewGig) { g.Deadline = "2026-06-14" }, "deadline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := validGig()
			tt.mutate(&g)
			err := ValidateNewGig(g, testNow)
			fe, ok := err.(FieldErrors)
			if !ok {
				t.Fatalf("expected FieldErrors, got %T (%v)", err, err)
			}
			if _, ok := fe[tt.field]; !ok {
				t.Errorf("expected error on %q, got %v", tt.field, fe)
			}
			if len(fe) != 1 {
				t.Errorf("expected exactly one field error, got %v", fe)
			}
		})
	}
}

func TestValidateNewGig_Boundaries(t *testing.T) {
	g := validGig()
	g.Title = strings.Repeat("あ", TitleMinLen)
	g.Description = strings.Repeat("x", DescriptionMaxLen)
	g.Deadline = "2026-06-15"
	if err := ValidateNewGig(g, testNow); err != nil {
		t.Errorf("boundary values should be valid, got %v", err)
	}

	g.Title = strings.Repeat("t", TitleMaxLen)
	g.Description = strings.Repeat("x", DescriptionMinLen)
	g.BudgetType = BudgetHourly
	if err := ValidateNewGig(g, testNow); err != nil {
		t.Errorf("boundary values should be valid, got %v", err)
	}
}

func TestNormalize_TrimsAndStripsTags(t *testing.T) {
	in := NewGig{
		Title:       "  <b>Logo</b> design  ",
		Description: "<script>x</script>Design a logo for my shop",
		Category:    " Graphic Design ",
		BudgetType:  " Hourly ",
		Location:    "   ",
	}
	got := Normalize(in, stripper{})

	if got.Title != "Logo design" {
		t.Errorf("Title = %q, want %q", got.Title, "Logo design")
	}
	if got.Description != "xDesign a logo for my shop" {
		t.Errorf("Description = %q", got.Description)
	}
	if got.Category != "Graphic Design" {
		t.Errorf("Category = %q", got.Category)
	}
	if got.BudgetType != BudgetHourly {
		t.Errorf("BudgetType = %q, want %q", got.BudgetType, BudgetHourly)
	}
	if got.Location != "" {
		t.Errorf("Location = %q, want empty", got.Location)
	}
}

func TestNormalize_NilSanitizer(t *testing.T) {
	got := Normalize(NewGig{Title: "  <b>x</b> "}, nil)
	if got.Title != "<b>x</b>" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestValidateSignup(t *testing.T) {
	valid := SignupForm{Name: "Alice", Email: "a@example.com", Password: "secret1", ConfirmPassword: "secret1"}
	if err := ValidateSignup(valid); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*SignupForm)
		field  string
	}{
		{"name missing", func(f *SignupForm) { f.Name = "" }, "name"},
		{"email missing", func(f *SignupForm) { f.Email = "" }, "email"},
		{"email invalid", func(f *SignupForm) { f.Email = "a@b" }, "email"},
		{"password short", func(f *SignupForm) { f.Password, f.ConfirmPassword = "12345", "12345" }, "password"},
		{"confirmation mismatch", func(f *SignupForm) { f.ConfirmPassword = "other1" }, "confirmPassword"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.mutate(&f)
			fe, ok := ValidateSignup(f).(FieldErrors)
			if !ok {
				t.Fatal("expected FieldErrors")
			}
			if _, ok := fe[tt.field]; !ok {
				t.Errorf("expected error on %q, got %v", tt.field, fe)
			}
		})
	}
}

func TestValidateReview(t *testing.T) {
	tests := []struct {
		name    string
		review  Review
		wantErr bool
	}{
		{"valid", Review{GigID: 1, ReviewedUserID: "u1", Rating: 5}, false},
		{"rating zero", Review{GigID: 1, ReviewedUserID: "u1", Rating: 0}, true},
		{"rating six", Review{GigID: 1, ReviewedUserID: "u1", Rating: 6}, true},
		{"missing gig", Review{ReviewedUserID: "u1", Rating: 3}, true},
		{"missing user", Review{GigID: 1, Rating: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReview(tt.review)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateReview() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFieldErrors_ErrorIsSorted(t *testing.T) {
	fe := FieldErrors{"title": "t", "budget": "b"}
	want := "validation failed: budget: b; title: t"
	if fe.Error() != want {
		t.Errorf("Error() = %q, want %q", fe.Error(), want)
	}
}
