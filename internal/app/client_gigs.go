package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/hitoshi/tujitume/internal/apiclient"
	"github.com/hitoshi/tujitume/internal/gig"
	"github.com/hitoshi/tujitume/internal/security"
)

// errMissingID はIDの指定が必要なコマンドで省略されたことを示す。
var errMissingID = errors.New("id is required")

// showGig はギグの詳細を表示する。
func (c *client) showGig(ctx context.Context, args []string) error {
	fs := c.flagSet("gig")
	id := fs.Int64("id", 0, "ギグID")
	asJSON := fs.Bool("json", false, "JSONで出力する")
	if err := parseWithID(fs, args, id); err != nil {
		return err
	}

	c.session.Start(ctx)
	c.session.GetToken(ctx, false)

	g, err := c.api.GetGig(ctx, *id)
	if err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return err
	}
	if *asJSON {
		return c.encodeJSON(g)
	}

	fmt.Fprintf(c.out, "%s (#%d)\n", g.Title, g.ID)
	fmt.Fprintf(c.out, "カテゴリ: %s\n", g.Category)
	fmt.Fprintf(c.out, "予算: %s\n", formatBudget(*g))
	if g.Location != "" {
		fmt.Fprintf(c.out, "場所: %s\n", g.Location)
	}
	if g.SkillsRequired != "" {
		fmt.Fprintf(c.out, "スキル: %s\n", g.SkillsRequired)
	}
	if g.Deadline != "" {
		fmt.Fprintf(c.out, "締切: %s\n", g.Deadline)
	}
	fmt.Fprintf(c.out, "状態: %s\n\n%s\n", gigStatus(*g), g.Description)
	return nil
}

// complete は自分が投稿したギグを完了にする。完了後はレビューを投稿できる。
func (c *client) complete(ctx context.Context, args []string) error {
	fs := c.flagSet("complete")
	id := fs.Int64("id", 0, "ギグID")
	if err := parseWithID(fs, args, id); err != nil {
		return err
	}

	c.session.Start(ctx)
	if err := c.requireSignIn(ctx); err != nil {
		return err
	}
	if err := c.api.CompleteGig(ctx, *id); err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return err
	}
	fmt.Fprintf(c.out, "ギグを完了にしました (id=%d)\n", *id)
	return nil
}

// applicants はギグへの応募者を表示する。-select / -reject で応募を選定・却下してから表示する。
func (c *client) applicants(ctx context.Context, args []string) error {
	fs := c.flagSet("applicants")
	gigID := fs.Int64("gig", 0, "ギグID")
	selectID := fs.Int64("select", 0, "選定する応募ID")
	rejectID := fs.Int64("reject", 0, "却下する応募ID")
	if err := parseWithID(fs, args, gigID); err != nil {
		return err
	}
	if *selectID > 0 && *rejectID > 0 {
		return errors.New("-select and -reject cannot be used together")
	}

	c.session.Start(ctx)
	if err := c.requireSignIn(ctx); err != nil {
		return err
	}

	switch {
	case *selectID > 0:
		if err := c.api.SelectApplication(ctx, *selectID); err != nil {
			fmt.Fprintln(c.out, apiclient.UserMessage(err))
			return err
		}
		fmt.Fprintf(c.out, "応募を選定しました (id=%d)\n", *selectID)
	case *rejectID > 0:
		if err := c.api.RejectApplication(ctx, *rejectID); err != nil {
			fmt.Fprintln(c.out, apiclient.UserMessage(err))
			return err
		}
		fmt.Fprintf(c.out, "応募を却下しました (id=%d)\n", *rejectID)
	}

	apps, err := c.api.ListGigApplications(ctx, *gigID)
	if err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintln(c.out, "応募はまだありません。")
		return nil
	}

	rows := make([][]string, 0, len(apps))
	for _, a := range apps {
		name := a.ApplicantID
		if a.Applicant != nil && a.Applicant.Name != "" {
			name = a.Applicant.Name
		}
		rows = append(rows, []string{strconv.FormatInt(a.ID, 10), name, a.Status, a.CreatedAt})
	}
	return c.renderTable([]string{"id", "applicant", "status", "applied"}, rows)
}

// applications は自分の応募一覧を表示する。
func (c *client) applications(ctx context.Context, args []string) error {
	fs := c.flagSet("applications")
	asJSON := fs.Bool("json", false, "JSONで出力する")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c.session.Start(ctx)
	if err := c.requireSignIn(ctx); err != nil {
		return err
	}

	apps, err := c.api.MyApplications(ctx)
	if err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return err
	}
	if *asJSON {
		return c.encodeJSON(apps)
	}
	if len(apps) == 0 {
		fmt.Fprintln(c.out, "応募したギグはありません。")
		return nil
	}

	rows := make([][]string, 0, len(apps))
	for _, a := range apps {
		title := "#" + strconv.FormatInt(a.GigID, 10)
		if a.Gig != nil && a.Gig.Title != "" {
			title = a.Gig.Title
		}
		rows = append(rows, []string{strconv.FormatInt(a.ID, 10), title, a.Status, a.CreatedAt})
	}
	return c.renderTable([]string{"id", "gig", "status", "applied"}, rows)
}

// review は完了したギグのレビューを投稿する。
// -userを省略した場合は選定済みの応募者をレビュー対象とする。
func (c *client) review(ctx context.Context, args []string) error {
	fs := c.flagSet("review")
	gigID := fs.Int64("gig", 0, "ギグID")
	user := fs.String("user", "", "レビュー対象のユーザーID（省略時は選定済みの応募者）")
	rating := fs.Int("rating", 0, "評価 (1-5)")
	comment := fs.String("comment", "", "コメント")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r := gig.Review{
		GigID:          *gigID,
		ReviewedUserID: *user,
		Rating:         *rating,
		Comment:        security.NewTextSanitizer().StripTags(*comment),
	}

	c.session.Start(ctx)
	if r.ReviewedUserID == "" && r.GigID > 0 {
		if err := c.requireSignIn(ctx); err != nil {
			return err
		}
		accepted, err := c.acceptedApplicant(ctx, r.GigID)
		if err != nil {
			return err
		}
		r.ReviewedUserID = accepted
	}

	if err := gig.ValidateReview(r); err != nil {
		c.printFieldErrors(err)
		return err
	}
	if err := c.requireSignIn(ctx); err != nil {
		return err
	}
	if err := c.api.CreateReview(ctx, r); err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return err
	}
	fmt.Fprintln(c.out, "レビューを投稿しました。")
	return nil
}

// acceptedApplicant はギグで選定済みの応募者のIDを返す。いなければ空文字列。
func (c *client) acceptedApplicant(ctx context.Context, gigID int64) (string, error) {
	apps, err := c.api.ListGigApplications(ctx, gigID)
	if err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return "", err
	}
	for _, a := range apps {
		if a.Status == gig.StatusAccepted {
			return a.ApplicantID, nil
		}
	}
	return "", nil
}

// profile は自分のプロフィールを表示する。フラグが指定された項目は更新してから表示する。
func (c *client) profile(ctx context.Context, args []string) error {
	fs := c.flagSet("profile")
	name := fs.String("name", "", "表示名")
	bio := fs.String("bio", "", "自己紹介")
	location := fs.String("location", "", "所在地")
	skills := fs.String("skills", "", "スキル（カンマ区切り）")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c.session.Start(ctx)
	if err := c.requireSignIn(ctx); err != nil {
		return err
	}

	p, err := c.api.GetProfile(ctx)
	if err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return err
	}

	sanitizer := security.NewTextSanitizer()
	updated := *p
	changed := false
	fs.Visit(func(f *flag.Flag) {
		changed = true
		switch f.Name {
		case "name":
			updated.Name = sanitizer.StripTags(*name)
		case "bio":
			updated.Bio = sanitizer.StripTags(*bio)
		case "location":
			updated.Location = sanitizer.StripTags(*location)
		case "skills":
			updated.Skills = sanitizer.StripTags(*skills)
		}
	})
	if changed {
		if strings.TrimSpace(updated.Name) == "" {
			c.printFieldErrors(gig.FieldErrors{"name": "Name is required"})
			return errors.New("name must not be empty")
		}
		p, err = c.api.UpdateProfile(ctx, updated)
		if err != nil {
			fmt.Fprintln(c.out, apiclient.UserMessage(err))
			return err
		}
		fmt.Fprintln(c.out, "プロフィールを更新しました。")
	}

	fmt.Fprintf(c.out, "%s <%s>\n", p.Name, p.Email)
	for _, line := range [][2]string{{"所在地", p.Location}, {"スキル", p.Skills}, {"自己紹介", p.Bio}} {
		if line[1] != "" {
			fmt.Fprintf(c.out, "%s: %s\n", line[0], line[1])
		}
	}
	return nil
}

func (c *client) encodeJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFieldErrors はフィールドエラーを項目名順に表示する。
func (c *client) printFieldErrors(err error) {
	var fieldErrs gig.FieldErrors
	if errors.As(err, &fieldErrs) {
		for _, field := range sortedKeys(fieldErrs) {
			fmt.Fprintf(c.out, "%s: %s\n", field, fieldErrs[field])
		}
	}
}

// parseWithID はフラグを解析し、IDが正の値であることを確認する。
func parseWithID(fs *flag.FlagSet, args []string, id *int64) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return errMissingID
	}
	return nil
}
