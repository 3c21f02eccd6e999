package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/hitoshi/tujitume/internal/apiclient"
	"github.com/hitoshi/tujitume/internal/config"
	"github.com/hitoshi/tujitume/internal/gig"
	"github.com/hitoshi/tujitume/internal/identity"
	"github.com/hitoshi/tujitume/internal/installprompt"
	"github.com/hitoshi/tujitume/internal/security"
	"github.com/hitoshi/tujitume/internal/session"
	"github.com/hitoshi/tujitume/internal/storage"
)

// idpMaxResponseSize はIdPレスポンスの読み取り上限。
const idpMaxResponseSize = 1 << 20

// stateWaitTimeout はサインイン後のバックエンド登録完了を待つ上限。
const stateWaitTimeout = 15 * time.Second

// errNotSignedIn はサインインが必要なコマンドを未認証で実行したことを示す。
var errNotSignedIn = errors.New("not signed in")

// client はクライアントコマンドの実行環境。
type client struct {
	cfg     *config.Config
	store   storage.Store
	session *session.Manager
	api     *apiclient.Client
	logger  *slog.Logger
	in      *bufio.Reader
	out     io.Writer
	now     func() time.Time
}

// runClient はセッションとAPIクライアントを組み立ててクライアントコマンドを実行する。
func runClient(ctx context.Context, cfg *config.Config, cmd Command, args []string, streams Streams) error {
	if cmd.needsIdP() {
		if err := cfg.ValidateClient(); err != nil {
			return err
		}
	}

	store, err := storage.NewFileStore(cfg.SessionStorePath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	// IdPは公開エンドポイントのみのためSSRFガード付きクライアントを使う
	idpClient := security.NewSSRFGuard().NewSafeClient(cfg.FetchTimeout, idpMaxResponseSize)
	provider := identity.NewFirebaseProvider(identity.FirebaseConfig{APIKey: cfg.FirebaseAPIKey}, idpClient)

	c := newClient(cfg, streams, store, provider, idpClient)
	defer c.session.Close()

	return c.dispatch(ctx, cmd, args)
}

// newClient はclientを生成する。GOOGLE_CLIENT_IDが設定されている場合はリダイレクトサインインを有効にする。
func newClient(cfg *config.Config, streams Streams, store storage.Store, provider session.Provider, idpClient *http.Client) *client {
	log := slog.Default()
	c := &client{
		cfg:    cfg,
		store:  store,
		logger: log,
		in:     bufio.NewReader(streams.In),
		out:    streams.Out,
		now:    time.Now,
	}

	// 401はセッションそのものを破棄する。リフレッシュトークンも消え、次回起動時に復元されない
	c.api = apiclient.NewClient(cfg.APIBaseURL, &http.Client{Timeout: cfg.FetchTimeout}, store,
		apiclient.RedirectFunc(func() {
			c.session.SignOut(context.Background())
			fmt.Fprintln(c.out, "セッションの有効期限が切れました。`tujitume login` で再度サインインしてください。")
		}), log)

	opts := session.Options{
		Registrar:       c.api,
		RefreshInterval: cfg.TokenRefreshInterval,
	}
	if cfg.GoogleClientID != "" {
		opts.Redirect = identity.NewGoogleOAuth(identity.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, idpClient)
	}
	c.session = session.NewManager(provider, store, log, opts)

	return c
}

func (c *client) dispatch(ctx context.Context, cmd Command, args []string) error {
	switch cmd {
	case CommandLogin:
		return c.login(ctx, args)
	case CommandLogout:
		return c.logout(ctx)
	case CommandGigs:
		return c.gigs(ctx, args)
	case CommandPostGig:
		return c.postGig(ctx, args)
	case CommandInstall:
		return c.install(ctx, args)
	case CommandGig:
		return c.showGig(ctx, args)
	case CommandComplete:
		return c.complete(ctx, args)
	case CommandApplicants:
		return c.applicants(ctx, args)
	case CommandApplications:
		return c.applications(ctx, args)
	case CommandReview:
		return c.review(ctx, args)
	case CommandProfile:
		return c.profile(ctx, args)
	default:
		return fmt.Errorf("unknown client command: %s", cmd)
	}
}

func (c *client) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.out)
	return fs
}

// login はメールアドレス・パスワード、またはGoogleリダイレクトでサインインする。
func (c *client) login(ctx context.Context, args []string) error {
	fs := c.flagSet("login")
	email := fs.String("email", "", "メールアドレス")
	password := fs.String("password", "", "パスワード（省略時は標準入力から読む）")
	signup := fs.Bool("signup", false, "アカウントを新規作成する")
	name := fs.String("name", "", "表示名（-signup時）")
	reset := fs.Bool("reset", false, "パスワード再設定メールを送信する")
	google := fs.Bool("google", false, "Googleアカウントでサインインする")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c.session.Start(ctx)

	var err error
	switch {
	case *google:
		err = c.loginWithRedirect(ctx)
	case *reset:
		if err = gig.ValidateEmail(*email); err == nil {
			err = c.session.ResetPassword(ctx, *email)
		}
		if err == nil {
			fmt.Fprintf(c.out, "%s にパスワード再設定メールを送信しました。\n", *email)
			return nil
		}
	default:
		err = c.loginWithPassword(ctx, *email, *password, *name, *signup)
	}
	if err != nil {
		c.printIdentityError(err)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, stateWaitTimeout)
	defer cancel()
	if err := waitForState(waitCtx, c.session, true); err != nil {
		return fmt.Errorf("sign-in did not complete: %w", err)
	}

	if id, ok := c.session.CurrentIdentity(); ok {
		fmt.Fprintf(c.out, "サインインしました: %s\n", id.Email)
	}
	return nil
}

func (c *client) loginWithPassword(ctx context.Context, email, password, name string, signup bool) error {
	if password == "" {
		fmt.Fprint(c.out, "パスワード: ")
		line, err := c.readLine()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = line
	}

	if signup {
		if err := gig.ValidateSignup(gig.SignupForm{
			Name:            name,
			Email:           email,
			Password:        password,
			ConfirmPassword: password,
		}); err != nil {
			return err
		}
		_, err := c.session.SignUpWithEmail(ctx, email, password, name)
		return err
	}

	if err := gig.ValidateEmail(email); err != nil {
		return err
	}
	_, err := c.session.SignInWithPassword(ctx, email, password)
	return err
}

// loginWithRedirect は認証URLを表示し、コールバック先URLの入力を受けて結果を確定する。
func (c *client) loginWithRedirect(ctx context.Context) error {
	loginURL, err := c.session.SignInWithRedirect()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "ブラウザで次のURLを開いてください:\n%s\n", loginURL)
	fmt.Fprint(c.out, "リダイレクト先のURLを貼り付けてください: ")

	line, err := c.readLine()
	if err != nil {
		return fmt.Errorf("failed to read redirect url: %w", err)
	}
	callback, err := url.Parse(line)
	if err != nil {
		return fmt.Errorf("invalid redirect url: %w", err)
	}

	done, err := c.session.CheckRedirectResult(ctx, callback.Query())
	if err != nil {
		return err
	}
	if !done {
		return errors.New("no pending redirect sign-in")
	}
	return nil
}

// logout は永続化されたセッションを破棄する。
func (c *client) logout(ctx context.Context) error {
	c.session.Start(ctx)
	if err := c.session.SignOut(ctx); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, stateWaitTimeout)
	defer cancel()
	if err := waitForState(waitCtx, c.session, false); err != nil {
		return fmt.Errorf("sign-out did not complete: %w", err)
	}
	fmt.Fprintln(c.out, "サインアウトしました。")
	return nil
}

// gigs はギグ一覧を取得し、絞り込み・並べ替え・ページングして表示する。
func (c *client) gigs(ctx context.Context, args []string) error {
	fs := c.flagSet("gigs")
	category := fs.String("category", "", "カテゴリで絞り込む")
	query := fs.String("q", "", "キーワードで絞り込む")
	openOnly := fs.Bool("open", false, "未完了のギグのみ表示する")
	sortOrder := fs.String("sort", string(gig.SortNewest), "並び順 (newest, budget_asc, budget_desc, deadline)")
	page := fs.Int("page", 1, "ページ番号")
	size := fs.Int("size", gig.DefaultPageSize, "1ページの件数")
	mine := fs.Bool("mine", false, "自分が投稿したギグのみ表示する")
	asJSON := fs.Bool("json", false, "JSONで出力する")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c.session.Start(ctx)

	var (
		list []gig.Gig
		err  error
	)
	if *mine {
		if err := c.requireSignIn(ctx); err != nil {
			return err
		}
		list, err = c.api.MyGigs(ctx)
	} else {
		c.session.GetToken(ctx, false)
		list, err = c.api.ListGigs(ctx)
	}
	if err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return err
	}

	result := gig.Filter(list, gig.ListOptions{
		Category: *category,
		Query:    *query,
		OpenOnly: *openOnly,
		Sort:     gig.ParseSortOrder(*sortOrder),
		Page:     *page,
		PageSize: *size,
	})

	if *asJSON {
		return c.encodeJSON(result)
	}
	return c.printGigs(result)
}

func (c *client) printGigs(p gig.Page) error {
	rows := make([][]string, 0, len(p.Items))
	for _, g := range p.Items {
		deadline := g.Deadline
		if deadline == "" {
			deadline = "-"
		}
		rows = append(rows, []string{
			strconv.FormatInt(g.ID, 10),
			g.Title,
			g.Category,
			formatBudget(g),
			deadline,
			gigStatus(g),
		})
	}
	if err := c.renderTable([]string{"id", "title", "category", "budget", "deadline", "status"}, rows); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "page %d/%d (%d件)\n", p.Page, p.TotalPages, p.Total)
	return nil
}

// renderTable は罫線なしの表を出力する。見出しは大文字で表示される。
func (c *client) renderTable(headers []string, rows [][]string) error {
	table := tablewriter.NewTable(c.out,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off},
			},
		}),
	)
	table.Header(headers)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

// requireSignIn は有効なトークンがなければ案内を表示してerrNotSignedInを返す。
func (c *client) requireSignIn(ctx context.Context) error {
	if _, ok := c.session.GetToken(ctx, false); !ok {
		fmt.Fprintln(c.out, "サインインしていません。`tujitume login` を実行してください。")
		return errNotSignedIn
	}
	return nil
}

func formatBudget(g gig.Gig) string {
	return fmt.Sprintf("%.0f (%s)", g.Budget, g.BudgetType)
}

func gigStatus(g gig.Gig) string {
	if g.IsCompleted {
		return "completed"
	}
	return "open"
}

// postGig は標準入力のJSONを検証してギグを投稿する。
func (c *client) postGig(ctx context.Context, args []string) error {
	fs := c.flagSet("post-gig")
	dryRun := fs.Bool("dry-run", false, "検証のみ行い投稿しない")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var form gig.NewGig
	dec := json.NewDecoder(c.in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&form); err != nil {
		return fmt.Errorf("failed to decode gig json: %w", err)
	}

	form = gig.Normalize(form, security.NewTextSanitizer())
	if err := gig.ValidateNewGig(form, c.now()); err != nil {
		c.printFieldErrors(err)
		return err
	}
	if *dryRun {
		fmt.Fprintln(c.out, "入力内容に問題はありません。")
		return nil
	}

	c.session.Start(ctx)
	if err := c.requireSignIn(ctx); err != nil {
		return err
	}

	created, err := c.api.CreateGig(ctx, form)
	if err != nil {
		fmt.Fprintln(c.out, apiclient.UserMessage(err))
		return err
	}
	fmt.Fprintf(c.out, "ギグを投稿しました (id=%d)\n", created.ID)
	return nil
}

// install はデスクトップランチャーの追加を案内する。
// 断った場合は7日間案内しない。
func (c *client) install(ctx context.Context, args []string) error {
	fs := c.flagSet("install")
	path := fs.String("launcher", defaultLauncherPath(), "ランチャーの出力先")
	if err := fs.Parse(args); err != nil {
		return err
	}

	banner := installprompt.NewBanner(storage.Namespaced(c.store, "install:"), c.logger, c.now)
	if _, err := os.Stat(*path); err == nil {
		banner.SetStandalone(true)
	}
	banner.Capture(&launcherPrompt{
		in:     c.in,
		out:    c.out,
		path:   *path,
		origin: c.cfg.OriginURL,
	})

	if !banner.Visible() {
		fmt.Fprintln(c.out, "インストールの案内はありません。")
		return nil
	}

	outcome, err := banner.Install(ctx)
	if err != nil {
		return err
	}
	if outcome == installprompt.OutcomeDismissed {
		return banner.Dismiss()
	}
	fmt.Fprintf(c.out, "ランチャーを追加しました: %s\n", *path)
	return nil
}

// launcherPrompt はデスクトップランチャーの追加を確認するプロンプト。
type launcherPrompt struct {
	in     *bufio.Reader
	out    io.Writer
	path   string
	origin string
}

func (p *launcherPrompt) Prompt(_ context.Context) (installprompt.Outcome, error) {
	fmt.Fprint(p.out, "tujitume をデスクトップに追加しますか? [y/N]: ")
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
	default:
		return installprompt.OutcomeDismissed, nil
	}

	entry := fmt.Sprintf("[Desktop Entry]\nType=Application\nName=tujitume\nExec=xdg-open %s\nTerminal=false\n", p.origin)
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create launcher dir: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(entry), 0o644); err != nil {
		return "", fmt.Errorf("failed to write launcher: %w", err)
	}
	return installprompt.OutcomeAccepted, nil
}

func defaultLauncherPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "applications", "tujitume.desktop")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "tujitume.desktop")
	}
	return filepath.Join(home, ".local", "share", "applications", "tujitume.desktop")
}

// waitForState は指定の状態（present/absent）が購読者に配信されるまで待つ。
// サインイン直後の配信はバックエンド登録の完了後に行われる。
func waitForState(ctx context.Context, m *session.Manager, present bool) error {
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := m.OnStateChange(func(s session.State) {
		if s.Present() == present {
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) printIdentityError(err error) {
	var fieldErrs gig.FieldErrors
	if errors.As(err, &fieldErrs) {
		c.printFieldErrors(err)
		return
	}
	fmt.Fprintln(c.out, identity.UserMessage(err))
}

func (c *client) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", io.ErrUnexpectedEOF
	}
	return line, nil
}

func sortedKeys(m gig.FieldErrors) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
