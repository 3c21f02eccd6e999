// Package apiclient はバックエンドREST APIのクライアントを提供する。
// すべてのバックエンド呼び出しはこのクライアントを経由し、
// 永続化されたベアラートークンの付与と401時のセッション破棄を一箇所で行う。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/tujitume/internal/gig"
	"github.com/hitoshi/tujitume/internal/storage"
)

// maxResponseSize はレスポンスボディの読み取り上限。
const maxResponseSize = 5 << 20

// Redirector はサインイン画面への遷移を行う。
type Redirector interface {
	RedirectToLogin()
}

// RedirectFunc は関数をRedirectorとして扱うアダプター。
type RedirectFunc func()

// RedirectToLogin はRedirectorインターフェースを実装する。
func (f RedirectFunc) RedirectToLogin() { f() }

// Client はバックエンドAPIのクライアント。
// リトライは行わず、各リクエストは1回だけ送信する。
type Client struct {
	httpClient *http.Client
	baseURL    string
	store      storage.Store
	redirector Redirector
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLにはAPIのオリジンを指定し、パスには "/api" が付与される。
func NewClient(baseURL string, httpClient *http.Client, store storage.Store, redirector Redirector, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/api",
		store:      store,
		redirector: redirector,
		logger:     logger,
	}
}

// do はリクエストを送信し、2xxの場合はoutにデコードする。
// tokenが空の場合はストアのトークンを付与する。
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if token == "" {
		stored, ok, err := c.store.Get(storage.KeyToken)
		if err != nil {
			c.logger.Warn("トークンの読み込みに失敗しました", slog.String("error", err.Error()))
		} else if ok {
			token = stored
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.handleUnauthorized(method, path)
		return ErrUnauthorized
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode, Detail: parseDetail(respBody)}
		c.logger.Warn("APIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", apiErr.Detail),
		)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// handleUnauthorized は永続化されたトークンとユーザーIDを破棄し、
// サインイン画面への遷移を1回だけ要求する。
func (c *Client) handleUnauthorized(method, path string) {
	c.logger.Warn("認証が無効です。セッションを破棄します",
		slog.String("method", method),
		slog.String("path", path),
	)
	if err := c.store.Delete(storage.KeyToken, storage.KeyUserID); err != nil {
		c.logger.Error("トークンの破棄に失敗しました", slog.String("error", err.Error()))
	}
	if c.redirector != nil {
		c.redirector.RedirectToLogin()
	}
}

// RegisterUser はIdPで認証済みのユーザーをバックエンドに登録する。
// 登録済み（409）の場合はErrAlreadyRegisteredを返す。
func (c *Client) RegisterUser(ctx context.Context, idToken string, user gig.RegisterUser) error {
	err := c.do(ctx, http.MethodPost, "/users/register", idToken, user, nil)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return ErrAlreadyRegistered
	}
	return err
}

// ListGigs はギグ一覧を取得する。
func (c *Client) ListGigs(ctx context.Context) ([]gig.Gig, error) {
	var gigs []gig.Gig
	if err := c.do(ctx, http.MethodGet, "/gigs", "", nil, &gigs); err != nil {
		return nil, err
	}
	return gigs, nil
}

// GetGig はギグの詳細を取得する。
func (c *Client) GetGig(ctx context.Context, id int64) (*gig.Gig, error) {
	var g gig.Gig
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/gigs/%d", id), "", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// MyGigs は自分が投稿したギグ一覧を取得する。
func (c *Client) MyGigs(ctx context.Context) ([]gig.Gig, error) {
	var gigs []gig.Gig
	if err := c.do(ctx, http.MethodGet, "/gigs/my", "", nil, &gigs); err != nil {
		return nil, err
	}
	return gigs, nil
}

// CreateGig はギグを投稿する。
func (c *Client) CreateGig(ctx context.Context, newGig gig.NewGig) (*gig.Gig, error) {
	var g gig.Gig
	if err := c.do(ctx, http.MethodPost, "/gigs", "", newGig, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// CompleteGig はギグを完了にする。
func (c *Client) CompleteGig(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/gigs/%d/complete", id), "", nil, nil)
}

// ListGigApplications はギグへの応募一覧を取得する。
func (c *Client) ListGigApplications(ctx context.Context, gigID int64) ([]gig.Application, error) {
	var apps []gig.Application
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/gigs/%d/applications", gigID), "", nil, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// SelectApplication は応募者を選定する。
func (c *Client) SelectApplication(ctx context.Context, applicationID int64) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/applications/%d/select", applicationID), "", nil, nil)
}

// RejectApplication は応募を却下する。
func (c *Client) RejectApplication(ctx context.Context, applicationID int64) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/applications/%d/reject", applicationID), "", nil, nil)
}

// MyApplications は自分の応募一覧を取得する。
func (c *Client) MyApplications(ctx context.Context) ([]gig.Application, error) {
	var apps []gig.Application
	if err := c.do(ctx, http.MethodGet, "/users/me/applications", "", nil, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// CreateReview はレビューを投稿する。
func (c *Client) CreateReview(ctx context.Context, review gig.Review) error {
	return c.do(ctx, http.MethodPost, "/reviews", "", review, nil)
}

// GetProfile は自分のプロフィールを取得する。
func (c *Client) GetProfile(ctx context.Context) (*gig.Profile, error) {
	var p gig.Profile
	if err := c.do(ctx, http.MethodGet, "/users/me", "", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile は自分のプロフィールを更新する。
func (c *Client) UpdateProfile(ctx context.Context, profile gig.Profile) (*gig.Profile, error) {
	var p gig.Profile
	if err := c.do(ctx, http.MethodPut, "/users/me", "", profile, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
