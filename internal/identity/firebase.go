// Package identity はIdP（Firebase Authentication, Google OAuth）との通信を提供する。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL     = "https://securetoken.googleapis.com/v1/token"

	// maxResponseSize はIdPレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
)

// Credential はIdPでの認証結果を表す。
type Credential struct {
	UserID       string
	Email        string
	DisplayName  string
	PhotoURL     string
	IDToken      string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// FirebaseConfig はFirebase Authenticationプロバイダーの設定。
type FirebaseConfig struct {
	APIKey string

	// テスト用にオーバーライド可能なURL
	IdentityToolkitURL string
	SecureTokenURL     string
}

// FirebaseProvider はFirebase Identity Toolkit REST APIによる認証を提供する。
type FirebaseProvider struct {
	config FirebaseConfig
	client *http.Client
	now    func() time.Time
}

// NewFirebaseProvider はFirebaseProviderを生成する。
// clientがnilの場合はhttp.DefaultClientを使用する。
func NewFirebaseProvider(config FirebaseConfig, client *http.Client) *FirebaseProvider {
	if config.IdentityToolkitURL == "" {
		config.IdentityToolkitURL = defaultIdentityToolkitURL
	}
	if config.SecureTokenURL == "" {
		config.SecureTokenURL = defaultSecureTokenURL
	}
	config.IdentityToolkitURL = strings.TrimSuffix(config.IdentityToolkitURL, "/")
	if client == nil {
		client = http.DefaultClient
	}
	return &FirebaseProvider{config: config, client: client, now: time.Now}
}

// accountResponse はaccounts:* エンドポイントの共通レスポンス。
type accountResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

// secureTokenResponse はトークンリフレッシュエンドポイントのレスポンス。
type secureTokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// providerErrorResponse はFirebaseのエラーレスポンス。
type providerErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (p *FirebaseProvider) SignInWithPassword(ctx context.Context, email, password string) (*Credential, error) {
	var resp accountResponse
	err := p.postAccounts(ctx, "signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.credentialFromAccount(&resp), nil
}

// SignUp はメールアドレスとパスワードでアカウントを作成する。
func (p *FirebaseProvider) SignUp(ctx context.Context, email, password string) (*Credential, error) {
	var resp accountResponse
	err := p.postAccounts(ctx, "signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.credentialFromAccount(&resp), nil
}

// UpdateProfile は表示名を更新し、更新後の認証情報を返す。
// レスポンスに新しいトークンが含まれない場合は元のトークンを引き継ぐ。
func (p *FirebaseProvider) UpdateProfile(ctx context.Context, cred *Credential, displayName string) (*Credential, error) {
	var resp accountResponse
	err := p.postAccounts(ctx, "update", map[string]any{
		"idToken":           cred.IDToken,
		"displayName":       displayName,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	updated := *cred
	updated.DisplayName = displayName
	if resp.PhotoURL != "" {
		updated.PhotoURL = resp.PhotoURL
	}
	if resp.IDToken != "" {
		fresh := p.credentialFromAccount(&resp)
		updated.IDToken = fresh.IDToken
		updated.IssuedAt = fresh.IssuedAt
		updated.ExpiresAt = fresh.ExpiresAt
		if fresh.RefreshToken != "" {
			updated.RefreshToken = fresh.RefreshToken
		}
	}
	return &updated, nil
}

// SendPasswordReset はパスワード再設定メールを送信する。
func (p *FirebaseProvider) SendPasswordReset(ctx context.Context, email string) error {
	return p.postAccounts(ctx, "sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// SignInWithIdP はGoogleのIDトークンをFirebaseの認証情報に交換する。
func (p *FirebaseProvider) SignInWithIdP(ctx context.Context, googleIDToken, requestURI string) (*Credential, error) {
	postBody := url.Values{
		"id_token":   {googleIDToken},
		"providerId": {"google.com"},
	}
	var resp accountResponse
	err := p.postAccounts(ctx, "signInWithIdp", map[string]any{
		"postBody":          postBody.Encode(),
		"requestUri":        requestURI,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.credentialFromAccount(&resp), nil
}

// Refresh はリフレッシュトークンで新しいIDトークンを取得する。
// プロフィール情報はIDトークンのクレームから補完する。
func (p *FirebaseProvider) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	endpoint := p.config.SecureTokenURL + "?key=" + url.QueryEscape(p.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp secureTokenResponse
	if err := p.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, fmt.Errorf("empty id_token in refresh response")
	}

	cred := &Credential{
		UserID:       resp.UserID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	p.applyTokenTimes(cred, resp.ExpiresIn)
	return cred, nil
}

// postAccounts はaccounts:<method> エンドポイントにJSONをPOSTする。
func (p *FirebaseProvider) postAccounts(ctx context.Context, method string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/accounts:%s?key=%s", p.config.IdentityToolkitURL, method, url.QueryEscape(p.config.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := p.do(req, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// do はリクエストを送信し、成功時はoutにデコードする。
// 非200の場合はFirebaseのエラーメッセージを分類したErrorを返す。
func (p *FirebaseProvider) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var pe providerErrorResponse
		if err := json.Unmarshal(body, &pe); err == nil && pe.Error.Message != "" {
			return classify(pe.Error.Message)
		}
		return &Error{Code: CodeUnknown, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (p *FirebaseProvider) credentialFromAccount(resp *accountResponse) *Credential {
	cred := &Credential{
		UserID:       resp.LocalID,
		Email:        resp.Email,
		DisplayName:  resp.DisplayName,
		PhotoURL:     resp.PhotoURL,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
	}
	p.applyTokenTimes(cred, resp.ExpiresIn)
	return cred
}

// applyTokenTimes はIDトークンのクレームから発行・失効時刻を設定する。
// クレームが読めない場合はexpiresIn（秒）から算出する。
func (p *FirebaseProvider) applyTokenTimes(cred *Credential, expiresIn string) {
	if claims, err := ParseTokenClaims(cred.IDToken); err == nil {
		if cred.UserID == "" {
			cred.UserID = claims.UserID
		}
		if cred.Email == "" {
			cred.Email = claims.Email
		}
		if cred.DisplayName == "" {
			cred.DisplayName = claims.Name
		}
		if cred.PhotoURL == "" {
			cred.PhotoURL = claims.Picture
		}
		cred.IssuedAt = claims.IssuedAt
		cred.ExpiresAt = claims.ExpiresAt
		if cred.IssuedAt.IsZero() {
			cred.IssuedAt = p.now()
		}
		return
	}

	now := p.now()
	cred.IssuedAt = now
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		cred.ExpiresAt = now.Add(time.Duration(secs) * time.Second)
	} else {
		cred.ExpiresAt = now.Add(time.Hour)
	}
}
