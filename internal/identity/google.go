package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
}

// GoogleOAuth はリダイレクト方式のGoogleサインインを提供する。
// 取得したIDトークンはFirebaseProvider.SignInWithIdPでFirebaseの認証情報に交換する。
type GoogleOAuth struct {
	config GoogleOAuthConfig
	client *http.Client
}

// NewGoogleOAuth はGoogleOAuthを生成する。
func NewGoogleOAuth(config GoogleOAuthConfig, client *http.Client) *GoogleOAuth {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GoogleOAuth{config: config, client: client}
}

// RedirectURL はコールバック先URLを返す。
func (g *GoogleOAuth) RedirectURL() string {
	return g.config.RedirectURL
}

// GetLoginURL はGoogle OAuthの認証URLを生成する。
// スコープにはopenid, email, profileを含む。
func (g *GoogleOAuth) GetLoginURL(state string) string {
	params := url.Values{
		"client_id":     {g.config.ClientID},
		"redirect_uri":  {g.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
		"prompt":        {"select_account"},
	}
	return g.config.AuthURL + "?" + params.Encode()
}

// googleTokenResponse はGoogleのトークンエンドポイントのレスポンス。
type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ExchangeCode は認可コードをGoogleのIDトークンに交換する。
func (g *GoogleOAuth) ExchangeCode(ctx context.Context, code string) (string, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {g.config.ClientID},
		"client_secret": {g.config.ClientSecret},
		"redirect_uri":  {g.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Code:    CodeInvalidCredential,
			Message: fmt.Sprintf("token exchange failed with status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.IDToken == "" {
		return "", fmt.Errorf("empty id_token in response")
	}

	return tokenResp.IDToken, nil
}
