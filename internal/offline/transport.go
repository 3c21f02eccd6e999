package offline

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// hopHeaders は中継時に取り除くホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ClientTransport はhttp.Clientでリクエストを送るRoundTripper。
// Upstreamが設定されている場合、スキームとホストを上流サーバーに書き換え、
// 上流のパスをプレフィックスとして付与する。
// Clientはリダイレクトを追わない設定で渡すこと（NewClientTransport参照）。
type ClientTransport struct {
	Client   *http.Client
	Upstream *url.URL
}

// NewClientTransport はリダイレクトを追わないClientTransportを生成する。
// clientは複製して使うため、呼び出し元の設定は変更しない。
func NewClientTransport(client *http.Client, upstream *url.URL) *ClientTransport {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &ClientTransport{Client: &c, Upstream: upstream}
}

// RoundTrip はリクエストを送信する。
func (t *ClientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Client == nil {
		return nil, errors.New("offline: transport client is nil")
	}

	out := req.Clone(req.Context())
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	if t.Upstream != nil {
		u := *out.URL
		u.Scheme = t.Upstream.Scheme
		u.Host = t.Upstream.Host
		if prefix := strings.TrimSuffix(t.Upstream.Path, "/"); prefix != "" {
			u.Path = prefix + u.Path
			if u.RawPath != "" {
				u.RawPath = strings.TrimSuffix(t.Upstream.EscapedPath(), "/") + u.RawPath
			}
		}
		out.Header.Set("X-Forwarded-Host", req.URL.Host)
		out.URL = &u
		out.Host = ""
	}

	return t.Client.Do(out)
}
