package offline

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/tujitume/internal/middleware"
	"github.com/hitoshi/tujitume/internal/model"
)

// CacheHeader はフェッチ結果を示すレスポンスヘッダー名。
const CacheHeader = "X-Cache"

// ServeHTTP はワーカーをゲートウェイとして公開する。
// アクティベート前のリクエストはキャッシュを介さずにネットワークへ流す。
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req := r.Clone(r.Context())
	req.URL = requestURL(r)
	w.adoptOrigin(req.URL, !r.URL.IsAbs())

	if w.State() != StateActivated {
		resp, err := w.roundTrip(r.Context(), req)
		if err != nil {
			w.writeUpstreamError(rw, err)
			return
		}
		writeResponse(rw, resp, OutcomeBypass, w.logger)
		return
	}

	ev := &FetchEvent{Request: req}
	if err := w.Dispatch(r.Context(), ev); err != nil {
		if errors.Is(err, ErrCrossOriginBlocked) {
			middleware.WriteErrorResponse(rw, http.StatusForbidden, model.NewCrossOriginBlockedError(req.URL.Host))
			return
		}
		w.writeUpstreamError(rw, err)
		return
	}
	writeResponse(rw, ev.Response, ev.Outcome, w.logger)
}

func (w *Worker) writeUpstreamError(rw http.ResponseWriter, err error) {
	w.logger.Warn("上流サーバーへの中継に失敗しました", slog.String("error", err.Error()))
	middleware.WriteErrorResponse(rw, http.StatusBadGateway, model.NewUpstreamFailureError("接続できません"))
}

// adoptOrigin は同一オリジンのURLをオリジンの表記（スキームと既定ポートなしのホスト）にそろえる。
// ゲートウェイ宛てのリクエストはホストが一致すればオリジンのスキームを使う。
// TLS終端の後ろでX-Forwarded-Protoが付かない場合もクロスオリジン扱いにしないため。
// 最初のリクエストのホストが一致しない場合は設定の誤りを疑って一度だけ警告する。
func (w *Worker) adoptOrigin(u *url.URL, direct bool) {
	matched := w.sameOrigin(u) || (direct && canonicalHost(w.origin.Scheme, u.Host) == w.origin.Host)
	if matched {
		u.Scheme = w.origin.Scheme
		u.Host = w.origin.Host
	}
	w.hostCheck.Do(func() {
		if !matched {
			w.logger.Warn("最初のリクエストのホストがORIGIN_URLと一致しません",
				slog.String("request_host", u.Host),
				slog.String("request_scheme", u.Scheme),
				slog.String("origin", w.origin.String()),
			)
		}
	})
}

// requestURL は受信リクエストから絶対URLを組み立てる。
// プロキシ形式の絶対URLはそのまま使い、それ以外はHostとX-Forwarded-Protoから補う。
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.IsAbs() {
		return &u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	u.Scheme = scheme
	u.Host = r.Host
	return &u
}

// writeResponse はレスポンスを書き出す。ボディは必ず閉じる。
// ミドルウェアが設定済みのヘッダーと同名のヘッダーは上流の値で置き換える。
func writeResponse(rw http.ResponseWriter, resp *http.Response, outcome Outcome, logger *slog.Logger) {
	defer resp.Body.Close()

	header := rw.Header()
	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vs := range resp.Header {
		header.Del(k)
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set(CacheHeader, string(outcome))
	rw.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(rw, resp.Body); err != nil {
		logger.Debug("レスポンスボディの書き出しが中断されました", slog.String("error", err.Error()))
	}
}
