package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/tujitume/internal/cache"
)

// Class はリクエストの分類。全リクエストはいずれか1つに分類される。
type Class int

// リクエスト分類
const (
	ClassCrossOrigin Class = iota
	ClassDevTooling
	ClassNavigation
	ClassAPI
	ClassStatic
)

// String は分類名を返す。メトリクスのラベルにも使う。
func (c Class) String() string {
	switch c {
	case ClassCrossOrigin:
		return "cross_origin"
	case ClassDevTooling:
		return "dev_tooling"
	case ClassNavigation:
		return "navigation"
	case ClassAPI:
		return "api"
	case ClassStatic:
		return "static"
	default:
		return "unknown"
	}
}

// Outcome はフェッチの結果。X-Cacheヘッダーに出力される。
type Outcome string

// フェッチ結果
const (
	OutcomeHit      Outcome = "HIT"
	OutcomeMiss     Outcome = "MISS"
	OutcomeNetwork  Outcome = "NETWORK"
	OutcomeFallback Outcome = "FALLBACK"
	OutcomeOffline  Outcome = "OFFLINE"
	OutcomeBypass   Outcome = "BYPASS"
)

// offlineBody は合成する503レスポンスのボディ。
const offlineBody = "Offline"

// shellFallbackPaths はナビゲーション失敗時に探すシェルのパス。
var shellFallbackPaths = []string{"/index.html", "/"}

// Classify はリクエストを分類する。判定順はクロスオリジン、開発ツール、
// ナビゲーション、API、静的アセットで、ナビゲーションはAPIプレフィックスより優先する。
func (w *Worker) Classify(req *http.Request) Class {
	u := req.URL
	if !w.sameOrigin(u) {
		return ClassCrossOrigin
	}
	for _, marker := range w.cfg.DevToolingMarkers {
		if marker != "" && strings.Contains(u.Path, marker) {
			return ClassDevTooling
		}
	}
	if isNavigation(req) {
		return ClassNavigation
	}
	if strings.HasPrefix(u.Path, w.cfg.APIPrefix) {
		return ClassAPI
	}
	return ClassStatic
}

// sameOrigin はURLがワーカーのオリジンと一致するかを返す。既定ポートの有無は区別しない。
func (w *Worker) sameOrigin(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return scheme == w.origin.Scheme && canonicalHost(scheme, u.Host) == w.origin.Host
}

// canonicalHost はホストを小文字にし、スキームの既定ポートを取り除く。
func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	name, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(name, ":") {
			return "[" + name + "]"
		}
		return name
	}
	return host
}

// isNavigation はページ全体の読み込みかどうかを判定する。
// Sec-Fetch-Modeがない場合はHTMLを受け付けるGETをナビゲーションとみなす。
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// fetch はフェッチイベントを分類し、分類ごとの戦略で応答を設定する。
func (w *Worker) fetch(ctx context.Context, ev *FetchEvent) error {
	if ev.Request == nil || ev.Request.URL == nil {
		return errors.New("offline: fetch event without request")
	}
	ev.Class = w.Classify(ev.Request)

	switch ev.Class {
	case ClassCrossOrigin:
		if w.passthrough == nil {
			return ErrCrossOriginBlocked
		}
		return w.bypass(ctx, ev, w.passthrough)
	case ClassDevTooling:
		return w.bypass(ctx, ev, w.network)
	case ClassNavigation:
		w.handleNavigation(ctx, ev)
	case ClassAPI:
		w.handleAPI(ctx, ev)
	default:
		w.handleStatic(ctx, ev)
	}
	return nil
}

// bypass はキャッシュを介さずにリクエストを送る。
func (w *Worker) bypass(ctx context.Context, ev *FetchEvent, rt http.RoundTripper) error {
	resp, err := rt.RoundTrip(ev.Request.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("passthrough %s: %w", ev.Request.URL.Host, err)
	}
	ev.Response = resp
	ev.Outcome = OutcomeBypass
	return nil
}

// handleNavigation はネットワーク優先でナビゲーションを処理する。
// 成功時はシェルをルートパスのキーで書き込み、失敗時はキャッシュ済みシェル、
// オフラインページ、合成503の順に代替する。ボディの読み取り失敗もネットワーク失敗として扱う。
func (w *Worker) handleNavigation(ctx context.Context, ev *FetchEvent) {
	req := ev.Request
	resp, err := w.roundTrip(ctx, req)
	if err == nil && req.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		shellKey := cache.RequestKey(http.MethodGet, w.absolute("/"))
		resp, err = w.capture(ctx, w.cfg.ShellPartition(), shellKey, resp)
	}
	if err == nil {
		ev.Response = resp
		ev.Outcome = OutcomeNetwork
		return
	}
	w.networkFailed(ClassNavigation, req, err)

	for _, path := range shellFallbackPaths {
		if entry := w.lookup(ctx, cache.RequestKey(http.MethodGet, w.absolute(path))); entry != nil {
			w.metrics.RecordFallback("shell")
			ev.Response = entry.Response(req)
			ev.Outcome = OutcomeFallback
			return
		}
	}
	if resp := w.offlinePage(ctx, req); resp != nil {
		ev.Response = resp
		ev.Outcome = OutcomeFallback
		return
	}
	w.metrics.RecordFallback("synthesized")
	ev.Response = offlineResponse(req)
	ev.Outcome = OutcomeOffline
}

// handleAPI はネットワーク優先でAPIリクエストを処理する。
// 2xxのGETは一覧パターンに一致すればドメイン用パーティション、
// それ以外は汎用パーティションに書き込む。
func (w *Worker) handleAPI(ctx context.Context, ev *FetchEvent) {
	req := ev.Request
	key := cache.RequestKey(req.Method, req.URL.String())

	resp, err := w.roundTrip(ctx, req)
	if err == nil && req.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		resp, err = w.capture(ctx, w.apiPartition(req.URL), key, resp)
	}
	if err == nil {
		ev.Response = resp
		ev.Outcome = OutcomeNetwork
		return
	}
	w.networkFailed(ClassAPI, req, err)

	if entry := w.lookup(ctx, key); entry != nil {
		w.metrics.RecordCacheHit(ClassAPI.String())
		w.metrics.RecordFallback("cache")
		ev.Response = entry.Response(req)
		ev.Outcome = OutcomeFallback
		return
	}
	w.metrics.RecordCacheMiss(ClassAPI.String())
	w.metrics.RecordFallback("synthesized")
	ev.Response = offlineResponse(req)
	ev.Outcome = OutcomeOffline
}

// handleStatic はキャッシュ優先で静的アセットを処理する。
// ステータス200のGETレスポンスのみ汎用パーティションに書き込む。
func (w *Worker) handleStatic(ctx context.Context, ev *FetchEvent) {
	req := ev.Request
	key := cache.RequestKey(req.Method, req.URL.String())

	if entry := w.lookup(ctx, key); entry != nil {
		w.metrics.RecordCacheHit(ClassStatic.String())
		ev.Response = entry.Response(req)
		ev.Outcome = OutcomeHit
		return
	}
	w.metrics.RecordCacheMiss(ClassStatic.String())

	resp, err := w.roundTrip(ctx, req)
	if err == nil && req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		resp, err = w.capture(ctx, w.cfg.ShellPartition(), key, resp)
	}
	if err != nil {
		w.networkFailed(ClassStatic, req, err)
		w.metrics.RecordFallback("synthesized")
		ev.Response = offlineResponse(req)
		ev.Outcome = OutcomeOffline
		return
	}
	ev.Response = resp
	ev.Outcome = OutcomeMiss
}

// apiPartition はAPIレスポンスの書き込み先パーティション名を返す。
func (w *Worker) apiPartition(u *url.URL) string {
	if w.cfg.ListingPattern != "" && strings.Contains(u.Path, w.cfg.ListingPattern) {
		return w.cfg.ListingPartition()
	}
	return w.cfg.ShellPartition()
}

// roundTrip は同一オリジンのリクエストをネットワークに送り、上流のステータスと遅延を記録する。
func (w *Worker) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w.network == nil {
		return nil, errors.New("offline: network transport is not configured")
	}
	start := w.now()
	resp, err := w.network.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	w.metrics.RecordUpstreamLatency(w.now().Sub(start))
	w.metrics.RecordUpstreamStatus(resp.StatusCode)
	return resp, nil
}

// capture はレスポンスボディを読み取ってキャッシュに書き込み、
// 呼び出し元に返す同内容のレスポンスを返す。
// MaxBodySizeを超えるボディは書き込まずにそのまま流す。書き込み失敗はログのみ。
// ボディの読み取りが途中で失敗した場合は不完全な内容を返さずエラーにする。
func (w *Worker) capture(ctx context.Context, partitionName, key string, resp *http.Response) (*http.Response, error) {
	limit := w.cfg.MaxBodySize
	if limit <= 0 || resp.Body == nil {
		return resp, nil
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("read body of %s: %w", key, err)
	}

	if int64(len(buf)) > limit {
		w.logger.Debug("ボディサイズが上限を超えるためキャッシュしません",
			slog.String("key", key),
			slog.Int64("max_size", limit),
		)
		resp.Body = &readCloser{Reader: io.MultiReader(bytes.NewReader(buf), resp.Body), Closer: resp.Body}
		return resp, nil
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))

	partition, err := w.storage.Open(ctx, partitionName)
	if err == nil {
		err = partition.Put(ctx, cache.NewEntry(key, resp.StatusCode, resp.Header, buf, w.now()))
	}
	if err != nil {
		w.logger.Warn("キャッシュへの書き込みに失敗しました",
			slog.String("partition", partitionName),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return resp, nil
	}
	w.metrics.RecordCacheWrite(partitionName)
	return resp, nil
}

// lookup は全パーティションから一致するエントリを探す。エラーはログのみでnilを返す。
func (w *Worker) lookup(ctx context.Context, key string) *cache.Entry {
	entry, err := w.storage.Match(ctx, key)
	if err != nil {
		w.logger.Warn("キャッシュの参照に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return entry
}

// offlinePage はキャッシュ済みのオフラインページを返す。存在しなければnil。
func (w *Worker) offlinePage(ctx context.Context, req *http.Request) *http.Response {
	if w.cfg.OfflinePage == "" {
		return nil
	}
	entry := w.lookup(ctx, cache.RequestKey(http.MethodGet, w.absolute(w.cfg.OfflinePage)))
	if entry == nil {
		return nil
	}
	w.metrics.RecordFallback("offline_page")
	return entry.Response(req)
}

func (w *Worker) networkFailed(class Class, req *http.Request, err error) {
	w.metrics.RecordNetworkFailure(class.String())
	w.logger.Warn("ネットワークへのリクエストに失敗しました",
		slog.String("class", class.String()),
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.String("error", err.Error()),
	)
}

// absolute はオリジン相対パスを絶対URLにする。
func (w *Worker) absolute(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return w.origin.String() + path
	}
	return w.origin.ResolveReference(ref).String()
}

// offlineResponse は合成した503レスポンスを返す。
func offlineResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(offlineBody)))
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}

// readCloser は先読みしたボディと残りのボディを連結し、元のボディを閉じる。
type readCloser struct {
	io.Reader
	io.Closer
}
