package offline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tujitume/internal/cache"
)

// precacheRels は事前キャッシュ対象とするlink要素のrel値。
var precacheRels = map[string]bool{
	"stylesheet":       true,
	"icon":             true,
	"manifest":         true,
	"modulepreload":    true,
	"preload":          true,
	"apple-touch-icon": true,
}

// DiscoverShellAssets はルートドキュメントが参照する同一オリジンのアセットを抽出する。
// link要素のhrefとscript要素のsrcを対象とし、オリジン相対パス（クエリ含む）を
// 出現順・重複なしで返す。
func DiscoverShellAssets(doc io.Reader, origin *url.URL) []string {
	var assets []string
	seen := make(map[string]bool)

	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		u, err := url.Parse(ref)
		if err != nil {
			return
		}
		resolved := origin.ResolveReference(u)
		if !strings.EqualFold(resolved.Scheme, origin.Scheme) || !strings.EqualFold(resolved.Host, origin.Host) {
			return
		}
		p := resolved.EscapedPath()
		if p == "" {
			p = "/"
		}
		if resolved.RawQuery != "" {
			p += "?" + resolved.RawQuery
		}
		if !seen[p] {
			seen[p] = true
			assets = append(assets, p)
		}
	}

	tokenizer := html.NewTokenizer(doc)
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return assets

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)
			if !hasAttr || (tagName != "link" && tagName != "script") {
				continue
			}

			var rel, href, src string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "href":
					href = string(val)
				case "src":
					src = string(val)
				}
				if !more {
					break
				}
			}

			if tagName == "script" {
				add(src)
				continue
			}
			for _, r := range strings.Fields(rel) {
				if precacheRels[r] {
					add(href)
					break
				}
			}
		}
	}
}

// discover はルートドキュメントを取得して参照アセットを抽出する。失敗しても空を返すだけ。
func (w *Worker) discover(ctx context.Context) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.absolute("/"), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "text/html")

	resp, err := w.roundTrip(ctx, req)
	if err != nil {
		w.logger.Warn("シェルアセットの検出に失敗しました", slog.String("error", err.Error()))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.logger.Warn("シェルアセットの検出に失敗しました", slog.Int("http_status", resp.StatusCode))
		return nil
	}

	var body io.Reader = resp.Body
	if w.cfg.MaxBodySize > 0 {
		body = io.LimitReader(resp.Body, w.cfg.MaxBodySize)
	}
	assets := DiscoverShellAssets(body, w.origin)
	w.logger.Debug("シェルアセットを検出しました", slog.Int("count", len(assets)))
	return assets
}

// precache は全アセットを並行取得する。1件でも失敗すれば何も返さない。
func (w *Worker) precache(ctx context.Context, assets []string) ([]*cache.Entry, error) {
	entries := make([]*cache.Entry, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.PrecacheConcurrency)
	for i, asset := range assets {
		g.Go(func() error {
			entry, err := w.fetchAsset(gctx, asset)
			if err != nil {
				return fmt.Errorf("precache %s: %w", asset, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// fetchAsset は1件のアセットを取得してエントリにする。ステータス200のみ受け付ける。
func (w *Worker) fetchAsset(ctx context.Context, asset string) (*cache.Entry, error) {
	target := w.absolute(asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := w.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body []byte
	if w.cfg.MaxBodySize > 0 {
		body, err = io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxBodySize+1))
		if err == nil && int64(len(body)) > w.cfg.MaxBodySize {
			return nil, fmt.Errorf("body exceeds %d bytes", w.cfg.MaxBodySize)
		}
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return cache.NewEntry(cache.RequestKey(http.MethodGet, target), resp.StatusCode, resp.Header, body, w.now()), nil
}

// mergeAssets は重複を除いて連結する。
func mergeAssets(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	merged := make([]string, 0, len(base)+len(extra))
	for _, a := range append(append([]string{}, base...), extra...) {
		if !seen[a] {
			seen[a] = true
			merged = append(merged, a)
		}
	}
	return merged
}
