package offline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/hitoshi/tujitume/internal/cache"
	"github.com/hitoshi/tujitume/internal/metrics"
)

const testOrigin = "https://app.example.com"

var (
	errOffline   = errors.New("dial tcp: network is unreachable")
	errTruncated = errors.New("unexpected EOF")
)

// fakeOrigin はhttp.Handlerでレスポンスを返すRoundTripper。
// offlineが真の間はネットワークエラーを返し、truncateが真の間は
// ボディが途中で切れる200を返す。
type fakeOrigin struct {
	mu       sync.Mutex
	handler  http.Handler
	offline  bool
	truncate bool
	calls    []string
}

func (f *fakeOrigin) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.String())
	offline, truncate := f.offline, f.truncate
	f.mu.Unlock()

	if offline {
		return nil, errOffline
	}
	if truncate {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        http.Header{"Content-Length": []string{"1000"}},
			Body:          io.NopCloser(io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errTruncated))),
			ContentLength: 1000,
			Request:       req,
		}, nil
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (f *fakeOrigin) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeOrigin) setTruncate(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncate = v
}

func (f *fakeOrigin) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// siteHandler はテスト用のアプリオリジン。
func siteHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/index.html" && r.URL.Path != "/dashboard" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><link rel="manifest" href="/manifest.json"></head><body>shell</body></html>`))
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"tujitume"}`))
	})
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<p>offline</p>"))
	})
	mux.HandleFunc("/assets/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Write([]byte("console.log('app')"))
	})
	mux.HandleFunc("/api/gigs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1}]`))
	})
	mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"uid":"u1"}`))
	})
	mux.HandleFunc("/api/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return mux
}

func testConfig() Config {
	return Config{
		AppName:             "tujitume",
		Version:             "v3",
		Origin:              testOrigin,
		ShellAssets:         []string{"/", "/index.html", "/manifest.json", "/offline.html"},
		OfflinePage:         "/offline.html",
		APIPrefix:           "/api/",
		ListingPattern:      "/gigs",
		DevToolingMarkers:   []string{"@vite", "@react-refresh", ".jsx"},
		MaxBodySize:         1 << 20,
		PrecacheConcurrency: 2,
	}
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestWorker はインストール・アクティベート前のワーカーを生成する。
func newTestWorker(t *testing.T, cfg Config, origin *fakeOrigin, passthrough http.RoundTripper) (*Worker, *cache.MemoryStorage) {
	t.Helper()
	storage := cache.NewMemoryStorage()
	var buf bytes.Buffer
	w, err := NewWorker(cfg, origin, passthrough, storage, metrics.Nop{}, newTestLogger(&buf))
	if err != nil {
		t.Fatalf("NewWorker がエラーを返した: %v", err)
	}
	return w, storage
}

// newActiveWorker はインストールとアクティベートを済ませたワーカーを生成する。
func newActiveWorker(t *testing.T) (*Worker, *fakeOrigin, *cache.MemoryStorage) {
	t.Helper()
	origin := &fakeOrigin{handler: siteHandler()}
	w, storage := newTestWorker(t, testConfig(), origin, nil)
	if err := w.Dispatch(context.Background(), InstallEvent{SkipWaiting: true}); err != nil {
		t.Fatalf("インストールに失敗した: %v", err)
	}
	return w, origin, storage
}

func newRequest(method, target string, header map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RequestURI = ""
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ボディの読み取りに失敗した: %v", err)
	}
	return string(b)
}

func partitionKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	p, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("パーティションを開けない: %v", err)
	}
	keys, err := p.Keys(context.Background())
	if err != nil {
		t.Fatalf("キー一覧の取得に失敗した: %v", err)
	}
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
