package offline

import (
	"net/url"
	"reflect"
	"strings"
	"testing"
)

func TestDiscoverShellAssets(t *testing.T) {
	doc := `<!doctype html>
<html>
<head>
  <link rel="manifest" href="/manifest.json">
  <link rel="icon" href="favicon.ico">
  <link rel="stylesheet" href="/assets/index.css?v=2">
  <link rel="alternate" type="application/rss+xml" href="/feed.xml">
  <link rel="preconnect" href="https://fonts.googleapis.com">
  <link rel="stylesheet" href="https://fonts.googleapis.com/css2?family=Inter">
  <script type="module" src="/assets/index.js"></script>
</head>
<body>
  <script src="/assets/index.js"></script>
  <script src="//cdn.example.net/analytics.js"></script>
</body>
</html>`

	origin, _ := url.Parse(testOrigin)
	got := DiscoverShellAssets(strings.NewReader(doc), origin)
	want := []string{"/manifest.json", "/favicon.ico", "/assets/index.css?v=2", "/assets/index.js"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DiscoverShellAssets() = %v, want %v", got, want)
	}
}

func TestDiscoverShellAssets_Empty(t *testing.T) {
	origin, _ := url.Parse(testOrigin)
	got := DiscoverShellAssets(strings.NewReader("<html><body>no assets</body></html>"), origin)
	if len(got) != 0 {
		t.Errorf("アセットがない場合は空であるべき: %v", got)
	}
}

func TestMergeAssets(t *testing.T) {
	got := mergeAssets([]string{"/", "/manifest.json"}, []string{"/manifest.json", "/app.js"})
	want := []string{"/", "/manifest.json", "/app.js"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeAssets() = %v, want %v", got, want)
	}
}
