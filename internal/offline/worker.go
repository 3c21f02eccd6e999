// Package offline はアプリのオリジンの前段に置くオフラインキャッシュワーカーを提供する。
//
// ワーカーは install → activate → fetch のライフサイクルを持つ。
// install でシェルアセットを事前キャッシュし、activate で現在のバージョンに
// 一致しないパーティションを削除する。fetch ではリクエストを分類し、
// 分類ごとの戦略（ネットワーク優先 / キャッシュ優先）で応答する。
// ワーカーのエラーは呼び出し元に伝播せず、キャッシュされた代替か
// 合成した503レスポンスで必ず終端する。
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/tujitume/internal/cache"
	"github.com/hitoshi/tujitume/internal/metrics"
)

// State はワーカーのライフサイクル状態。
type State int

// ライフサイクル状態
const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidTransition は現在の状態で受け付けられないイベントを示す。
	ErrInvalidTransition = errors.New("offline: invalid lifecycle transition")
	// ErrCrossOriginBlocked はクロスオリジンへの中継が許可されていないことを示す。
	ErrCrossOriginBlocked = errors.New("offline: cross-origin passthrough is disabled")
)

// Config はワーカーの設定。パーティション名はAppNameとVersionから導出する。
type Config struct {
	AppName             string
	Version             string
	Origin              string
	ShellAssets         []string
	OfflinePage         string
	APIPrefix           string
	ListingPattern      string
	DevToolingMarkers   []string
	MaxBodySize         int64
	PrecacheConcurrency int
	DiscoverShellAssets bool
}

// ShellPartition は汎用（シェル・アセット）パーティション名を返す。
func (c Config) ShellPartition() string {
	return c.AppName + "-" + c.Version
}

// ListingPartition は一覧系APIレスポンス用パーティション名を返す。
func (c Config) ListingPartition() string {
	return c.AppName + "-gigs-" + c.Version
}

// Event はワーカーに配送されるライフサイクルイベント。
type Event interface {
	event()
}

// InstallEvent はシェルアセットの事前キャッシュを要求する。
// SkipWaitingが真の場合、インストール完了後ただちにアクティベートする。
type InstallEvent struct {
	SkipWaiting bool
}

// ActivateEvent は古いパーティションの削除とページの制御開始を要求する。
type ActivateEvent struct{}

// FetchEvent は1件のリクエストを表す。Dispatch後にResponseとOutcomeが設定される。
// Requestは絶対URLを持つ必要がある。
type FetchEvent struct {
	Request  *http.Request
	Response *http.Response
	Class    Class
	Outcome  Outcome
}

func (InstallEvent) event()  {}
func (ActivateEvent) event() {}
func (*FetchEvent) event()   {}

// Worker はオフラインキャッシュワーカー。
type Worker struct {
	cfg         Config
	origin      *url.URL
	network     http.RoundTripper
	passthrough http.RoundTripper
	storage     cache.Storage
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.RWMutex
	state State

	hostCheck sync.Once
}

// NewWorker はWorkerを生成する。
// networkは同一オリジンのリクエストを送る先、passthroughはクロスオリジンの中継先で、
// passthroughがnilの場合クロスオリジンのリクエストは拒否する。
func NewWorker(cfg Config, network, passthrough http.RoundTripper, storage cache.Storage, collector metrics.MetricsCollector, logger *slog.Logger) (*Worker, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %q", cfg.Origin)
	}
	if cfg.AppName == "" || cfg.Version == "" {
		return nil, errors.New("app name and version are required")
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	if cfg.PrecacheConcurrency <= 0 {
		cfg.PrecacheConcurrency = 4
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	scheme := strings.ToLower(origin.Scheme)

	return &Worker{
		cfg:         cfg,
		origin:      &url.URL{Scheme: scheme, Host: canonicalHost(scheme, origin.Host)},
		network:     network,
		passthrough: passthrough,
		storage:     storage,
		metrics:     collector,
		logger:      logger,
		now:         time.Now,
		state:       StateParsed,
	}, nil
}

// State は現在のライフサイクル状態を返す。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Config はワーカーの設定を返す。
func (w *Worker) Config() Config {
	return w.cfg
}

// Dispatch はイベントを処理する単一のディスパッチャ。
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case InstallEvent:
		if err := w.install(ctx); err != nil {
			return err
		}
		if e.SkipWaiting {
			return w.activate(ctx)
		}
		return nil
	case ActivateEvent:
		return w.activate(ctx)
	case *FetchEvent:
		return w.fetch(ctx, e)
	default:
		return fmt.Errorf("offline: unknown event %T", ev)
	}
}

// transition は状態遷移を行う。fromのいずれにも一致しない場合はエラー。
func (w *Worker) transition(to State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.state, to)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// install はシェルアセットを事前キャッシュする。
// 全アセットの取得に成功した場合のみ書き込み、1件でも失敗すればワーカーは不要状態になる。
func (w *Worker) install(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateParsed, StateRedundant); err != nil {
		return err
	}

	assets := w.cfg.ShellAssets
	if w.cfg.DiscoverShellAssets {
		assets = mergeAssets(assets, w.discover(ctx))
	}

	entries, err := w.precache(ctx, assets)
	if err != nil {
		w.setState(StateRedundant)
		w.logger.Error("シェルアセットの事前キャッシュに失敗しました",
			slog.String("version", w.cfg.Version),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("install failed: %w", err)
	}

	partition, err := w.storage.Open(ctx, w.cfg.ShellPartition())
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install failed: open partition: %w", err)
	}
	for _, entry := range entries {
		if err := partition.Put(ctx, entry); err != nil {
			w.setState(StateRedundant)
			return fmt.Errorf("install failed: put %s: %w", entry.Key, err)
		}
		w.metrics.RecordCacheWrite(partition.Name())
	}

	w.setState(StateInstalled)
	w.logger.Info("ワーカーをインストールしました",
		slog.String("version", w.cfg.Version),
		slog.Int("asset_count", len(entries)),
	)
	return nil
}

// activate は現在のバージョンに一致しないパーティションを削除し、制御を開始する。
func (w *Worker) activate(ctx context.Context) error {
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		return err
	}

	keep := map[string]bool{
		w.cfg.ShellPartition():   true,
		w.cfg.ListingPartition(): true,
	}

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("activate failed: list partitions: %w", err)
	}

	purged := 0
	for _, name := range names {
		if keep[name] {
			continue
		}
		deleted, err := w.storage.Delete(ctx, name)
		if err != nil {
			w.setState(StateInstalled)
			return fmt.Errorf("activate failed: delete %s: %w", name, err)
		}
		if deleted {
			purged++
			w.logger.Info("古いキャッシュパーティションを削除しました", slog.String("partition", name))
		}
	}
	w.metrics.RecordPartitionsPurged(purged)

	w.setState(StateActivated)
	w.logger.Info("ワーカーをアクティベートしました",
		slog.String("version", w.cfg.Version),
		slog.Int("purged", purged),
	)
	return nil
}

// Status はワーカーの状態スナップショット。
type Status struct {
	State            string   `json:"state"`
	Version          string   `json:"version"`
	ShellPartition   string   `json:"shell_partition"`
	ListingPartition string   `json:"listing_partition"`
	Partitions       []string `json:"partitions"`
}

// Status は現在の状態とパーティション一覧を返す。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list partitions: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return Status{
		State:            w.State().String(),
		Version:          w.cfg.Version,
		ShellPartition:   w.cfg.ShellPartition(),
		ListingPartition: w.cfg.ListingPartition(),
		Partitions:       names,
	}, nil
}
