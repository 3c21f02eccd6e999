// Package installprompt はアプリのインストール案内バナーの表示制御を提供する。
//
// プラットフォームのインストールプロンプトは自動表示させずに保持し、
// ユーザーの明示的な操作で再生する。バナーを閉じた場合は7日間再表示しない。
package installprompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/tujitume/internal/storage"
)

// Cooldown はバナーを閉じてから再表示するまでの期間。
const Cooldown = 7 * 24 * time.Hour

// Outcome はインストールプロンプトへのユーザーの応答。
type Outcome string

// 応答
const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDismissed Outcome = "dismissed"
)

// ErrNoPrompt は保持中のプロンプトがないことを示す。
var ErrNoPrompt = errors.New("installprompt: no deferred prompt")

// Prompt はプラットフォームのインストールプロンプト。1回だけ表示できる。
type Prompt interface {
	Prompt(ctx context.Context) (Outcome, error)
}

// Banner はインストール案内バナーの状態を管理する。
type Banner struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	deferred   Prompt
	standalone bool
}

// NewBanner はBannerを生成する。nowがnilの場合はtime.Nowを使う。
func NewBanner(store storage.Store, logger *slog.Logger, now func() time.Time) *Banner {
	if now == nil {
		now = time.Now
	}
	return &Banner{store: store, logger: logger, now: now}
}

// Capture はプラットフォームのプロンプトを自動表示させずに保持する。
func (b *Banner) Capture(p Prompt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deferred = p
}

// SetStandalone はアプリがインストール済み（スタンドアロン表示）かを設定する。
func (b *Banner) SetStandalone(standalone bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.standalone = standalone
}

// Visible はバナーを表示すべきかを返す。
// インストール済み、プロンプト未保持、または閉じてから7日未満の場合は表示しない。
func (b *Banner) Visible() bool {
	b.mu.Lock()
	standalone, hasPrompt := b.standalone, b.deferred != nil
	b.mu.Unlock()

	if standalone || !hasPrompt {
		return false
	}

	dismissedAt, ok := b.dismissedAt()
	if !ok {
		return true
	}
	return b.now().Sub(dismissedAt) >= Cooldown
}

// Install は保持しているプロンプトを再生し、応答を返す。
// 応答は永続化しない。プロンプトは応答に関わらず破棄される。
func (b *Banner) Install(ctx context.Context) (Outcome, error) {
	b.mu.Lock()
	p := b.deferred
	b.deferred = nil
	b.mu.Unlock()

	if p == nil {
		return "", ErrNoPrompt
	}

	outcome, err := p.Prompt(ctx)
	if err != nil {
		return "", fmt.Errorf("install prompt failed: %w", err)
	}
	b.logger.Info("インストールプロンプトに応答がありました", slog.String("outcome", string(outcome)))
	return outcome, nil
}

// Dismiss はバナーを閉じ、その時刻（ミリ秒）を記録する。
func (b *Banner) Dismiss() error {
	ms := strconv.FormatInt(b.now().UnixMilli(), 10)
	if err := b.store.Set(storage.KeyInstallDismissed, ms); err != nil {
		return fmt.Errorf("failed to record dismissal: %w", err)
	}
	return nil
}

func (b *Banner) dismissedAt() (time.Time, bool) {
	v, ok, err := b.store.Get(storage.KeyInstallDismissed)
	if err != nil {
		b.logger.Warn("バナーの非表示記録の読み込みに失敗しました", slog.String("error", err.Error()))
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
