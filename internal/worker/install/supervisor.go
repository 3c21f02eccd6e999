// Package install はオフラインキャッシュワーカーのインストールを監督する。
// 上流サーバーが起動途中でもゲートウェイを先に立ち上げられるよう、
// インストールが成功するまで指数バックオフで再試行する。
package install

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/tujitume/internal/offline"
)

// Dispatcher はワーカーへのライフサイクルイベント配送インターフェース。
type Dispatcher interface {
	Dispatch(ctx context.Context, ev offline.Event) error
}

// Supervisor はインストールとアクティベートを成功するまで再試行する。
type Supervisor struct {
	worker     Dispatcher
	logger     *slog.Logger
	initial    time.Duration
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewSupervisor はSupervisorを生成する。
// retryIntervalは初回の再試行待ち時間で、0以下の場合はデフォルト値30秒を使用する。
func NewSupervisor(worker Dispatcher, logger *slog.Logger, retryInterval time.Duration) *Supervisor {
	if retryInterval <= 0 {
		retryInterval = defaultInitialBackoff
	}
	maxBackoff := defaultMaxBackoff
	if maxBackoff < retryInterval {
		maxBackoff = retryInterval
	}
	return &Supervisor{
		worker:     worker,
		logger:     logger,
		initial:    retryInterval,
		maxBackoff: maxBackoff,
		sleep:      sleepContext,
	}
}

// Run はスキップ待機付きのインストールを成功するまで繰り返す。
// 成功時はワーカーがアクティベート済みになる。ctxがキャンセルされた場合はctxのエラーを返す。
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for {
		err := s.worker.Dispatch(ctx, offline.InstallEvent{SkipWaiting: true})
		if err == nil {
			s.logger.Info("オフラインキャッシュワーカーが有効になりました",
				slog.Int("attempts", failures+1),
			)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, offline.ErrInvalidTransition) {
			// アクティベートのみ失敗した場合はインストール済みのまま残る
			if actErr := s.worker.Dispatch(ctx, offline.ActivateEvent{}); actErr == nil {
				return nil
			}
		}

		failures++
		delay := CalculateBackoff(s.initial, s.maxBackoff, failures)
		s.logger.Warn("ワーカーのインストールに失敗しました。再試行します",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", failures),
			slog.Duration("retry_in", delay),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
