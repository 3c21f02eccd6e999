// Package cleanup はキャッシュエントリの自動削除ジョブを提供する。
// 保存から最大保持期間（デフォルト30日）を超過したエントリを
// 全パーティションから定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Evictor は保存時刻より古いキャッシュエントリを削除するインターフェース。
// cache.Storage がそのまま満たす。
type Evictor interface {
	Evict(ctx context.Context, olderThan time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したキャッシュエントリの自動削除ジョブ。
// 冪等で、削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	storage Evictor
	logger  *slog.Logger
	now     func() time.Time
	MaxAge  time.Duration // エントリの最大保持期間（デフォルト: 720h）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(storage Evictor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		storage: storage,
		logger:  logger,
		now:     time.Now,
		MaxAge:  30 * 24 * time.Hour,
	}
}

// Run はMaxAgeより前に保存されたエントリを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.Add(-j.MaxAge)

	deleted, err := j.storage.Evict(ctx, cutoff)
	if err != nil {
		j.logger.Error("キャッシュクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("max_age", j.MaxAge),
		)
		return fmt.Errorf("キャッシュクリーンアップの実行に失敗: %w", err)
	}

	duration := j.now().Sub(start)
	j.logger.Info("キャッシュクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Duration("max_age", j.MaxAge),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以後interval間隔でRunを繰り返す。
// ctxがキャンセルされるまでブロックする。失敗はログのみで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
