package install

import "time"

const (
	// defaultInitialBackoff は初回の再試行待ち時間のデフォルト。
	defaultInitialBackoff = 30 * time.Second
	// defaultMaxBackoff は再試行待ち時間の上限のデフォルト。
	defaultMaxBackoff = 10 * time.Minute
)

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 1回目の失敗後はinitial、以後2倍ずつ増加し、maxで頭打ちになる。
func CalculateBackoff(initial, max time.Duration, consecutiveFailures int) time.Duration {
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	if max < initial {
		max = initial
	}
	delay := initial
	for i := 1; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}
