package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tujitume/internal/middleware"
	"github.com/hitoshi/tujitume/internal/model"
	"github.com/hitoshi/tujitume/internal/offline"
)

// StatusReporter はワーカーの状態を報告するインターフェース。
type StatusReporter interface {
	Status(ctx context.Context) (offline.Status, error)
}

// HealthChecker はキャッシュバックエンドの疎通確認インターフェース。
// *sql.DBがそのまま満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// GatewayHandler は運用向けエンドポイントを提供する。
type GatewayHandler struct {
	status StatusReporter
	health HealthChecker
	logger *slog.Logger
}

// NewGatewayHandler はGatewayHandlerを生成する。healthはnilでもよい。
func NewGatewayHandler(status StatusReporter, health HealthChecker, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{status: status, health: health, logger: logger}
}

// Health は GET /healthz を処理する。
// キャッシュバックエンドに疎通できない場合は503を返す。
func (h *GatewayHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.health.PingContext(ctx); err != nil {
			h.logger.Error("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Status は GET /_gateway/status を処理する。
// ワーカーのライフサイクル状態、バージョン、パーティション一覧を返す。
func (h *GatewayHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.status.Status(r.Context())
	if err != nil {
		h.logger.Error("ワーカー状態の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewServerError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}
