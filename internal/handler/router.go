// Package handler はゲートウェイのHTTPルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tujitume/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ゲートウェイ本体（オフラインキャッシュワーカー）
	Gateway http.Handler
	Status  StatusReporter

	// 運用エンドポイント
	HealthChecker HealthChecker
	Metrics       http.Handler
}

// NewRouter はゲートウェイのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	SecurityHeaders → CORS → RequestID → Logging → Recovery → RateLimit
//
// /healthz と /metrics はレート制限の外に配置する。
// それ以外のパスは全てゲートウェイに渡す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	h := NewGatewayHandler(deps.Status, deps.HealthChecker, logger)

	// --- 運用エンドポイント ---
	r.Get("/healthz", h.Health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	// --- ゲートウェイ ---
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Get("/_gateway/status", h.Status)
		r.Handle("/*", deps.Gateway)
	})

	return r
}
