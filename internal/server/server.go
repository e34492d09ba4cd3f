package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rovercam/internal/api"
	"rovercam/internal/audio"
	"rovercam/internal/config"
	"rovercam/internal/settings"
	"rovercam/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Dependencies はServerが使うコンポーネント
type Dependencies struct {
	Manager *stream.Manager
	Store   *settings.Store // nilなら設定の監視をしない
	Player  *audio.Player   // nilなら音声APIは503を返す
	Mixer   *audio.Mixer
	Logger  *slog.Logger
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// New は新しいServerインスタンスを作成する
// ManagerはStart済みであること
func New(cfg *config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config: cfg,
		deps:   deps,
		engine: engine,
		logger: logger,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	handler := &RovercamHandler{
		config:  s.config,
		manager: s.deps.Manager,
		player:  s.deps.Player,
		mixer:   s.deps.Mixer,
		store:   s.deps.Store,
		logger:  s.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// オリジンは問わない
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	api.RegisterHandlersWithOptions(s.engine, handler, api.GinServerOptions{
		ErrorHandler: func(c *gin.Context, err error, statusCode int) {
			respondError(c, statusCode, "invalid_parameter", err.Error())
		},
	})

	// 既存クライアント用のパス
	for _, info := range s.deps.Manager.Cameras() {
		index := info.Index
		s.engine.GET(fmt.Sprintf("/video%d", index), func(c *gin.Context) {
			handler.GetCameraWebSocket(c, index)
		})
	}

	s.engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", getIndexHTML())
	})
	s.engine.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "not_found", "指定されたパスは存在しません")
	})
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve はlistenerで接続を受け付ける
// ctxのキャンセルかSIGINT/SIGTERMでグレースフルシャットダウンする
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()
	s.startBackground(bgCtx)

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "address", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return err
	}

	cancelBackground()
	return s.Shutdown()
}

// startBackground は設定ファイルの監視と音声再生を開始する
func (s *Server) startBackground(ctx context.Context) {
	if s.deps.Store != nil && s.config.Settings.Watch {
		go func() {
			if err := s.deps.Store.Watch(ctx); err != nil {
				s.logger.Warn("設定ファイルの監視を終了しました", "error", err)
			}
		}()
	}
	if s.deps.Player != nil {
		go s.deps.Player.Run(ctx)
	}
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 配信中の接続はHTTPサーバーのShutdownでは閉じないので先にセッションを止める
	var errs []error
	if err := s.deps.Manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("セッションの停止に失敗: %w", err))
	}
	if s.deps.Player != nil {
		s.deps.Player.Stop()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストをslogに記録する
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("リクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
