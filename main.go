package main

import (
	"context"
	"log"
	"os"

	"rovercam/internal/config"
	"rovercam/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("ROVERCAM_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	// コンテキストを作成
	ctx := context.Background()

	// サーバーを作成
	srv, err := server.Bootstrap(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("サーバーの初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
