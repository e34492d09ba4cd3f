// Package main はRovercamサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"rovercam/internal/config"
	"rovercam/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", os.Getenv("ROVERCAM_CONFIG"), "設定ファイルのパス (環境変数 ROVERCAM_CONFIG)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		mock       = flag.Bool("mock", false, "実デバイスの代わりにモックのカメラを使う")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Rovercam")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *mock {
		cfg.Camera.Mock = true
	}
	logger := cfg.NewLogger(os.Stderr)

	// コンテキストを作成
	ctx := context.Background()

	srv, err := server.Bootstrap(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("サーバーの初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	logger.Info("Rovercam サーバーを起動します", "address", cfg.ServerAddress())
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
