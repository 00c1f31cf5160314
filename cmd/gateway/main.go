// API Gatewayサービスのエントリポイント。
// 認証付きのリバースプロキシとして内部サービスへの転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitor-zanatta-walter/microservices-api/internal/gateway"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := gateway.LoadConfig(os.Environ())
	if err != nil {
		log.Fatalf("Gatewayの設定が不正です: %v", err)
	}

	server, err := gateway.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Gatewayサーバーの初期化に失敗: %v", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Printf("Gatewayサーバーの終了処理に失敗: %v", err)
		}
	}()

	if err := server.Run(ctx); err != nil {
		log.Printf("Gatewayサービスが異常終了しました: %v", err)
		return
	}
	log.Printf("Gatewayサービスを停止しました")
}
