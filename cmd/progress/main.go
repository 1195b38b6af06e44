// 進捗サービスのエントリポイント。
// 学習項目の完了状態を記録し、項目・モジュール・コース単位の進捗を集計する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/learnhub/internal/progress"
	"github.com/nao1215/learnhub/pkg/config"
	"github.com/nao1215/learnhub/pkg/httpclient"
	"github.com/nao1215/learnhub/pkg/logger"
	"github.com/nao1215/learnhub/pkg/middleware"
)

func main() {
	if err := run(); err != nil {
		logger.L().WithError(err).Error("進捗サービスが異常終了しました")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.ServiceProgress)
	if err != nil {
		return err
	}
	logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: cfg.Service})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := progress.OpenDatabase(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	// 未設定の場合はNewServerがローカルのカタログを使う
	var inventory progress.Inventory
	if cfg.CourseServiceURL != "" {
		inventory = progress.NewHTTPInventory(httpclient.New(cfg.CourseServiceURL,
			httpclient.WithTimeout(cfg.StoreTimeout),
			httpclient.WithHeader(middleware.HeaderInternalToken, cfg.InternalToken),
		))
		logger.Infof("コース構成を外部サービスから取得します: %s", cfg.CourseServiceURL)
	}

	srv := progress.NewServer(cfg, db, inventory)
	logger.Infof("進捗サービスを起動します: :%s", cfg.Port)
	return srv.Run(ctx)
}
