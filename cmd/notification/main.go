// 通知サービスのエントリポイント。
// 通知の保存・既読管理・ライブ配信と、協調サービスからのイベント取り込みを提供する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/learnhub/internal/broadcast"
	"github.com/nao1215/learnhub/internal/ingest"
	"github.com/nao1215/learnhub/internal/notification"
	"github.com/nao1215/learnhub/internal/progress"
	"github.com/nao1215/learnhub/pkg/config"
	"github.com/nao1215/learnhub/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		logger.L().WithError(err).Error("通知サービスが異常終了しました")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.ServiceNotification)
	if err != nil {
		return err
	}
	logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: cfg.Service})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := notification.OpenDatabase(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	g, ctx := errgroup.WithContext(ctx)

	hub := broadcast.NewHub(cfg.SubscriberBuffer)
	var push broadcast.Publisher = hub
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		bridge := broadcast.NewRedisBridge(client, cfg.Redis.Channel, hub)
		g.Go(func() error { return bridge.Run(ctx) })
		push = bridge
		logger.With(logrus.Fields{"addr": cfg.Redis.Addr, "channel": cfg.Redis.Channel}).Info("Redis経由でプッシュ配信を中継します")
	}

	srv := notification.NewServer(cfg, db, hub, push)
	srv.HandleEvents(ingest.NewAdapter(srv.Sender(), progress.NewClient(cfg.ProgressServiceURL, cfg.InternalToken)))

	g.Go(func() error {
		logger.Infof("通知サービスを起動します: :%s", cfg.Port)
		return srv.Run(ctx)
	})
	return g.Wait()
}
