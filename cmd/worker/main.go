// Package main runs the background job worker (recording repair).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/echoes-app/echoes/config"
	"github.com/echoes-app/echoes/internal/cloud"
	"github.com/echoes-app/echoes/internal/dispatch"
	"github.com/echoes-app/echoes/internal/worker"
	"github.com/echoes-app/echoes/pkg/database"
	"github.com/echoes-app/echoes/pkg/docstore"
	"github.com/echoes-app/echoes/pkg/queue"
	"github.com/echoes-app/echoes/pkg/redis"
	"github.com/echoes-app/echoes/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Endpoint:             cfg.AWS.Endpoint,
		RecordingsBucket:     cfg.AWS.RecordingsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	q := dispatch.NewQueue()
	defer q.Close()

	docs := docstore.New(docstore.NewPostgresBackend(pool), docstore.NewRedisBus(rdb.Client, logger), logger)
	cloudMgr := cloud.NewManager(q, cloud.Config{Objects: s3Client, Docs: docs, Logger: logger})
	jobQueue := queue.NewQueue(rdb.Client, logger)
	grace := time.Duration(cfg.Worker.RepairGraceMinutes) * time.Minute
	processor := worker.NewRepairProcessor(cloudMgr, jobQueue, grace, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(workerCtx)
	}()
	logger.Info("worker started", zap.Duration("repair_grace", grace))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
