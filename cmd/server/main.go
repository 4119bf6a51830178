// Package main runs the Echoes device server: local recording and playback,
// cloud sync, auth, and the WebSocket event feed.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/echoes-app/echoes/config"
	"github.com/echoes-app/echoes/internal/audio"
	"github.com/echoes-app/echoes/internal/auth"
	"github.com/echoes-app/echoes/internal/cloud"
	"github.com/echoes-app/echoes/internal/dispatch"
	"github.com/echoes-app/echoes/internal/middleware"
	"github.com/echoes-app/echoes/internal/realtime"
	"github.com/echoes-app/echoes/internal/recordings"
	"github.com/echoes-app/echoes/internal/session"
	"github.com/echoes-app/echoes/internal/settings"
	"github.com/echoes-app/echoes/pkg/database"
	"github.com/echoes-app/echoes/pkg/docstore"
	"github.com/echoes-app/echoes/pkg/kv"
	"github.com/echoes-app/echoes/pkg/queue"
	"github.com/echoes-app/echoes/pkg/redis"
	"github.com/echoes-app/echoes/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

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

	store := kv.NewRedisStore(rdb.Client, cfg.Redis.KeyPrefix)
	docs := docstore.New(docstore.NewPostgresBackend(pool), docstore.NewRedisBus(rdb.Client, logger), logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	q := dispatch.NewQueue()
	defer q.Close()

	// Cloud and auth reference each other: auth stamps logins through cloud,
	// cloud scopes paths by the signed-in user.
	cloudMgr := cloud.NewManager(q, cloud.Config{Objects: s3Client, Docs: docs, Logger: logger})
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authMgr := auth.NewManager(q, auth.NewRepository(pool), jwtService, store, cloudMgr, logger)
	cloudMgr.SetUserSource(authMgr)

	sessionMgr, err := session.NewManager(ctx, q, session.Config{
		Dir:      cfg.Audio.RecordingsDir,
		Recorder: audio.NewFFmpegRecorder(cfg.Audio.InputFormat, cfg.Audio.InputDevice, logger),
		Player:   audio.NewFFplayPlayer(logger),
		Store:    store,
		Remote:   cloudMgr,
		Auth:     authMgr,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("session", zap.Error(err))
	}

	hub := realtime.NewHub(logger)
	hub.Broadcast(realtime.EventSessionState, sessionMgr.State())
	hub.Broadcast(realtime.EventCloudRecordings, cloudMgr.Records())
	hub.Broadcast(realtime.EventProfile, cloudMgr.Profile())
	hub.Broadcast(realtime.EventAuthState, authMgr.State())
	sessionMgr.Subscribe(func(s session.State) { hub.Broadcast(realtime.EventSessionState, s) })
	cloudMgr.SubscribeRecords(func(c cloud.Collection) { hub.Broadcast(realtime.EventCloudRecordings, c) })
	cloudMgr.SubscribeProfile(func(p cloud.ProfileState) { hub.Broadcast(realtime.EventProfile, p) })
	authMgr.OnChange(func(s auth.State) { hub.Broadcast(realtime.EventAuthState, s) })

	authMgr.OnSessionChange(
		func(uid string) {
			cloudMgr.HandleSignIn(uid, sessionMgr)
			go func() {
				if err := jobQueue.EnqueueRecordingRepair(context.Background(), queue.RecordingRepairPayload{UserID: uid}); err != nil {
					logger.Warn("enqueue recording repair failed", zap.String("user_id", uid), zap.Error(err))
				}
			}()
		},
		cloudMgr.StopListening,
	)
	if err := authMgr.Restore(ctx); err != nil {
		logger.Warn("restore session", zap.Error(err))
	}

	authHandler := auth.NewHandler(authMgr, logger)
	recordingHandler := recordings.NewHandler(sessionMgr, logger)
	cloudHandler := cloud.NewHandler(cloudMgr, sessionMgr, logger)
	settingsHandler := settings.NewHandler(settings.NewStore(store, logger), logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/ws"))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.GET("/session", authHandler.Session)
	}

	router.GET("/recordings", recordingHandler.State)
	router.POST("/recordings/start", recordingHandler.Start)
	router.POST("/recordings/stop", recordingHandler.Stop)
	router.POST("/recordings/:id/play", recordingHandler.Play)
	router.DELETE("/recordings/:id", recordingHandler.Delete)
	router.POST("/playback/pause", recordingHandler.Pause)
	router.POST("/playback/stop", recordingHandler.StopPlayback)

	router.GET("/settings", settingsHandler.Get)
	router.PUT("/settings", settingsHandler.Put)

	// Cloud (JWT of the user signed in on this device)
	cloudGroup := router.Group("/cloud")
	cloudGroup.Use(middleware.JWT(jwtService), middleware.DeviceUser(authMgr.CurrentUserID))
	{
		cloudGroup.GET("/recordings", cloudHandler.Records)
		cloudGroup.GET("/recordings/fetch", cloudHandler.Fetch)
		cloudGroup.DELETE("/recordings/:id", cloudHandler.DeleteRecord)
		cloudGroup.POST("/sync", cloudHandler.Sync)
		cloudGroup.GET("/profile", cloudHandler.GetProfile)
		cloudGroup.PUT("/profile", cloudHandler.PutProfile)
	}

	router.GET("/ws", realtime.ServeWs(hub, logger, originChecker(cfg.Server.CORSAllowedOrigins)))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	cloudMgr.StopListening()
	sessionMgr.Close()
	logger.Info("server stopped")
}

// originChecker mirrors the CORS allow-list for WebSocket upgrades.
func originChecker(allowed string) func(*http.Request) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" {
		return nil
	}
	origins := make(map[string]struct{})
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[origin]
		return ok
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
