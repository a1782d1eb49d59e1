package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bbeesley/temperature-logger/internal/alert"
	"github.com/bbeesley/temperature-logger/internal/config"
	"github.com/bbeesley/temperature-logger/internal/handlers"
	"github.com/bbeesley/temperature-logger/internal/store"
	"github.com/bbeesley/temperature-logger/pkg/clients/telegram"
)

func main() {
	logConf := zap.NewProductionConfig()
	logConf.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	logConf.DisableCaller = true
	logger, err := logConf.Build()
	if err != nil {
		log.Fatal("error building zap logger", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("unable to build configuration", zap.Error(err))
	}

	ctx := context.Background()

	var measurements store.Store
	switch cfg.StoreBackend {
	case "sqlite":
		measurements, err = store.NewSQLiteStore(cfg.SQLitePath)
	default:
		measurements, err = store.NewDynamoStore(ctx, cfg.TableName)
	}
	if err != nil {
		logger.Fatal("unable to open measurement store",
			zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}

	notifier := telegram.NewClient("", cfg.TelegramToken, cfg.TelegramChatID, nil)
	evaluator := alert.NewEvaluator(notifier, logger)
	handler := handlers.NewMeasurementHandler(measurements, evaluator, logger, cfg.DefaultLogger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	handlers.RegisterRoutes(router, handler, cfg.APIKey, logger)

	logger.Info("measurement server listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("backend", cfg.StoreBackend))
	if err := router.Run(cfg.ListenAddr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
