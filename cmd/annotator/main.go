// Command annotator is the composition root: it builds the configuration,
// loggers, model clients, pipeline, repository, chat tool, and service
// exactly once at startup and verifies the assembly with a health probe.
// The HTTP surface that would serve the assembled service is an external
// collaborator and is not opened here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/radscribe/annotator/internal/config"
	"github.com/radscribe/annotator/internal/database"
	"github.com/radscribe/annotator/internal/llmclient"
	"github.com/radscribe/annotator/internal/service"
	"github.com/radscribe/annotator/pkg/annotationvalidator"
	"github.com/radscribe/annotator/pkg/chat"
	"github.com/radscribe/annotator/pkg/datastorage/migrations"
	"github.com/radscribe/annotator/pkg/datastorage/repository"
	"github.com/radscribe/annotator/pkg/enhancer"
	"github.com/radscribe/annotator/pkg/pipeline"
	"github.com/radscribe/annotator/pkg/summary"
	"github.com/radscribe/annotator/pkg/vision"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	migrate := flag.Bool("migrate", true, "apply pending datastore migrations on startup")
	flag.Parse()

	if err := run(*configPath, *migrate); err != nil {
		fmt.Fprintf(os.Stderr, "annotator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, migrate bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zapLogger, err := buildZapLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()
	modelLogger := buildLogrusLogger(cfg.Logging)

	db, err := database.Connect(&database.Config{
		Path:          cfg.Database.Path,
		MaxOpenConns:  cfg.Database.MaxOpenConns,
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
	}, modelLogger)
	if err != nil {
		return err
	}
	defer db.Close()

	if migrate {
		if err := migrations.Apply(db.DB); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	repo := repository.New(db, zapLogger.Named("repository"))

	visionTool := vision.New(vision.Config{
		Mode:                  vision.Mode(cfg.Vision.Mode),
		ModelID:               cfg.Vision.ModelID,
		Device:                cfg.Vision.Device,
		CacheDir:              cfg.Vision.CacheDir,
		EndpointURL:           cfg.Vision.EndpointURL,
		RequestTimeoutSeconds: cfg.Vision.RequestTimeoutSeconds,
		AuthToken:             cfg.Vision.AuthToken,
	}, modelLogger, nil)

	llm := llmclient.New(cfg.Validator.LLM.APIKey, "structured-output")

	validator := annotationvalidator.New(llm, annotationvalidator.Config{
		Model:              cfg.Validator.LLM.Model,
		Temperature:        float64(cfg.Validator.LLM.Temperature),
		MaxTokens:          int64(cfg.Validator.LLM.MaxTokens),
		MaxAttempts:        cfg.Validator.MaxAttempts,
		FallbackVocabulary: cfg.Validator.FallbackVocabulary,
	}, modelLogger)

	var enh pipeline.AnnotationEnhancer
	if cfg.Enhancer.Model != "" {
		enh = enhancer.New(llm, enhancer.Config{
			Model:       cfg.Enhancer.Model,
			Temperature: float64(cfg.Enhancer.Temperature),
			MaxTokens:   int64(cfg.Enhancer.MaxTokens),
		}, modelLogger)
	}

	summarizer := summary.New(llm, summary.Config{
		Model:       cfg.Summary.Model,
		Temperature: float64(cfg.Summary.Temperature),
		MaxTokens:   int64(cfg.Summary.MaxTokens),
	}, modelLogger)

	pipe := pipeline.New(visionTool, validator, enh, summarizer,
		cfg.Workers.VisionConcurrency, zapLogger.Named("pipeline"))

	chatTool := chat.New(llm, repo, nil, chat.Config{
		Model:       cfg.Chat.Model,
		Temperature: float64(cfg.Chat.Temperature),
		MaxTokens:   int64(cfg.Chat.MaxTokens),
	}, modelLogger)

	svc := service.New(repo, pipe, chatTool, visionTool, llm, nil, service.Options{
		LLMConcurrency:    cfg.Workers.LLMConcurrency,
		EnableEnhancement: cfg.Enhancer.Model != "",
	}, zapLogger.Named("service"))
	chatTool.SetBatchAnalyzer(svc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status := svc.Health(ctx)
	zapLogger.Info("annotation service assembled",
		zap.Bool("vision", status.Vision),
		zap.Bool("structured", status.Structured),
		zap.Bool("store", status.Store))

	if !status.Store {
		return fmt.Errorf("datastore is not reachable at %s", cfg.Database.Path)
	}
	return nil
}

func buildZapLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func buildLogrusLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
