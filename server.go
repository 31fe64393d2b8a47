package main

import (
	"context"
	"fitcoachdev/config"
	"fitcoachdev/engine"
	"fitcoachdev/logger"
	"fitcoachdev/modelapi/deepgramapi"
	"fitcoachdev/modelapi/geminiapi"
	"fitcoachdev/ops"
	"fitcoachdev/profile"
	"fitcoachdev/prompt"
	"fitcoachdev/telegram"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperdxio/opentelemetry-logs-go/exporters/otlp/otlplogs"
	sdk "github.com/hyperdxio/opentelemetry-logs-go/sdk/logs"
	"github.com/hyperdxio/otel-config-go/otelconfig"
)

// geminiGenerator adapts the Gemini client to the engine's generation
// contract.
type geminiGenerator struct {
	gemini *geminiapi.Gemini
}

func (a geminiGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return a.gemini.Generate(ctx, geminiapi.GenerateProps{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	})
}

func main() {
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		log.Fatalf("Error setting up OTel SDK - %e", err)
	}
	defer otelShutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logExporter, _ := otlplogs.NewExporter(ctx)
	loggerProvider := sdk.NewLoggerProvider(sdk.WithBatcher(logExporter))
	defer loggerProvider.Shutdown(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Error loading configuration - %v", err)
	}

	LogMiddleware := logger.Connect(logger.LoggerConnectProps{
		Production:     cfg.Production,
		LoggerProvider: loggerProvider,
	})
	Logger := LogMiddleware.Logger(ctx)

	store, err := profile.Connect(profile.StoreConnectProps{DataDir: cfg.DataDir})
	if err != nil {
		Logger.Fatal("[Server] Could not open profile store", zap.Error(err))
	}

	gemini, err := geminiapi.Connect(ctx, geminiapi.GeminiConnectProps{
		Logger:          LogMiddleware,
		APIKey:          cfg.GeminiSecretKey,
		Model:           cfg.GeminiModel,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
		CallTimeout:     cfg.CallTimeout,
	})
	if err != nil {
		Logger.Fatal("[Server] Could not connect Gemini client", zap.Error(err))
	}
	defer gemini.Close()

	deepgramClient := deepgramapi.Connect(deepgramapi.DeepgramConnectProps{Logger: LogMiddleware})

	status := ops.NewStatus()
	coach := engine.Connect(engine.EngineConnectProps{
		Logger:          LogMiddleware,
		Store:           store,
		Builder:         prompt.Connect(prompt.BuilderConnectProps{Rng: rand.New(rand.NewSource(time.Now().UnixNano()))}),
		Generator:       geminiGenerator{gemini: gemini},
		Status:          status,
		RateLimitWindow: cfg.RateLimitWindow,
	})

	opsServer := &http.Server{
		Addr:    ":" + cfg.OpsPort,
		Handler: status.Handler(),
	}
	go func() {
		Logger.Info("[Server] Ops endpoint listening", zap.String("port", cfg.OpsPort))
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Logger.Error("[Server] Ops endpoint failed", zap.Error(err))
		}
	}()
	defer opsServer.Shutdown(context.Background())

	telegramBot := telegram.Connect(ctx, telegram.TelegramConnectProps{
		Logger:      LogMiddleware,
		Engine:      coach,
		Transcriber: deepgramClient,
		BotToken:    cfg.TelegramBotToken,
		Debug:       cfg.TelegramDebug,
	})

	if cfg.Production {
		Logger.Info("[Telegram] Bot starting in production mode")
	} else {
		Logger.Info("[Telegram] Bot starting in development mode")
	}

	telegramBot.Listen(ctx)
}
