package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/adapters/anim"
	"github.com/vocalisai/vocalis/adapters/llm"
	"github.com/vocalisai/vocalis/adapters/stt"
	"github.com/vocalisai/vocalis/adapters/tts"
	"github.com/vocalisai/vocalis/domain/repositories"
	"github.com/vocalisai/vocalis/internal/api"
	"github.com/vocalisai/vocalis/internal/auth"
	"github.com/vocalisai/vocalis/internal/backpressure"
	"github.com/vocalisai/vocalis/internal/clock"
	"github.com/vocalisai/vocalis/internal/config"
	"github.com/vocalisai/vocalis/internal/session"
	"github.com/vocalisai/vocalis/internal/websocket"
	"github.com/vocalisai/vocalis/usecase"
)

const defaultPersona = "You are a helpful, concise voice assistant. " +
	"Answer in short spoken sentences; you are being synthesized aloud."

func main() {
	// .env is optional; production deployments set real env vars.
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	settings := config.FromEnv()
	audioClock := clock.NewAudioClock()

	bp := backpressure.NewController(settings.SessionCapacity, logger)

	// Adapters fall back to mocks when credentials are absent so the
	// server stays runnable in development.
	languageModel := buildLanguageModel(logger)
	synthesizer := buildSynthesizer(logger)
	recognizer := buildRecognizer(audioClock, logger)
	animator := anim.NewProceduralAnimator(24000, audioClock.ProcessMs, logger)

	persona := os.Getenv("PERSONA")
	if persona == "" {
		persona = defaultPersona
	}

	sessions := session.NewManager(settings, audioClock, bp, languageModel, persona, logger)
	pipeline := usecase.NewTurnPipeline(languageModel, synthesizer, animator, bp, audioClock, settings, logger)

	hub := websocket.NewHub(sessions, pipeline, recognizer, bp, settings, logger)
	go hub.Run()

	bpCtx, bpCancel := context.WithCancel(context.Background())
	defer bpCancel()
	go bp.Run(bpCtx, metricsSource(sessions), settings.BackpressureInterval)

	cleanup := websocket.NewSessionCleanupService(sessions, 10*time.Minute, time.Minute, logger)
	cleanup.Start()

	secret := settings.JWTSecret
	if secret == "" {
		logger.Warn("JWT_SECRET not set, using an insecure development secret")
		secret = "dev-secret-do-not-use-in-production"
	}
	issuer, err := auth.NewTokenIssuer(secret, 24*time.Hour)
	if err != nil {
		logger.Fatal("failed to create token issuer", zap.Error(err))
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, hub, sessions, issuer, bp, logger)

	go func() {
		if err := e.Start(":" + settings.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Orchestrator started",
		zap.String("port", settings.Port),
		zap.Int("sessionCapacity", settings.SessionCapacity),
		zap.Int64("ttfaTargetMs", settings.TTFATargetMs))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	cleanup.Stop()
	bp.Stop()
	sessions.EndAllSessions()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func buildLanguageModel(logger *zap.Logger) repositories.LanguageModel {
	if os.Getenv("GEMINI_API_KEY") == "" {
		logger.Warn("GEMINI_API_KEY not set, using mock language model")
		return llm.NewMockLanguageModel()
	}
	model, err := llm.NewGeminiLLM(llm.GeminiConfig{}, logger)
	if err != nil {
		logger.Warn("Gemini unavailable, using mock language model", zap.Error(err))
		return llm.NewMockLanguageModel()
	}
	return model
}

func buildSynthesizer(logger *zap.Logger) repositories.SpeechSynthesizer {
	cfg := tts.NewElevenLabsConfigFromEnv()
	synth, err := tts.NewElevenLabsTTS(cfg, logger)
	if err != nil {
		logger.Warn("ElevenLabs unavailable, using mock synthesizer", zap.Error(err))
		return tts.NewMockSynthesizer()
	}
	return synth
}

func buildRecognizer(audioClock *clock.AudioClock, logger *zap.Logger) repositories.SpeechRecognizer {
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		logger.Warn("GOOGLE_APPLICATION_CREDENTIALS not set, using mock recognizer")
		return stt.NewMockSpeechRecognizer(audioClock.ProcessMs, logger)
	}
	return stt.NewGoogleSpeechRecognizer(audioClock.ProcessMs, logger)
}

// metricsSource feeds the backpressure loop. Hardware probes are
// deployment-specific; operators can pin VRAM_PERCENT to exercise
// degradation levels without a GPU.
func metricsSource(sessions *session.Manager) backpressure.MetricsSource {
	return func() backpressure.SystemMetrics {
		m := backpressure.SystemMetrics{
			ActiveSessions: sessions.ActiveCount(),
		}
		if v := os.Getenv("VRAM_PERCENT"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				m.VRAMPercent = f
			}
		}
		return m
	}
}
