package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casafone/voicegate/internal/admission"
	"github.com/casafone/voicegate/internal/history"
	"github.com/casafone/voicegate/internal/monitor"
	"github.com/casafone/voicegate/internal/pipeline"
	"github.com/casafone/voicegate/internal/prompts"
	"github.com/casafone/voicegate/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	systemPrompt := prompts.ForSession(cfg.systemPrompt)

	// History persistence is optional; a missing DSN disables it and every
	// writer call becomes a no-op.
	var store *history.Store
	var histWriter *history.Writer
	if cfg.historyDSN != "" {
		var err error
		store, err = history.Open(cfg.historyDSN)
		if err != nil {
			slog.Error("history store", "error", err)
			os.Exit(1)
		}
		histWriter = history.NewWriter(store)
		slog.Info("history enabled")
	}

	sinks := monitor.MultiSink{monitor.LogSink{}}
	if cfg.alertWebhookURL != "" {
		sinks = append(sinks, monitor.NewWebhookSink(cfg.alertWebhookURL, 10*time.Second))
		slog.Info("alert webhook enabled", "url", cfg.alertWebhookURL)
	}
	if histWriter != nil {
		sinks = append(sinks, histWriter)
	}
	mon := monitor.New(cfg.targets, sinks)

	admitter := admission.NewController(cfg.admitDefaults, cfg.admitWindow)

	// Transcription backends
	asrBackends := map[string]pipeline.Transcriber{}
	if cfg.whisperURL != "" {
		asrBackends["whisper"] = pipeline.NewMultipartTranscriber(cfg.whisperURL, "/inference", "whisper", cfg.stagePoolSize)
	}
	transcriber := pipeline.NewTranscriberRouter(asrBackends, "whisper")

	// Interpretation backends
	intentBackends := map[string]pipeline.Interpreter{}
	if cfg.interpretURL != "" {
		intentBackends["http"] = pipeline.NewHTTPInterpreter(cfg.interpretURL, systemPrompt, cfg.stagePoolSize)
	}
	if cfg.openaiAPIKey != "" {
		intentBackends["openai"] = pipeline.NewOpenAIInterpreter(cfg.openaiAPIKey, cfg.openaiModel, systemPrompt)
		slog.Info("openai interpreter enabled", "model", cfg.openaiModel)
	}
	interpreter := pipeline.NewInterpreterRouter(intentBackends, "http")

	// Synthesis backends
	synthHTTP := pipeline.NewPooledHTTPClient(cfg.stagePoolSize, 30*time.Second)
	synthBackends := map[string]pipeline.Synthesizer{
		"fast":    pipeline.NewHTTPSynthesizer(cfg.synthURL, cfg.synthVoice, synthHTTP),
		"quality": pipeline.NewHTTPSynthesizer(cfg.synthURL, cfg.synthVoiceQuality, synthHTTP),
	}
	synthesizer := pipeline.NewSynthesizerRouter(synthBackends, "fast")

	handler := ws.NewHandler(ws.HandlerConfig{
		Transcriber: transcriber,
		Interpreter: interpreter,
		Synthesizer: synthesizer,
		Budget:      cfg.budget,
		Admission:   admitter,
		Monitor:     mon,
		History:     histWriter,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		transcriber: transcriber,
		interpreter: interpreter,
		synthesizer: synthesizer,
		admitter:    admitter,
		store:       store,
		wsHandler:   handler,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("gateway starting",
		"addr", addr,
		"budget_total_ms", cfg.budget.Total.Milliseconds(),
		"max_concurrent", cfg.admitDefaults.MaxConcurrent,
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	// Flush pending monitoring and history writes before exit.
	handler.Close()
	mon.Close()
	histWriter.Close()
	if store != nil {
		store.Close()
	}

	slog.Info("gateway stopped")
}
