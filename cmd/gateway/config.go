package main

import (
	"time"

	"github.com/casafone/voicegate/internal/admission"
	"github.com/casafone/voicegate/internal/env"
	"github.com/casafone/voicegate/internal/monitor"
	"github.com/casafone/voicegate/internal/pipeline"
)

type config struct {
	port string

	// stage backends
	whisperURL        string
	interpretURL      string
	synthURL          string
	synthVoice        string
	synthVoiceQuality string
	openaiAPIKey      string
	openaiModel       string
	systemPrompt      string
	stagePoolSize     int

	// latency budget (configurable targets, not hard constraints)
	budget pipeline.Budget

	// admission defaults
	admitDefaults admission.Limits
	admitWindow   time.Duration

	// monitoring
	targets         monitor.Targets
	alertWebhookURL string

	// history persistence (disabled when empty)
	historyDSN string
}

func loadConfig() config {
	targets := monitor.DefaultTargets()
	targets.DefaultLatencyMs = env.Float("SLA_LATENCY_TARGET_MS", targets.DefaultLatencyMs)
	targets.SatisfactionFloor = env.Float("SLA_SATISFACTION_FLOOR", targets.SatisfactionFloor)
	targets.VolumeSpikeRatio = env.Float("SLA_VOLUME_SPIKE_RATIO", targets.VolumeSpikeRatio)
	targets.AnomalyRatio = env.Float("SLA_VOLUME_ANOMALY_RATIO", targets.AnomalyRatio)

	budget := pipeline.DefaultBudget()

	return config{
		port:              env.Str("GATEWAY_PORT", "8000"),
		whisperURL:        env.Str("WHISPER_URL", "http://localhost:8080"),
		interpretURL:      env.Str("INTERPRET_URL", "http://localhost:8090"),
		synthURL:          env.Str("SYNTH_URL", "http://localhost:5100"),
		synthVoice:        env.Str("SYNTH_VOICE", "en_US-lessac-low"),
		synthVoiceQuality: env.Str("SYNTH_VOICE_QUALITY", "en_US-lessac-medium"),
		openaiAPIKey:      env.Str("OPENAI_API_KEY", ""),
		openaiModel:       env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		systemPrompt:      env.Str("SYSTEM_PROMPT", ""),
		stagePoolSize:     env.Int("STAGE_POOL_SIZE", 50),
		budget: pipeline.Budget{
			Transcribe: env.MillisDuration("BUDGET_TRANSCRIBE_MS", budget.Transcribe),
			Interpret:  env.MillisDuration("BUDGET_INTERPRET_MS", budget.Interpret),
			Synthesize: env.MillisDuration("BUDGET_SYNTHESIZE_MS", budget.Synthesize),
			Total:      env.MillisDuration("BUDGET_TOTAL_MS", budget.Total),
		},
		admitDefaults: admission.Limits{
			MaxConcurrent: env.Int("ADMIT_MAX_CONCURRENT", 100),
			MaxPerWindow:  env.Int("ADMIT_MAX_PER_MINUTE", 600),
		},
		admitWindow:     env.Duration("ADMIT_WINDOW", time.Minute),
		targets:         targets,
		alertWebhookURL: env.Str("ALERT_WEBHOOK_URL", ""),
		historyDSN:      env.Str("HISTORY_DB_DSN", ""),
	}
}
