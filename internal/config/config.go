// Package config loads the gateway runtime configuration: viper over env
// vars plus an optional config file, surfaced as a typed struct instead of
// scattered os.Getenv calls.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sttbridge/gateway/pkg/commons"
)

// MeetingConfig mirrors the meeting-mode tunables in StreamingConfig.options
// that can also be set as process-wide defaults via env/config file.
type MeetingConfig struct {
	WakeWords              []string
	RequireWakeWord        bool
	OpenWindowMs           int
	CooldownMs             int
	EchoSuppressMs         int
	EchoSimilarity         float64
	IntroEnabled           bool
}

// AppConfig is the gateway's process-wide configuration.
type AppConfig struct {
	// HTTP
	ListenAddr      string
	AllowedOrigins  []string

	// Provider credentials, keyed by provider id (e.g. "openai").
	ProviderAPIKeys map[string]string

	// Resampler
	ResamplerPath string

	// Voice assistant
	VoiceSystemPrompt    string
	VoiceHistoryMaxTurns int
	VoiceSTTProvider     string
	VoiceLLMModel        string // OPENAI_STREAMING_MODEL-equivalent for chat turns
	VoiceTTSModel        string
	VoiceTTSVoice        string
	Meeting              MeetingConfig

	// Batch adapter model selection (OPENAI_BATCH_MODEL, OPENAI_BATCH_MODEL_FALLBACK)
	BatchModel         string
	BatchModelFallback string
	StreamingModel     string

	// Backpressure / timing defaults
	MaxPcmQueueBytes int
	OverflowGraceMs  int
	KeepaliveMs      int
	MaxMissedPongs   int

	// Provider availability cache
	ProviderHealthRefreshMs int

	// Replay
	ReplayDir string

	// Storage
	SQLiteDSN string
}

// Load builds an AppConfig from environment variables (and, if present, a
// config file named "gateway" on the working directory / /etc/gateway path),
// with env vars taking precedence over file keys.
func Load() *AppConfig {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gateway")
	_ = v.ReadInConfig() // absence of a config file is not fatal

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("resampler_path", "sox")
	v.SetDefault("voice_history_max_turns", 12)
	v.SetDefault("max_pcm_queue_bytes", 5*1024*1024)
	v.SetDefault("overflow_grace_ms", 500)
	v.SetDefault("keepalive_ms", 30000)
	v.SetDefault("max_missed_pongs", 2)
	v.SetDefault("provider_health_refresh_ms", 5000)
	v.SetDefault("replay_dir", "./replay")
	v.SetDefault("sqlite_dsn", "gateway.db")
	v.SetDefault("meeting_open_window_ms", 6000)
	v.SetDefault("meeting_cooldown_ms", 1500)
	v.SetDefault("meeting_echo_suppress_ms", 3000)
	v.SetDefault("meeting_echo_similarity", 0.8)
	v.SetDefault("voice_stt_provider", "mock")

	cfg := &AppConfig{
		ListenAddr:              v.GetString("listen_addr"),
		AllowedOrigins:          splitCSV(v.GetString("allowed_origins")),
		ProviderAPIKeys:         loadProviderKeys(v),
		ResamplerPath:           v.GetString("resampler_path"),
		VoiceSystemPrompt:       v.GetString("voice_system_prompt"),
		VoiceHistoryMaxTurns:    v.GetInt("voice_history_max_turns"),
		VoiceSTTProvider:        v.GetString("voice_stt_provider"),
		VoiceLLMModel:           v.GetString("voice_llm_model"),
		VoiceTTSModel:           v.GetString("voice_tts_model"),
		VoiceTTSVoice:           v.GetString("voice_tts_voice"),
		BatchModel:              v.GetString("openai_batch_model"),
		BatchModelFallback:      v.GetString("openai_batch_model_fallback"),
		StreamingModel:          v.GetString("openai_streaming_model"),
		MaxPcmQueueBytes:        v.GetInt("max_pcm_queue_bytes"),
		OverflowGraceMs:         v.GetInt("overflow_grace_ms"),
		KeepaliveMs:             v.GetInt("keepalive_ms"),
		MaxMissedPongs:          v.GetInt("max_missed_pongs"),
		ProviderHealthRefreshMs: v.GetInt("provider_health_refresh_ms"),
		ReplayDir:               v.GetString("replay_dir"),
		SQLiteDSN:               v.GetString("sqlite_dsn"),
		Meeting: MeetingConfig{
			WakeWords:       splitCSV(v.GetString("meeting_wake_words")),
			RequireWakeWord: v.GetBool("meeting_require_wake_word"),
			OpenWindowMs:    v.GetInt("meeting_open_window_ms"),
			CooldownMs:      v.GetInt("meeting_cooldown_ms"),
			EchoSuppressMs:  v.GetInt("meeting_echo_suppress_ms"),
			EchoSimilarity:  v.GetFloat64("meeting_echo_similarity"),
			IntroEnabled:    v.GetBool("meeting_intro_enabled"),
		},
	}
	return cfg
}

func loadProviderKeys(v *viper.Viper) map[string]string {
	keys := make(map[string]string)
	for _, provider := range []string{"openai", "mock"} {
		envKey := strings.ToUpper(provider) + "_API_KEY"
		if val := v.GetString(envKey); val != "" {
			keys[provider] = val
		}
	}
	return keys
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, commons.SEPARATOR)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// OverflowGrace returns OverflowGraceMs as a time.Duration.
func (c *AppConfig) OverflowGrace() time.Duration {
	return time.Duration(c.OverflowGraceMs) * time.Millisecond
}

// Keepalive returns KeepaliveMs as a time.Duration.
func (c *AppConfig) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveMs) * time.Millisecond
}

// ProviderHealthRefresh returns ProviderHealthRefreshMs as a time.Duration.
func (c *AppConfig) ProviderHealthRefresh() time.Duration {
	return time.Duration(c.ProviderHealthRefreshMs) * time.Millisecond
}
