// Package config loads engine configuration from the environment.
// A .env file is honored when present; explicit environment variables win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dev.helix.council/internal/models"
)

// Config is the root configuration for the deliberation engine.
type Config struct {
	Server     ServerConfig
	Council    CouncilConfig
	Gateway    GatewayConfig
	Registry   RegistryConfig
	Selector   SelectorConfig
	Bias       BiasConfig
	Transcript TranscriptConfig
	Events     EventsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string
	Port string
}

// CouncilConfig holds deliberation protocol settings.
type CouncilConfig struct {
	Mode               models.Mode
	VerdictType        models.VerdictType
	Tier               models.Tier
	PanelSize          int
	ChairmanModel      string // empty: selector picks the best-scored candidate
	NormalizerModel    string
	RankingMethod      models.RankingMethod
	ExcludeSelfVotes   bool
	StyleNormalization bool
	MaxReviewers       int // 0 = unlimited
	PositionRandomize  bool
	SessionDeadline    time.Duration
	ContextIsolation   bool
}

// GatewayConfig holds resilience settings for upstream completion calls.
type GatewayConfig struct {
	OpenRouterAPIKey string
	OpenRouterURL    string
	OllamaURL        string
	Offline          bool
	MaxRetries       int
	PerCallTimeout   time.Duration

	BreakerWindow     time.Duration
	BreakerWindowSize int
	BreakerRatio      float64
	BreakerMinSample  int
	BreakerCooldown   time.Duration
}

// RegistryConfig holds model metadata provider settings.
type RegistryConfig struct {
	ManifestPath        string
	IndexURL            string
	IndexTTL            time.Duration
	IntelligenceEnabled bool
}

// SelectorConfig holds tier-selection weights.
type SelectorConfig struct {
	QualityWeight   float64
	CostWeight      float64
	DiversityWeight float64
	BudgetCeiling   float64 // USD per call; 0 = no ceiling
}

// BiasConfig holds bias-auditor settings.
type BiasConfig struct {
	RedisAddr          string // empty: in-memory store
	DeviationThreshold float64
	DownWeight         float64
	CoBiasThreshold    float64
	CoBiasMinSessions  int
	EWMAAlpha          float64
}

// TranscriptConfig holds audit-trail settings.
type TranscriptConfig struct {
	Root string
}

// EventsConfig holds event-bus and webhook settings.
type EventsConfig struct {
	BufferSize    int
	WebhookURL    string
	WebhookSecret string
}

// Load builds a Config from the environment. Invalid enum values are
// configuration errors and fail startup.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("COUNCIL_HOST", "0.0.0.0"),
			Port: getEnv("COUNCIL_PORT", "8080"),
		},
		Council: CouncilConfig{
			Mode:               models.Mode(getEnv("COUNCIL_MODE", string(models.ModeConsensus))),
			VerdictType:        models.VerdictType(getEnv("COUNCIL_VERDICT_TYPE", string(models.VerdictFreeForm))),
			Tier:               models.Tier(getEnv("COUNCIL_TIER", string(models.TierStandard))),
			PanelSize:          getIntEnv("COUNCIL_PANEL_SIZE", 4),
			ChairmanModel:      getEnv("COUNCIL_CHAIRMAN", ""),
			NormalizerModel:    getEnv("COUNCIL_NORMALIZER_MODEL", ""),
			RankingMethod:      models.RankingMethod(getEnv("COUNCIL_RANKING_METHOD", string(models.MethodBorda))),
			ExcludeSelfVotes:   getBoolEnv("COUNCIL_EXCLUDE_SELF_VOTES", true),
			StyleNormalization: getBoolEnv("COUNCIL_STYLE_NORMALIZATION", false),
			MaxReviewers:       getIntEnv("COUNCIL_MAX_REVIEWERS", 0),
			PositionRandomize:  getBoolEnv("COUNCIL_POSITION_RANDOMIZATION", true),
			SessionDeadline:    getDurationEnv("COUNCIL_SESSION_DEADLINE", 5*time.Minute),
			ContextIsolation:   getBoolEnv("COUNCIL_CONTEXT_ISOLATION", false),
		},
		Gateway: GatewayConfig{
			OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
			OpenRouterURL:     getEnv("OPENROUTER_API_URL", "https://openrouter.ai/api/v1/chat/completions"),
			OllamaURL:         getEnv("OLLAMA_URL", "http://localhost:11434"),
			Offline:           getBoolEnv("COUNCIL_OFFLINE", false),
			MaxRetries:        getIntEnv("GATEWAY_MAX_RETRIES", 2),
			PerCallTimeout:    getDurationEnv("GATEWAY_CALL_TIMEOUT", 120*time.Second),
			BreakerWindow:     getDurationEnv("GATEWAY_BREAKER_WINDOW", 60*time.Second),
			BreakerWindowSize: getIntEnv("GATEWAY_BREAKER_WINDOW_SIZE", 20),
			BreakerRatio:      getFloatEnv("GATEWAY_BREAKER_RATIO", 0.5),
			BreakerMinSample:  getIntEnv("GATEWAY_BREAKER_MIN_SAMPLE", 5),
			BreakerCooldown:   getDurationEnv("GATEWAY_BREAKER_COOLDOWN", 30*time.Second),
		},
		Registry: RegistryConfig{
			ManifestPath:        getEnv("COUNCIL_MODEL_MANIFEST", ""),
			IndexURL:            getEnv("COUNCIL_MODEL_INDEX_URL", ""),
			IndexTTL:            getDurationEnv("COUNCIL_MODEL_INDEX_TTL", 5*time.Minute),
			IntelligenceEnabled: getBoolEnv("COUNCIL_MODEL_INTELLIGENCE", true),
		},
		Selector: SelectorConfig{
			QualityWeight:   getFloatEnv("SELECTOR_QUALITY_WEIGHT", 0.6),
			CostWeight:      getFloatEnv("SELECTOR_COST_WEIGHT", 0.3),
			DiversityWeight: getFloatEnv("SELECTOR_DIVERSITY_WEIGHT", 0.1),
			BudgetCeiling:   getFloatEnv("SELECTOR_BUDGET_CEILING", 0),
		},
		Bias: BiasConfig{
			RedisAddr:          getEnv("COUNCIL_BIAS_REDIS_ADDR", ""),
			DeviationThreshold: getFloatEnv("BIAS_DEVIATION_THRESHOLD", 0.25),
			DownWeight:         getFloatEnv("BIAS_DOWN_WEIGHT", 0.5),
			CoBiasThreshold:    getFloatEnv("BIAS_COBIAS_THRESHOLD", 0.9),
			CoBiasMinSessions:  getIntEnv("BIAS_COBIAS_MIN_SESSIONS", 5),
			EWMAAlpha:          getFloatEnv("BIAS_EWMA_ALPHA", 0.2),
		},
		Transcript: TranscriptConfig{
			Root: getEnv("COUNCIL_TRANSCRIPT_ROOT", "transcripts"),
		},
		Events: EventsConfig{
			BufferSize:    getIntEnv("COUNCIL_EVENT_BUFFER", 256),
			WebhookURL:    getEnv("COUNCIL_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("COUNCIL_WEBHOOK_SECRET", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run. These are fatal at
// startup by policy.
func (c *Config) Validate() error {
	switch c.Council.Mode {
	case models.ModeConsensus, models.ModeDebate, models.ModeBinaryVerdict:
	default:
		return fmt.Errorf("invalid COUNCIL_MODE %q", c.Council.Mode)
	}
	switch c.Council.VerdictType {
	case models.VerdictFreeForm, models.VerdictBinary, models.VerdictRubric:
	default:
		return fmt.Errorf("invalid COUNCIL_VERDICT_TYPE %q", c.Council.VerdictType)
	}
	switch c.Council.RankingMethod {
	case models.MethodBorda, models.MethodSchulze:
	default:
		return fmt.Errorf("invalid COUNCIL_RANKING_METHOD %q", c.Council.RankingMethod)
	}
	if models.TierRank(c.Council.Tier) == 0 {
		return fmt.Errorf("invalid COUNCIL_TIER %q", c.Council.Tier)
	}
	if c.Council.PanelSize < 2 {
		return fmt.Errorf("COUNCIL_PANEL_SIZE must be >= 2, got %d", c.Council.PanelSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
