package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Controller listen address
	ListenHost string
	ListenPort int

	// Competition sizing
	MinNbAgents       int
	NbGoods           int
	TxFee             float64
	MoneyEndowment    int
	BaseGoodEndowment int
	LowerBoundFactor  int
	UpperBoundFactor  int

	// Timing
	RegistrationTimeout time.Duration
	CompetitionTimeout  time.Duration
	InactivityTimeout   time.Duration

	// Tournament parameter file (overrides the sizing fields when set)
	ParamsPath string

	// Persistence
	StorePath string

	// Agent-side negotiation
	LockTimeout time.Duration

	// Determinism
	Seed int64

	// Telemetry
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenHost: envStr("AGORA_LISTEN_HOST", "0.0.0.0"),
		ListenPort: envInt("AGORA_LISTEN_PORT", 9001),

		MinNbAgents:       envInt("AGORA_MIN_NB_AGENTS", 5),
		NbGoods:           envInt("AGORA_NB_GOODS", 5),
		TxFee:             envFloat("AGORA_TX_FEE", 1.0),
		MoneyEndowment:    envInt("AGORA_MONEY_ENDOWMENT", 200),
		BaseGoodEndowment: envInt("AGORA_BASE_GOOD_ENDOWMENT", 2),
		LowerBoundFactor:  envInt("AGORA_LOWER_BOUND_FACTOR", 1),
		UpperBoundFactor:  envInt("AGORA_UPPER_BOUND_FACTOR", 1),

		RegistrationTimeout: time.Duration(envInt("AGORA_REGISTRATION_TIMEOUT_SEC", 60)) * time.Second,
		CompetitionTimeout:  time.Duration(envInt("AGORA_COMPETITION_TIMEOUT_SEC", 300)) * time.Second,
		InactivityTimeout:   time.Duration(envInt("AGORA_INACTIVITY_TIMEOUT_SEC", 60)) * time.Second,

		ParamsPath: envStr("AGORA_PARAMS_PATH", ""),

		StorePath: envStr("AGORA_STORE_PATH", "agora.db"),

		LockTimeout: time.Duration(envInt("AGORA_LOCK_TIMEOUT_SEC", 30)) * time.Second,

		Seed: int64(envInt("AGORA_SEED", 42)),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
