package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr  string
	MetricsAddr string

	RedisURL    string
	DatabaseURL string

	ProfileBaseURL string

	ChallengeTTL       time.Duration
	MoveConfirmTimeout time.Duration

	RatingWindow  int
	MatchTick     time.Duration
	QueueEntryTTL time.Duration

	WSMsgsPerSec float64
	WSBurst      int

	MsgOverrideDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8090",
		MetricsAddr:        "",
		ChallengeTTL:       30 * time.Second,
		MoveConfirmTimeout: 5 * time.Second,
		RatingWindow:       200,
		MatchTick:          time.Second,
		QueueEntryTTL:      2 * time.Minute,
		WSMsgsPerSec:       20,
		WSBurst:            40,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.MetricsAddr = strings.TrimSpace(os.Getenv("METRICS_ADDR"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.ProfileBaseURL = strings.TrimSpace(os.Getenv("PROFILE_BASE_URL"))
	cfg.MsgOverrideDir = strings.TrimSpace(os.Getenv("MSG_OVERRIDE_DIR"))

	if d, ok := envSeconds("CHALLENGE_TTL_SEC"); ok {
		cfg.ChallengeTTL = d
	}
	if d, ok := envSeconds("MOVE_CONFIRM_TIMEOUT_SEC"); ok {
		cfg.MoveConfirmTimeout = d
	}
	if d, ok := envSeconds("QUEUE_ENTRY_TTL_SEC"); ok {
		cfg.QueueEntryTTL = d
	}
	if v := strings.TrimSpace(os.Getenv("MATCH_TICK_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MatchTick = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("RATING_WINDOW")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RatingWindow = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WS_MSGS_PER_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.WSMsgsPerSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("WS_BURST")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WSBurst = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}

func envSeconds(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
