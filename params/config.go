package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Pair is one market streamed by the engine together with the candle
// intervals (seconds) maintained for it.
type Pair struct {
	ID        string  `yaml:"id"`
	Intervals []int64 `yaml:"intervals"`
}

type Upstream struct {
	APIHost      string // REST gateway base URL
	StreamHost   string // websocket stream base URL, pair is appended
	APIKeyID     string
	APIKeySecret string
	RequestRate  float64 // gateway requests per second
}

type Feed struct {
	Pairs []Pair
	// ReconnectDelay is the fixed wait between a session reset and the next dial.
	ReconnectDelay time.Duration
	// BackfillDelay paces consecutive backfill pages against the gateway.
	BackfillDelay time.Duration
	// BackfillLookback bounds the startup backfill window.
	//
	// Default 7 days, which matches what the upstream candles endpoint serves.
	BackfillLookback time.Duration
	TopN             int
}

type Server struct {
	Addr     string
	LogFile  string
	LogLevel string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Config struct {
	Upstream Upstream
	Feed     Feed
	Server   Server
	Kafka    Kafka
}

func Default() Config {
	return Config{
		Upstream: Upstream{
			APIHost:     "https://api.luno.com",
			StreamHost:  "wss://ws.luno.com/api/1/stream",
			RequestRate: 5,
		},
		Feed: Feed{
			Pairs:            []Pair{{ID: "XBTMYR", Intervals: []int64{60}}},
			ReconnectDelay:   5 * time.Second,
			BackfillDelay:    time.Second,
			BackfillLookback: 7 * 24 * time.Hour,
			TopN:             10,
		},
		Server: Server{
			Addr:     ":3001",
			LogLevel: "info",
		},
		Kafka: Kafka{
			Topic: "feedbook.orderbook",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Upstream.APIHost = getEnv("API_HOST", cfg.Upstream.APIHost)
	cfg.Upstream.StreamHost = getEnv("STREAM_HOST", cfg.Upstream.StreamHost)
	cfg.Upstream.APIKeyID = os.Getenv("LUNO_API_KEY_ID")
	cfg.Upstream.APIKeySecret = os.Getenv("LUNO_API_KEY_SECRET")
	if rps := os.Getenv("GATEWAY_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil && v > 0 {
			cfg.Upstream.RequestRate = v
		}
	}

	if ms := os.Getenv("RECONNECT_DELAY_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.Feed.ReconnectDelay = time.Duration(v) * time.Millisecond
		}
	}
	if ms := os.Getenv("BACKFILL_DELAY_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.Feed.BackfillDelay = time.Duration(v) * time.Millisecond
		}
	}
	if h := os.Getenv("BACKFILL_LOOKBACK_H"); h != "" {
		if v, err := strconv.Atoi(h); err == nil {
			cfg.Feed.BackfillLookback = time.Duration(v) * time.Hour
		}
	}
	if n := os.Getenv("TOP_N"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			cfg.Feed.TopN = v
		}
	}

	intervals := cfg.Feed.Pairs[0].Intervals
	if raw := os.Getenv("CANDLE_INTERVALS"); raw != "" {
		parsed, err := parseIntervals(raw)
		if err != nil {
			return cfg, err
		}
		intervals = parsed
	}
	if raw := os.Getenv("PAIRS"); raw != "" {
		cfg.Feed.Pairs = nil
		for _, id := range splitList(raw) {
			cfg.Feed.Pairs = append(cfg.Feed.Pairs, Pair{ID: id})
		}
	}
	for i := range cfg.Feed.Pairs {
		cfg.Feed.Pairs[i].Intervals = append([]int64(nil), intervals...)
	}

	if path := os.Getenv("PAIRS_FILE"); path != "" {
		pairs, err := LoadPairsFile(path)
		if err != nil {
			return cfg, err
		}
		cfg.Feed.Pairs = pairs
	}

	cfg.Server.Addr = getEnv("API_ADDR", cfg.Server.Addr)
	cfg.Server.LogFile = os.Getenv("LOG_FILE")
	cfg.Server.LogLevel = getEnv("LOG_LEVEL", cfg.Server.LogLevel)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	return cfg, cfg.Validate()
}

// LoadPairsFile reads a YAML document of the form
//
//	pairs:
//	  - id: XBTMYR
//	    intervals: [60, 300]
func LoadPairsFile(path string) ([]Pair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pairs file: %w", err)
	}
	var doc struct {
		Pairs []Pair `yaml:"pairs"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse pairs file %s: %w", path, err)
	}
	return doc.Pairs, nil
}

func (c Config) Validate() error {
	if len(c.Feed.Pairs) == 0 {
		return fmt.Errorf("no pairs configured")
	}
	seen := make(map[string]struct{}, len(c.Feed.Pairs))
	for _, p := range c.Feed.Pairs {
		if p.ID == "" {
			return fmt.Errorf("pair with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("pair %s configured twice", p.ID)
		}
		seen[p.ID] = struct{}{}
		for _, iv := range p.Intervals {
			if iv <= 0 {
				return fmt.Errorf("pair %s: interval must be positive, got %d", p.ID, iv)
			}
		}
	}
	if c.Feed.TopN <= 0 {
		return fmt.Errorf("top n must be positive")
	}
	return nil
}

func parseIntervals(raw string) ([]int64, error) {
	var out []int64
	for _, s := range splitList(raw) {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid candle interval %q: %w", s, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
