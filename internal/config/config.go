package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts yaml duration strings like "30s" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: bad duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Jetstream JetstreamConfig `yaml:"jetstream"`
	Keywords  KeywordsConfig  `yaml:"keywords"`
	Filter    FilterConfig    `yaml:"filter"`
	Run       RunConfig       `yaml:"run"`
	Logs      LogsConfig      `yaml:"logs"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	Redis     RedisConfig     `yaml:"redis"`
	Relay     RelayConfig     `yaml:"relay"`
	Backoff   BackoffConfig   `yaml:"backoff"`

	// StatsInterval controls how often a live snapshot of the session
	// counters is logged. Zero disables the live snapshot logger.
	StatsInterval Duration `yaml:"stats_interval"`
}

type JetstreamConfig struct {
	URL             string   `yaml:"url"`
	Heartbeat       Duration `yaml:"heartbeat"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
}

type KeywordsConfig struct {
	// List is the inline keyword set. File, when set, is a newline
	// delimited keyword file merged into List at load time.
	List []string `yaml:"list"`
	File string   `yaml:"file"`
}

type FilterConfig struct {
	TargetLanguage  string   `yaml:"target_language"`
	ScoreThreshold  int      `yaml:"score_threshold"`
	TargetWords     []string `yaml:"target_words"`
	ReferenceWords  []string `yaml:"reference_words"`
	Markers         []string `yaml:"markers"`
	InternalDomains []string `yaml:"internal_domains"`
}

type RunConfig struct {
	// Mode is one of "unbounded", "duration", "duration_archive", "count".
	Mode     string   `yaml:"mode"`
	Duration Duration `yaml:"duration"`
	Count    uint64   `yaml:"count"`
}

type LogsConfig struct {
	Dir string `yaml:"dir"`
}

type EnrichConfig struct {
	ProfileWorkers    int      `yaml:"profile_workers"`
	TranslateWorkers  int      `yaml:"translate_workers"`
	Countdown         Duration `yaml:"countdown"`
	QueueCap          int      `yaml:"queue_cap"`
	TranslateEndpoint string   `yaml:"translate_endpoint"`
	ProfileEndpoint   string   `yaml:"profile_endpoint"`
	MaxTranslateChars int      `yaml:"max_translate_chars"`
}

type RedisConfig struct {
	Addr       string   `yaml:"addr"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	ProfileTTL Duration `yaml:"profile_ttl"`
}

type RelayConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type BackoffConfig struct {
	Base Duration `yaml:"base"`
	Cap  Duration `yaml:"cap"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Jetstream.URL == "" {
		cfg.Jetstream.URL = "wss://jetstream2.us-east.bsky.network/subscribe?wantedCollections=app.bsky.feed.post"
	}
	if cfg.Jetstream.Heartbeat == 0 {
		cfg.Jetstream.Heartbeat = Duration(30 * time.Second)
	}
	if cfg.Jetstream.ReadTimeout == 0 {
		cfg.Jetstream.ReadTimeout = Duration(500 * time.Millisecond)
	}
	if cfg.Jetstream.MaxMessageBytes == 0 {
		cfg.Jetstream.MaxMessageBytes = 64 * 1024
	}
	if cfg.Filter.TargetLanguage == "" {
		cfg.Filter.TargetLanguage = "en"
	}
	if cfg.Filter.ScoreThreshold == 0 {
		cfg.Filter.ScoreThreshold = 3
	}
	if cfg.Run.Mode == "" {
		cfg.Run.Mode = "unbounded"
	}
	if cfg.Logs.Dir == "" {
		cfg.Logs.Dir = "."
	}
	if cfg.Enrich.ProfileWorkers == 0 {
		cfg.Enrich.ProfileWorkers = 10
	}
	if cfg.Enrich.TranslateWorkers == 0 {
		cfg.Enrich.TranslateWorkers = 8
	}
	if cfg.Enrich.QueueCap == 0 {
		cfg.Enrich.QueueCap = 10000
	}
	if cfg.Enrich.TranslateEndpoint == "" {
		cfg.Enrich.TranslateEndpoint = "https://translate.googleapis.com/translate_a/single"
	}
	if cfg.Enrich.ProfileEndpoint == "" {
		cfg.Enrich.ProfileEndpoint = "https://public.api.bsky.app/xrpc/app.bsky.actor.getProfile"
	}
	if cfg.Enrich.MaxTranslateChars == 0 {
		cfg.Enrich.MaxTranslateChars = 4096
	}
	if cfg.Redis.ProfileTTL == 0 {
		cfg.Redis.ProfileTTL = Duration(time.Hour)
	}
	if cfg.Relay.Topic == "" {
		cfg.Relay.Topic = "yeti.matches"
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff.Base = Duration(time.Second)
	}
	if cfg.Backoff.Cap == 0 {
		cfg.Backoff.Cap = Duration(60 * time.Second)
	}

	if cfg.Keywords.File != "" {
		fileKeywords, err := LoadKeywordsFile(cfg.Keywords.File)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load keywords file: %w", err)
		}
		cfg.Keywords.List = mergeKeywords(cfg.Keywords.List, fileKeywords)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the pipeline must not start with.
func (c *Config) Validate() error {
	if len(c.Keywords.List) == 0 {
		return errors.New("config: at least one keyword is required")
	}
	switch c.Run.Mode {
	case "unbounded":
	case "duration", "duration_archive":
		if c.Run.Duration <= 0 {
			return fmt.Errorf("config: run mode %q requires a positive duration", c.Run.Mode)
		}
	case "count":
		if c.Run.Count == 0 {
			return errors.New(`config: run mode "count" requires a positive count`)
		}
	default:
		return fmt.Errorf("config: unknown run mode %q", c.Run.Mode)
	}
	return nil
}

// LoadKeywordsFile reads a newline delimited keyword file, skipping blank lines.
func LoadKeywordsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var keywords []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			keywords = append(keywords, line)
		}
	}
	return keywords, nil
}

func mergeKeywords(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var merged []string
	for _, kw := range append(append([]string{}, a...), b...) {
		key := strings.ToLower(kw)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, kw)
	}
	return merged
}
