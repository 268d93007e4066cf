package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chadiek/sales-coach/internal/agent"
)

var (
	ErrMissingDeepgramKey = errors.New("config: DEEPGRAM_API_KEY is required")
	ErrMissingAdvisorKey  = errors.New("config: OPENAI_API_KEY is required")
)

// Config holds application configuration.
type Config struct {
	Port int

	DeepgramKey        string
	DeepgramModel      string
	DeepgramLanguage   string
	DeepgramSampleRate int

	OpenAIKey      string
	OpenAIBaseURL  string
	OpenAIModel    string
	AdvisorTimeout time.Duration

	KeepAlive    time.Duration
	HistoryLimit int
	Speakers     SpeakerConfig

	// AuthPassword gates the WebSocket endpoint when set.
	AuthPassword string

	LogLevel   string
	LogFormat  string
	ConfigFile string
}

// SpeakerConfig maps diarization tags to conversation roles.
type SpeakerConfig struct {
	Default string            `yaml:"default"`
	Tags    map[string]string `yaml:"tags"`
}

// fileConfig is the optional YAML overlay. Zero values leave settings untouched.
type fileConfig struct {
	Port     int `yaml:"port"`
	Deepgram struct {
		Model      string `yaml:"model"`
		Language   string `yaml:"language"`
		SampleRate int    `yaml:"sample_rate"`
	} `yaml:"deepgram"`
	Advisor struct {
		BaseURL string        `yaml:"base_url"`
		Model   string        `yaml:"model"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"advisor"`
	KeepAlive    time.Duration  `yaml:"keepalive"`
	HistoryLimit int            `yaml:"history_limit"`
	Speakers     *SpeakerConfig `yaml:"speakers"`
}

func defaults() Config {
	return Config{
		Port:               3001,
		DeepgramModel:      "nova-2",
		DeepgramLanguage:   "pt-BR",
		DeepgramSampleRate: 48000,
		OpenAIBaseURL:      "https://api.openai.com/v1",
		OpenAIModel:        "gpt-3.5-turbo",
		AdvisorTimeout:     20 * time.Second,
		KeepAlive:          agent.DefaultKeepAlive,
		HistoryLimit:       agent.DefaultHistoryLimit,
		Speakers: SpeakerConfig{
			Default: string(agent.RoleCounterpart),
			Tags:    map[string]string{"0": string(agent.RoleAgent)},
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads .env, the environment, an optional YAML file and command-line flags,
// in that order of increasing precedence.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := defaults()
	if err := cfg.fromEnv(); err != nil {
		return Config{}, err
	}

	fset := flag.NewFlagSet("sales-coach", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	port := fset.Int("port", cfg.Port, "HTTP listen port")
	file := fset.String("config", cfg.ConfigFile, "optional YAML config file")
	level := fset.String("log-level", cfg.LogLevel, "debug, info, warn or error")
	format := fset.String("log-format", cfg.LogFormat, "text or json")
	if err := fset.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg.ConfigFile = *file
	if cfg.ConfigFile != "" {
		if err := cfg.fromFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "log-level":
			cfg.LogLevel = *level
		case "log-format":
			cfg.LogFormat = *format
		}
	})
	return cfg, nil
}

func (c *Config) fromEnv() error {
	var err error
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if c.Port, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("config: SERVER_PORT: %w", err)
		}
	}
	c.DeepgramKey = os.Getenv("DEEPGRAM_API_KEY")
	setString(&c.DeepgramModel, "DEEPGRAM_MODEL")
	setString(&c.DeepgramLanguage, "DEEPGRAM_LANGUAGE")
	if v := os.Getenv("DEEPGRAM_SAMPLE_RATE"); v != "" {
		if c.DeepgramSampleRate, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("config: DEEPGRAM_SAMPLE_RATE: %w", err)
		}
	}

	c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	setString(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAIModel, "OPENAI_MODEL")
	if err := setDuration(&c.AdvisorTimeout, "ADVISOR_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.KeepAlive, "KEEPALIVE_INTERVAL"); err != nil {
		return err
	}

	c.AuthPassword = os.Getenv("AUTH_PASSWORD")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.ConfigFile, "CONFIG_FILE")
	return nil
}

func (c *Config) fromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.Deepgram.Model != "" {
		c.DeepgramModel = fc.Deepgram.Model
	}
	if fc.Deepgram.Language != "" {
		c.DeepgramLanguage = fc.Deepgram.Language
	}
	if fc.Deepgram.SampleRate != 0 {
		c.DeepgramSampleRate = fc.Deepgram.SampleRate
	}
	if fc.Advisor.BaseURL != "" {
		c.OpenAIBaseURL = fc.Advisor.BaseURL
	}
	if fc.Advisor.Model != "" {
		c.OpenAIModel = fc.Advisor.Model
	}
	if fc.Advisor.Timeout != 0 {
		c.AdvisorTimeout = fc.Advisor.Timeout
	}
	if fc.KeepAlive != 0 {
		c.KeepAlive = fc.KeepAlive
	}
	if fc.HistoryLimit != 0 {
		c.HistoryLimit = fc.HistoryLimit
	}
	if fc.Speakers != nil {
		if fc.Speakers.Default != "" {
			c.Speakers.Default = fc.Speakers.Default
		}
		if fc.Speakers.Tags != nil {
			c.Speakers.Tags = fc.Speakers.Tags
		}
	}
	return nil
}

// Validate reports the first setting that would prevent the server from working.
func (c Config) Validate() error {
	if c.DeepgramKey == "" {
		return ErrMissingDeepgramKey
	}
	if c.OpenAIKey == "" {
		return ErrMissingAdvisorKey
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.DeepgramSampleRate <= 0 {
		return fmt.Errorf("config: invalid sample rate %d", c.DeepgramSampleRate)
	}
	if c.AdvisorTimeout <= 0 || c.KeepAlive <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: history_limit must be positive, got %d", c.HistoryLimit)
	}
	if !validRole(c.Speakers.Default) {
		return fmt.Errorf("config: unknown default speaker role %q", c.Speakers.Default)
	}
	for tag, role := range c.Speakers.Tags {
		if !validRole(role) {
			return fmt.Errorf("config: unknown role %q for speaker %q", role, tag)
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c Config) HTTPAddress() string { return ":" + strconv.Itoa(c.Port) }

// SpeakerRoles converts the speaker mapping for sessions.
func (c Config) SpeakerRoles() agent.SpeakerRoles {
	r := agent.SpeakerRoles{Default: agent.Role(c.Speakers.Default), Tags: make(map[string]agent.Role, len(c.Speakers.Tags))}
	for tag, role := range c.Speakers.Tags {
		r.Tags[strings.TrimSpace(tag)] = agent.Role(role)
	}
	return r
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return l, nil
}

func validRole(r string) bool {
	return r == string(agent.RoleAgent) || r == string(agent.RoleCounterpart)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
