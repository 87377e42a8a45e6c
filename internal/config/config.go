package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jaam8/piazza_poll_bot/pkg/piazza"
	"github.com/joho/godotenv"
)

type Config struct {
	Piazza piazza.Config `yaml:"PIAZZA" env:"PIAZZA"`

	// AccountID is compared against poll voter lists; empty means use the id
	// reported at login.
	AccountID   string        `yaml:"ACCOUNT_ID"        env:"ACCOUNT_ID"`
	ClassID     string        `yaml:"CLASS_ID"          env:"CLASS_ID"          env-required:"true"`
	AnswerIndex int           `yaml:"POLL_ANSWER_INDEX" env:"POLL_ANSWER_INDEX" env-default:"0"`
	Interval    time.Duration `yaml:"CHECK_INTERVAL"    env:"CHECK_INTERVAL"    env-default:"60s"`
	FetchLimit  int           `yaml:"FETCH_LIMIT"       env:"FETCH_LIMIT"`

	Verbose  bool   `yaml:"VERBOSE"   env:"VERBOSE"   env-default:"false"`
	LogLevel string `yaml:"LOG_LEVEL" env:"LOG_LEVEL" env-default:"info"`
	DumpJSON bool   `yaml:"DUMP_JSON" env:"DUMP_JSON" env-default:"false"`
	DumpDir  string `yaml:"DUMP_DIR"  env:"DUMP_DIR"  env-default:"posts"`

	Retry RetryConfig `yaml:"RETRY" env:"RETRY"`

	MmURL     string `yaml:"MM_URL"     env:"MM_URL"`
	BotToken  string `yaml:"BOT_TOKEN"  env:"BOT_TOKEN"`
	ChannelID string `yaml:"CHANNEL_ID" env:"CHANNEL_ID"`

	MetricsAddr string `yaml:"METRICS_ADDR" env:"METRICS_ADDR"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"RETRY_MAX_ATTEMPTS"  env:"RETRY_MAX_ATTEMPTS"  env-default:"5"`
	BaseDelay    time.Duration `yaml:"RETRY_BASE_DELAY"    env:"RETRY_BASE_DELAY"    env-default:"2s"`
	MaxDelay     time.Duration `yaml:"RETRY_MAX_DELAY"     env:"RETRY_MAX_DELAY"     env-default:"30s"`
	Jitter       time.Duration `yaml:"RETRY_JITTER"        env:"RETRY_JITTER"        env-default:"1s"`
	PaceMin      time.Duration `yaml:"FETCH_PACE_MIN"      env:"FETCH_PACE_MIN"      env-default:"700ms"`
	PaceMax      time.Duration `yaml:"FETCH_PACE_MAX"      env:"FETCH_PACE_MAX"      env-default:"900ms"`
	VoteDelayMin time.Duration `yaml:"VOTE_DELAY_MIN"      env:"VOTE_DELAY_MIN"      env-default:"2s"`
	VoteDelayMax time.Duration `yaml:"VOTE_DELAY_MAX"      env:"VOTE_DELAY_MAX"      env-default:"5s"`
}

var ErrInvalidInterval = errors.New("CHECK_INTERVAL must be positive")

// New reads .env when present and then the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var config Config
	if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, err
	}
	if config.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	return &config, nil
}

// NotifyEnabled reports whether Mattermost notifications are configured.
func (c *Config) NotifyEnabled() bool {
	return c.MmURL != "" && c.BotToken != "" && c.ChannelID != ""
}

// Level is the effective log level; VERBOSE forces debug.
func (c *Config) Level() string {
	if c.Verbose {
		return "debug"
	}
	return c.LogLevel
}
