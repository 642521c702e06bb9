package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"

	"github.com/smartgate/gate-server-go/internal/model"
	"github.com/smartgate/gate-server-go/internal/switchbot"
	"github.com/smartgate/gate-server-go/internal/util"
)

type Config struct {
	Port                     int               `env:"PORT" envDefault:"8080"`
	DatabaseURL              string            `env:"DATABASE_URL,required"`
	RedisURL                 string            `env:"REDIS_URL,required"`
	SwitchBotBaseURL         string            `env:"SWITCHBOT_BASE_URL" envDefault:"https://api.switch-bot.com"`
	SwitchBotToken           string            `env:"SWITCHBOT_TOKEN,required"`
	SwitchBotSecret          string            `env:"SWITCHBOT_SECRET"`
	DeviceID                 string            `env:"DEVICE_ID,required"`
	SwitchBotTimeoutSeconds  int               `env:"SWITCHBOT_TIMEOUT_SECONDS" envDefault:"10"`
	SwitchBotRatePerSecond   float64           `env:"SWITCHBOT_RATE_PER_SECOND" envDefault:"1"`
	QuizAnswers              map[string]string `env:"QUIZ_ANSWERS" envKeyValSeparator:":"`
	QuizAnswersFile          string            `env:"QUIZ_ANSWERS_FILE"`
	MaxValidHours            int               `env:"MAX_VALID_HOURS" envDefault:"72"`
	SubmitRateLimit          int               `env:"SUBMIT_RATE_LIMIT" envDefault:"5"`
	SubmitRateWindowSeconds  int               `env:"SUBMIT_RATE_WINDOW_SECONDS" envDefault:"60"`
	IdempotencyTTLSeconds    int               `env:"IDEMPOTENCY_TTL_SECONDS" envDefault:"600"`
	EncryptionKey            string            `env:"ENCRYPTION_KEY"`
	IssuanceLogRetentionDays int               `env:"ISSUANCE_LOG_RETENTION_DAYS" envDefault:"30"`
	LogLevel                 string            `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv                   string            `env:"APP_ENV" envDefault:"development"`
}

type answerFile struct {
	Answers map[string]string `toml:"answers"`
}

func (c *Config) SwitchBotTimeout() time.Duration {
	return time.Duration(c.SwitchBotTimeoutSeconds) * time.Second
}

func (c *Config) SubmitRateWindow() time.Duration {
	return time.Duration(c.SubmitRateWindowSeconds) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c *Config) IssuanceLogRetention() time.Duration {
	return time.Duration(c.IssuanceLogRetentionDays) * 24 * time.Hour
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SwitchBot returns the lock client settings
func (c *Config) SwitchBot() switchbot.Config {
	return switchbot.Config{
		BaseURL:       c.SwitchBotBaseURL,
		Token:         c.SwitchBotToken,
		Secret:        c.SwitchBotSecret,
		DeviceID:      c.DeviceID,
		Timeout:       c.SwitchBotTimeout(),
		RatePerSecond: c.SwitchBotRatePerSecond,
	}
}

// AnswerSet returns a copy of the canonical quiz answers
func (c *Config) AnswerSet() model.AnswerSet {
	answers := make(model.AnswerSet, len(c.QuizAnswers))
	for question, answer := range c.QuizAnswers {
		answers[question] = answer
	}
	return answers
}

func (c *Config) Validate(isProduction bool) error {
	if len(c.QuizAnswers) == 0 {
		return fmt.Errorf("no quiz answers configured: set QUIZ_ANSWERS (q1:A,q2:B) or QUIZ_ANSWERS_FILE")
	}
	for question := range c.QuizAnswers {
		if strings.TrimSpace(question) == "" {
			return fmt.Errorf("QUIZ_ANSWERS contains an empty question id")
		}
	}

	if c.SwitchBotTimeoutSeconds <= 0 {
		return fmt.Errorf("SWITCHBOT_TIMEOUT_SECONDS must be positive")
	}
	if c.SubmitRateLimit <= 0 || c.SubmitRateWindowSeconds <= 0 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT and SUBMIT_RATE_WINDOW_SECONDS must be positive")
	}

	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != util.EncryptionKeySize {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (generate with: go run scripts/gen-encryption-key.go)")
		}
	}

	if isProduction {
		if c.SwitchBotSecret == "" {
			log.Warn().Msg("SWITCHBOT_SECRET is empty in production: requests are sent without a signature")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: idempotency cache entries are stored in plaintext")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.QuizAnswersFile != "" {
		fileAnswers, err := loadAnswerFile(cfg.QuizAnswersFile)
		if err != nil {
			return nil, err
		}
		// QUIZ_ANSWERS entries win over the file
		for question, answer := range cfg.QuizAnswers {
			fileAnswers[question] = answer
		}
		cfg.QuizAnswers = fileAnswers
	}

	return &cfg, nil
}

func loadAnswerFile(path string) (map[string]string, error) {
	var f answerFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to read quiz answers file: %w", err)
	}
	if f.Answers == nil {
		f.Answers = make(map[string]string)
	}
	return f.Answers, nil
}
