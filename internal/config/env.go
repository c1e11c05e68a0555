package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Secrets are read from the environment so they can stay out of the config
// file. Non-empty values override the file.
type Secrets struct {
	SMTPPassword  string `env:"MAILQ_SMTP_PASSWORD"`
	MailgunAPIKey string `env:"MAILQ_MAILGUN_API_KEY"`
	TelegramToken string `env:"MAILQ_TELEGRAM_TOKEN"`
	JWTSecret     string `env:"MAILQ_HTTP_JWT_SECRET"`
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func ReadSecrets() (Secrets, error) {
	return env.ParseAs[Secrets]()
}

// Apply copies non-empty secrets into cfg.
func (s Secrets) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if s.SMTPPassword != "" {
		cfg.Transport.SMTP.Password = s.SMTPPassword
	}
	if s.MailgunAPIKey != "" {
		cfg.Transport.Mailgun.APIKey = s.MailgunAPIKey
	}
	if s.TelegramToken != "" {
		cfg.Notify.Telegram.Token = s.TelegramToken
	}
	if s.JWTSecret != "" {
		cfg.HTTP.JWTSecret = s.JWTSecret
	}
}
