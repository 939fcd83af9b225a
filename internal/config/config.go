package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// InsecureDefaultSecret is used when GITHUB_WEBHOOK_SECRET is unset. Anyone who
// knows it can trigger deploys, so serve warns loudly at startup.
const InsecureDefaultSecret = "dev-secret-change-me"

// Default values when env vars are unset.
const (
	DefaultRepoPath      = "/opt/myapp"
	DefaultDeployBranch  = "main"
	DefaultDeployRemote  = "origin"
	DefaultDeployTimeout = 60 * time.Second
	DefaultLogFile       = "webhook_events.log"
	DefaultPort          = 3000
)

// SecretEnv names the webhook secret variable.
const SecretEnv = "GITHUB_WEBHOOK_SECRET"

// ErrEmptySecret is returned when the secret variable is set but empty.
var ErrEmptySecret = errors.New(SecretEnv + " is set but empty")

// Config holds application configuration from the environment. Unset
// variables keep the values from Defaults.
type Config struct {
	WebhookSecret string        `env:"GITHUB_WEBHOOK_SECRET"`
	RepoPath      string        `env:"REPO_PATH"`
	DeployBranch  string        `env:"DEPLOY_BRANCH"`
	DeployRemote  string        `env:"DEPLOY_REMOTE"`
	DeployTimeout time.Duration `env:"DEPLOY_TIMEOUT"`
	LogFile       string        `env:"LOG_FILE"`
	Port          int           `env:"PORT"`
}

func Defaults() Config {
	return Config{
		WebhookSecret: InsecureDefaultSecret,
		RepoPath:      DefaultRepoPath,
		DeployBranch:  DefaultDeployBranch,
		DeployRemote:  DefaultDeployRemote,
		DeployTimeout: DefaultDeployTimeout,
		LogFile:       DefaultLogFile,
		Port:          DefaultPort,
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
// The result is not validated, so callers can apply overrides first.
func Load() (Config, error) {
	_ = godotenv.Load()

	// env skips empty variables, which would let an empty secret fall back
	// to the public default.
	if secret, ok := os.LookupEnv(SecretEnv); ok && secret == "" {
		return Config{}, ErrEmptySecret
	}

	cfg := Defaults()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first unusable value.
func (c Config) Validate() error {
	switch {
	case c.WebhookSecret == "":
		return errors.New(SecretEnv + " must not be empty")
	case strings.TrimSpace(c.RepoPath) == "":
		return errors.New("REPO_PATH must not be empty")
	case strings.TrimSpace(c.DeployBranch) == "":
		return errors.New("DEPLOY_BRANCH must not be empty")
	case c.DeployTimeout <= 0:
		return fmt.Errorf("DEPLOY_TIMEOUT must be positive, got %s", c.DeployTimeout)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	return nil
}

// InsecureSecret reports whether the placeholder secret is in use.
func (c Config) InsecureSecret() bool {
	return c.WebhookSecret == InsecureDefaultSecret
}
