// Package config resolves the ambient environment of a pump process: the
// endpoint to talk to, the admin token, whether draft (live) mode is on, and
// tuning knobs for the dedup window and retries.
//
// Values come from BASEHUB_* environment variables, optionally seeded from a
// .env file. Query lists are loaded separately from YAML or CUE files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/transport"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "BASEHUB"

// DefaultAPIURL is the GraphQL endpoint used when BASEHUB_API_URL is unset.
const DefaultAPIURL = "https://api.basehub.com/graphql"

// Config validation errors
var (
	ErrMissingToken      = errors.New("BASEHUB_TOKEN is required in draft mode")
	ErrInvalidAPIURL     = errors.New("BASEHUB_API_URL must be an absolute http(s) URL")
	ErrInvalidAPIVersion = errors.New("BASEHUB_API_VERSION cannot be empty")
	ErrInvalidWindow     = errors.New("BASEHUB_DEDUPE_WINDOW must be positive")
	ErrInvalidTrackedTag = errors.New("BASEHUB_TRACKED_TAG cannot be empty")
	ErrInvalidRetry      = errors.New("BASEHUB_RETRY_ATTEMPTS must be at least 1")
)

// Config is the resolved environment.
type Config struct {
	Token        string        `envconfig:"TOKEN"`
	Draft        bool          `envconfig:"DRAFT" default:"false"`
	APIURL       string        `envconfig:"API_URL" default:"https://api.basehub.com/graphql"`
	APIVersion   string        `envconfig:"API_VERSION" default:"3"`
	DedupeWindow time.Duration `envconfig:"DEDUPE_WINDOW" default:"500ms"`
	TrackedTag   string        `envconfig:"TRACKED_TAG" default:"block"`

	RetryAttempts     int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryInitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"250ms"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5s"`
}

// Load reads the environment into a Config and validates it.
//
// When envFile is non-empty it must exist and is loaded first. Otherwise a
// ".env" in the working directory is loaded if present. Variables already
// set in the process environment always win over file values.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidAPIURL
	}
	if c.Draft && c.Token == "" {
		return ErrMissingToken
	}
	if strings.TrimSpace(c.APIVersion) == "" {
		return ErrInvalidAPIVersion
	}
	if c.DedupeWindow <= 0 {
		return ErrInvalidWindow
	}
	if c.TrackedTag == "" {
		return ErrInvalidTrackedTag
	}
	if c.RetryAttempts < 1 {
		return ErrInvalidRetry
	}
	return nil
}

// Live reports whether draft mode, and with it live sync, is enabled.
func (c *Config) Live() bool {
	return c.Draft
}

// PumpEndpoint returns the URL live requests are sent to.
//
// The hosted GraphQL origins have a dedicated pump route on the dashboard
// host; any other API URL (self-hosted, tests) is used as is.
func (c *Config) PumpEndpoint() string {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return c.APIURL
	}
	switch {
	case strings.Contains(u.Host, "api.basehub.com"):
		return "https://basehub.com/api/pump"
	case strings.Contains(u.Host, "api.bshb.dev"):
		return "https://basehub.dev/api/pump"
	default:
		return u.String()
	}
}

// APIVersionOrDefault returns APIVersion, falling back to ir.DefaultAPIVersion.
func (c *Config) APIVersionOrDefault() string {
	if v := strings.TrimSpace(c.APIVersion); v != "" {
		return v
	}
	return ir.DefaultAPIVersion
}

// Backoff returns the transport retry policy described by the config.
func (c *Config) Backoff() transport.BackoffConfig {
	b := transport.DefaultBackoff()
	b.MaxAttempts = c.RetryAttempts
	b.InitialDelay = c.RetryInitialDelay
	b.MaxDelay = c.RetryMaxDelay
	return b
}
