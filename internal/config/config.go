package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries everything cmd/api needs to wire the service. Values come
// from the environment; cmd/api loads a .env file first when present.
type Config struct {
	Addr string `env:"TICKETHUB_ADDR" envDefault:":8080"`

	// Hosted backend endpoints.
	IdentityURL string `env:"TICKETHUB_IDENTITY_URL" envDefault:"http://localhost:9000"`
	BackendURL  string `env:"TICKETHUB_BACKEND_URL" envDefault:"http://localhost:9001"`

	// Change-event stream. When RedisURL is empty the in-memory broker is used.
	RedisURL string `env:"TICKETHUB_REDIS_URL"`

	// Route gating.
	ProtectedPrefixes []string `env:"TICKETHUB_PROTECTED_PREFIXES" envSeparator:"," envDefault:"/admin/"`
	SignInPath        string   `env:"TICKETHUB_SIGNIN_PATH" envDefault:"/signin"`
	DefaultPath       string   `env:"TICKETHUB_DEFAULT_PATH" envDefault:"/v1/tickets"`
	NotFoundPath      string   `env:"TICKETHUB_NOTFOUND_PATH" envDefault:"/not-found"`

	// Projection window and realtime reconnect policy.
	ProjectionCap    int           `env:"TICKETHUB_PROJECTION_CAP" envDefault:"200"`
	MailboxSize      int           `env:"TICKETHUB_MAILBOX_SIZE" envDefault:"64"`
	ReconnectMinWait time.Duration `env:"TICKETHUB_RECONNECT_MIN" envDefault:"500ms"`
	ReconnectMaxWait time.Duration `env:"TICKETHUB_RECONNECT_MAX" envDefault:"30s"`

	// HTTP hardening.
	RateBurst     int   `env:"TICKETHUB_RATE_BURST" envDefault:"20"`
	RatePerSecond int   `env:"TICKETHUB_RATE_PER_SECOND" envDefault:"10"`
	MaxBodyBytes  int64 `env:"TICKETHUB_MAX_BODY_BYTES" envDefault:"1048576"`

	// Demo mode feeds the in-memory broker with synthetic change events.
	Demo      bool   `env:"TICKETHUB_DEMO" envDefault:"false"`
	DemoOrgID string `env:"TICKETHUB_DEMO_ORG" envDefault:"org-demo"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ProjectionCap <= 0 {
		return fmt.Errorf("projection cap must be positive, got %d", c.ProjectionCap)
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("mailbox size must be positive, got %d", c.MailboxSize)
	}
	if c.ReconnectMinWait <= 0 || c.ReconnectMaxWait < c.ReconnectMinWait {
		return fmt.Errorf("invalid reconnect bounds: min=%s max=%s", c.ReconnectMinWait, c.ReconnectMaxWait)
	}
	for _, p := range c.ProtectedPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("protected prefix %q must start with /", p)
		}
	}
	return nil
}
