package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

const dateLayout = "2006-01-02"

const (
	StoreStrategyNormalized = "normalized"
	StoreStrategyReplace    = "replace"
)

type Config struct {
	Port   string `envconfig:"PORT" default:"8080"`
	DBPath string `envconfig:"DB_PATH" default:"pr_tracker.db"`

	GitHubToken         string `envconfig:"GITHUB_TOKEN" required:"true"`
	GitHubWebhookSecret string `envconfig:"GITHUB_WEBHOOK_SECRET"`
	GitHubAPIURL        string `envconfig:"GITHUB_API_URL"`

	SyncWindowStart string `envconfig:"SYNC_WINDOW_START" default:"2025-10-01"`
	SyncWindowEnd   string `envconfig:"SYNC_WINDOW_END" default:"2025-12-31"`

	SearchPageSize       int           `envconfig:"SEARCH_PAGE_SIZE" default:"100"`
	SearchMaxPages       int           `envconfig:"SEARCH_MAX_PAGES" default:"10"`
	GitHubRequestDelay   time.Duration `envconfig:"GITHUB_REQUEST_DELAY" default:"500ms"`
	GitHubRequestTimeout time.Duration `envconfig:"GITHUB_REQUEST_TIMEOUT" default:"15s"`
	UserRefreshDelay     time.Duration `envconfig:"USER_REFRESH_DELAY" default:"2s"`
	StartupRefreshDelay  time.Duration `envconfig:"STARTUP_REFRESH_DELAY" default:"5s"`

	RefreshCron     string `envconfig:"REFRESH_CRON" default:"0 * * * *"`
	RefreshTimezone string `envconfig:"REFRESH_TIMEZONE" default:"Asia/Kolkata"`

	StoreStrategy      string        `envconfig:"STORE_STRATEGY" default:"normalized"`
	MissingResourceTTL time.Duration `envconfig:"MISSING_RESOURCE_TTL" default:"1h"`

	SlackBotToken  string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannelID string `envconfig:"SLACK_CHANNEL_ID"`

	// Validate で埋める値
	WindowStart time.Time      `ignored:"true"`
	WindowEnd   *time.Time     `ignored:"true"`
	Location    *time.Location `ignored:"true"`
}

// Load は .env と環境変数から設定を読み込み、検証する
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found")
	} else {
		log.Println("✅ loaded .env file")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate は文字列の設定値を検証し、派生フィールドを埋める
func (c *Config) Validate() error {
	var errors []string

	if strings.TrimSpace(c.GitHubToken) == "" {
		errors = append(errors, "  GITHUB_TOKEN must be set")
	}

	start, err := time.Parse(dateLayout, c.SyncWindowStart)
	if err != nil {
		errors = append(errors, fmt.Sprintf("  SYNC_WINDOW_START must be YYYY-MM-DD: %q", c.SyncWindowStart))
	} else {
		c.WindowStart = start
	}

	c.WindowEnd = nil
	if c.SyncWindowEnd != "" {
		end, err := time.Parse(dateLayout, c.SyncWindowEnd)
		if err != nil {
			errors = append(errors, fmt.Sprintf("  SYNC_WINDOW_END must be YYYY-MM-DD or empty: %q", c.SyncWindowEnd))
		} else if !start.IsZero() && end.Before(start) {
			errors = append(errors, "  SYNC_WINDOW_END must not be before SYNC_WINDOW_START")
		} else {
			c.WindowEnd = &end
		}
	}

	switch c.StoreStrategy {
	case StoreStrategyNormalized, StoreStrategyReplace:
	default:
		errors = append(errors, fmt.Sprintf("  STORE_STRATEGY must be %q or %q: %q",
			StoreStrategyNormalized, StoreStrategyReplace, c.StoreStrategy))
	}

	if c.SearchPageSize <= 0 || c.SearchPageSize > 100 {
		errors = append(errors, "  SEARCH_PAGE_SIZE must be between 1 and 100")
	}
	if c.SearchMaxPages <= 0 {
		errors = append(errors, "  SEARCH_MAX_PAGES must be positive")
	}
	if c.GitHubRequestDelay < 0 || c.UserRefreshDelay < 0 || c.StartupRefreshDelay < 0 {
		errors = append(errors, "  delays must not be negative")
	}
	if c.GitHubRequestTimeout <= 0 {
		errors = append(errors, "  GITHUB_REQUEST_TIMEOUT must be positive")
	}

	loc, err := time.LoadLocation(c.RefreshTimezone)
	if err != nil {
		errors = append(errors, fmt.Sprintf("  REFRESH_TIMEZONE is not a valid IANA timezone: %q", c.RefreshTimezone))
	} else {
		c.Location = loc
	}

	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errors = append(errors, fmt.Sprintf("  REFRESH_CRON is not a valid cron spec: %v", err))
	}

	if (c.SlackBotToken == "") != (c.SlackChannelID == "") {
		errors = append(errors, "  SLACK_BOT_TOKEN and SLACK_CHANNEL_ID must be set together")
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// SlackEnabled はバッチ結果の Slack 通知が有効か返す
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *Config) Print(fmtr func(string, ...interface{})) {
	fmtr("configuration:\n")
	fmtr("  port: %s\n", c.Port)
	fmtr("  db path: %s\n", c.DBPath)
	fmtr("  github token: %s\n", MaskSecret(c.GitHubToken))
	fmtr("  webhook secret: %s\n", MaskSecret(c.GitHubWebhookSecret))
	if c.GitHubAPIURL != "" {
		fmtr("  github api url: %s\n", c.GitHubAPIURL)
	}
	end := c.SyncWindowEnd
	if end == "" {
		end = "<open>"
	}
	fmtr("  sync window: %s .. %s\n", c.SyncWindowStart, end)
	fmtr("  store strategy: %s\n", c.StoreStrategy)
	fmtr("  refresh cron: %s (%s)\n", c.RefreshCron, c.RefreshTimezone)
	if c.SlackEnabled() {
		fmtr("  slack notify: enabled (channel %s, token %s)\n", c.SlackChannelID, MaskSecret(c.SlackBotToken))
	} else {
		fmtr("  slack notify: disabled\n")
	}
}
