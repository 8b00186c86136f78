package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"meetopen/internal/model"
	"meetopen/internal/store"
)

// EnvPrefix is prepended to every environment override (MEETOPEN_DATA_DIR, ...).
const EnvPrefix = "MEETOPEN"

const (
	defaultPollSeconds  = 60
	defaultLeadMinutes  = 5
	defaultHorizonHours = 72
	defaultTimezone     = "Local"
	defaultLogLevel     = "info"
	icsCacheDirName     = "ics-cache"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for logging and cache keys.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// GoogleConfig enables the Google Calendar source. Obtaining the token is
// done outside this program; only an existing token file is read.
type GoogleConfig struct {
	// CredentialsFile is the OAuth client secrets JSON downloaded from the console.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// TokenFile holds the authorized user's access/refresh token.
	TokenFile string `yaml:"token_file" json:"token_file"`
	// CalendarIDs restricts fetching; empty means every calendar in the user's list.
	CalendarIDs []string `yaml:"calendar_ids" json:"calendar_ids"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// DataDir is the directory holding the event store and the ICS cache.
	DataDir string `yaml:"data_dir" json:"data_dir" envconfig:"DATA_DIR"`

	// ZoomBin is launched as `<zoom_bin> --url=<url>`.
	ZoomBin string `yaml:"zoom_bin" json:"zoom_bin" envconfig:"ZOOM_BIN"`

	// BrowserBin is launched as `<browser_bin> <url>` for Meet links.
	BrowserBin string `yaml:"browser_bin" json:"browser_bin" envconfig:"BROWSER_BIN"`

	// LeadMinutes is how long before the start an event becomes eligible.
	LeadMinutes int `yaml:"open_prior_to_event_minutes" json:"open_prior_to_event_minutes" envconfig:"LEAD_MINUTES"`

	UseZoom bool `yaml:"use_zoom" json:"use_zoom" envconfig:"USE_ZOOM"`
	UseMeet bool `yaml:"use_meet" json:"use_meet" envconfig:"USE_MEET"`

	// PollSeconds is the fixed cycle interval, used when RefreshCron is empty.
	PollSeconds int `yaml:"poll_seconds" json:"poll_seconds" envconfig:"POLL_SECONDS"`

	// RefreshCron is a cron-style schedule ("@every 60s", "* * * * *").
	// If empty it is derived from PollSeconds.
	RefreshCron string `yaml:"refresh" json:"refresh" envconfig:"REFRESH"`

	// HorizonHours is how far ahead remote events are fetched.
	HorizonHours int `yaml:"horizon_hours" json:"horizon_hours" envconfig:"HORIZON_HOURS"`

	// Timezone is the IANA zone used for display ("Local" = system zone).
	Timezone string `yaml:"timezone" json:"timezone" envconfig:"TIMEZONE"`

	LogLevel string `yaml:"log_level" json:"log_level" envconfig:"LOG_LEVEL"`

	// Listen enables the read-only status server when non-empty.
	Listen string `yaml:"listen" json:"listen" envconfig:"LISTEN"`

	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty" ignored:"true"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics" ignored:"true"`

	// Google, if non-nil, adds the Google Calendar source.
	Google *GoogleConfig `yaml:"google,omitempty" json:"google,omitempty" ignored:"true"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      defaultDataDir(),
		ZoomBin:      defaultZoomBin(),
		BrowserBin:   defaultBrowserBin(),
		LeadMinutes:  defaultLeadMinutes,
		UseZoom:      true,
		UseMeet:      true,
		PollSeconds:  defaultPollSeconds,
		HorizonHours: defaultHorizonHours,
		Timezone:     defaultTimezone,
		LogLevel:     defaultLogLevel,
		ICS:          []ICSConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.ZoomBin == "" {
		c.ZoomBin = defaultZoomBin()
	}
	if c.BrowserBin == "" {
		c.BrowserBin = defaultBrowserBin()
	}
	if c.PollSeconds <= 0 {
		c.PollSeconds = defaultPollSeconds
	}
	// Derive RefreshCron if missing, using PollSeconds as the source.
	if strings.TrimSpace(c.RefreshCron) == "" {
		c.RefreshCron = fmt.Sprintf("@every %ds", c.PollSeconds)
	}
	if c.HorizonHours <= 0 {
		c.HorizonHours = defaultHorizonHours
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		if c.ICS[i].ID == "" {
			if c.ICS[i].Name != "" {
				c.ICS[i].ID = c.ICS[i].Name
			} else {
				c.ICS[i].ID = c.ICS[i].URL
			}
		}
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.LeadMinutes < 0 {
		return fmt.Errorf("open_prior_to_event_minutes must be >= 0, got %d", c.LeadMinutes)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is empty")
	}
	for i, src := range c.ICS {
		if src.URL == "" {
			return fmt.Errorf("ics[%d]: url is empty", i)
		}
	}
	if c.Google != nil && c.Google.TokenFile == "" {
		return errors.New("google: token_file is empty")
	}
	return nil
}

// EnabledServices is the set of services dispatch is allowed to launch.
func (c *Config) EnabledServices() model.ServiceSet {
	var services []model.Service
	if c.UseZoom {
		services = append(services, model.ServiceZoom)
	}
	if c.UseMeet {
		services = append(services, model.ServiceMeet)
	}
	return model.NewServiceSet(services...)
}

// DatabasePath is the SQLite file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, store.DatabaseName)
}

// ICSCacheDir is where fetched ICS bodies and their HTTP cache metadata live.
func (c *Config) ICSCacheDir() string {
	return filepath.Join(c.DataDir, icsCacheDirName)
}

// Load builds the configuration for one process.
//
// Behavior:
//   - path empty or file missing: start from DefaultConfig (nothing is written)
//   - file present: unmarshal YAML over the defaults
//   - apply MEETOPEN_* environment overrides
//   - normalize and validate
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			// First run without a file: defaults plus environment.
		default:
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".meetopen")
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "meetopen")
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "meetopen")
	default:
		return filepath.Join(home, ".local", "share", "meetopen")
	}
}

func defaultZoomBin() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Applications/zoom.us.app/Contents/MacOS/zoom.us"
	case "windows":
		return `C:\Program Files\Zoom\bin\Zoom.exe`
	default:
		return "zoom"
	}
}

func defaultBrowserBin() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	case "windows":
		return `C:\Program Files\Google\Chrome\Application\chrome.exe`
	default:
		return "xdg-open"
	}
}
