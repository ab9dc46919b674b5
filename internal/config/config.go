package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/trizwire/internal/acquire"
	"github.com/TobiSchelling/trizwire/internal/llm"
	"github.com/TobiSchelling/trizwire/internal/pace"
	"github.com/TobiSchelling/trizwire/internal/retry"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Validation errors.
var (
	ErrMissingFeedURL      = errors.New("feed.url must be set")
	ErrInvalidMaxAttempts  = errors.New("retry.max_attempts must be at least 1")
	ErrInvalidMultiplier   = errors.New("retry.multiplier must be at least 1")
	ErrInvalidBudget       = errors.New("retry.budget must not be negative")
	ErrInvalidRange        = errors.New("delay range max must not be below min")
	ErrUnknownRenderer     = errors.New("acquisition.renderer must be chromedp or http")
	ErrUnknownStrategy     = errors.New("acquisition.strategy must be selector or readability")
	ErrMissingSelector     = errors.New("acquisition.selectors need container, heading and body")
	ErrInvalidTemperature  = errors.New("temperature must be between 0 and 2")
	ErrInvalidPort         = errors.New("server.port must be between 1 and 65535")
	ErrMissingProviderInfo = errors.New("provider and model must be set")
)

type Config struct {
	Feed        Feed         `yaml:"feed"`
	Output      Output       `yaml:"output"`
	Acquisition Acquisition  `yaml:"acquisition"`
	Retry       retry.Policy `yaml:"retry"`
	Analysis    llm.Settings `yaml:"analysis"`
	Generation  llm.Settings `yaml:"generation"`
	Transform   Transform    `yaml:"transform"`
	Server      Server       `yaml:"server"`
	Logging     Logging      `yaml:"logging"`
}

type Feed struct {
	URL     string        `yaml:"url"`
	Limit   int           `yaml:"limit"`
	Timeout time.Duration `yaml:"timeout"`
	Delay   pace.Range    `yaml:"delay"`
}

type Output struct {
	DataDir     string `yaml:"data_dir"`
	FeedDir     string `yaml:"feed_dir"`
	AcquiredDir string `yaml:"acquired_dir"`
	AnalysisDir string `yaml:"analysis_dir"`
	ArticlesDir string `yaml:"articles_dir"`
}

type Acquisition struct {
	Renderer   string                   `yaml:"renderer"`
	ChromePath string                   `yaml:"chrome_path"`
	Headless   bool                     `yaml:"headless"`
	Identity   string                   `yaml:"identity"`
	Strategy   string                   `yaml:"strategy"`
	Selectors  acquire.SelectorStrategy `yaml:"selectors"`
	Timeouts   acquire.Timeouts         `yaml:"timeouts"`
	Delays     Delays                   `yaml:"delays"`
	ExtraFlags []string                 `yaml:"extra_flags"`
}

type Delays struct {
	InterItem     pace.Range `yaml:"inter_item"`
	PreNavigation pace.Range `yaml:"pre_navigation"`
}

type Transform struct {
	RedoErrors bool `yaml:"redo_errors"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	// File is resolved against the data directory. Empty disables it.
	File string `yaml:"file"`
}

// ConfigDir returns the XDG config directory for trizwire.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "trizwire")
}

// DataDir returns the XDG data directory for trizwire.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "trizwire")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/trizwire/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", errors.Newf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", errors.Newf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'trizwire init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Feed: Feed{
			Timeout: 10 * time.Second,
			Delay:   pace.Range{Min: time.Second, Max: 3 * time.Second},
		},
		Output: Output{
			FeedDir:     "feed",
			AcquiredDir: "acquired",
			AnalysisDir: "analyzed",
			ArticlesDir: "generated",
		},
		Acquisition: Acquisition{
			Renderer:  "chromedp",
			Headless:  true,
			Identity:  "firefox",
			Strategy:  "selector",
			Selectors: acquire.DefaultSelectors(),
			Timeouts:  acquire.Timeouts{Navigation: 60 * time.Second, Element: 10 * time.Second},
			Delays: Delays{
				InterItem:     pace.Range{Min: 10 * time.Second, Max: 30 * time.Second},
				PreNavigation: pace.Range{Min: 2 * time.Second, Max: 5 * time.Second},
			},
		},
		Retry: retry.DefaultPolicy(),
		Analysis: llm.Settings{
			Provider:          "deepseek",
			Model:             "deepseek-chat",
			BaseURL:           "https://api.deepseek.com",
			APIKeyEnv:         "DEEPSEEK_API_KEY",
			Temperature:       0.7,
			RequestsPerMinute: 60,
		},
		Generation: llm.Settings{
			Provider:          "openai",
			Model:             "gpt-4",
			BaseURL:           "https://api.openai.com/v1",
			APIKeyEnv:         "OPENAI_API_KEY",
			Temperature:       0.7,
			RequestsPerMinute: 60,
		},
		Transform: Transform{RedoErrors: true},
		Server:    Server{Port: 8000},
		Logging:   Logging{Level: "info", File: "trizwire.log"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}

// Validate checks values the pipeline cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Feed.URL) == "" {
		return ErrMissingFeedURL
	}
	for name, r := range map[string]pace.Range{
		"feed.delay":                        c.Feed.Delay,
		"acquisition.delays.inter_item":     c.Acquisition.Delays.InterItem,
		"acquisition.delays.pre_navigation": c.Acquisition.Delays.PreNavigation,
	} {
		if r.Max < r.Min || r.Min < 0 {
			return errors.Wrap(ErrInvalidRange, name)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.Retry.Multiplier < 1 {
		return ErrInvalidMultiplier
	}
	if c.Retry.Budget < 0 {
		return ErrInvalidBudget
	}

	switch c.Acquisition.Renderer {
	case "chromedp", "http":
	default:
		return errors.Wrapf(ErrUnknownRenderer, "got %q", c.Acquisition.Renderer)
	}
	switch c.Acquisition.Strategy {
	case "selector":
		s := c.Acquisition.Selectors
		if s.Container == "" || s.Heading == "" || s.Body == "" {
			return ErrMissingSelector
		}
	case "readability":
		if c.Acquisition.Selectors.Container == "" {
			return ErrMissingSelector
		}
	default:
		return errors.Wrapf(ErrUnknownStrategy, "got %q", c.Acquisition.Strategy)
	}

	for name, s := range map[string]llm.Settings{"analysis": c.Analysis, "generation": c.Generation} {
		if s.Provider == "" || s.Model == "" {
			return errors.Wrap(ErrMissingProviderInfo, name)
		}
		if s.Temperature < 0 || s.Temperature > 2 {
			return errors.Wrap(ErrInvalidTemperature, name)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ErrInvalidPort
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// StageDir resolves a stage directory against the data directory.
func (c *Config) StageDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.GetDataDir(), dir)
}

// LogFile returns the resolved log file path, or "" when file logging is off.
func (c *Config) LogFile() string {
	if c.Logging.File == "" {
		return ""
	}
	return c.StageDir(c.Logging.File)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
