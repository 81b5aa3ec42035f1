// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	SUT() SUTConfig
	Detector() DetectorConfig
	Run() RunConfig
	Browser() BrowserConfig
	Database() DatabaseConfig

	// Run Setters, driven by CLI flags.
	SetRunBackend(string)
	SetRunMaxIterations(int)
	SetRunLaunchPath(string)
	SetRunArtifactsDir(string)

	// Browser Setters
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	SUTCfg      SUTConfig      `mapstructure:"sut" yaml:"sut"`
	DetectorCfg DetectorConfig `mapstructure:"detector" yaml:"detector"`
	RunCfg      RunConfig      `mapstructure:"run" yaml:"run"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) SUT() SUTConfig           { return c.SUTCfg }
func (c *Config) Detector() DetectorConfig { return c.DetectorCfg }
func (c *Config) Run() RunConfig           { return c.RunCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetRunBackend(b string)      { c.RunCfg.Backend = b }
func (c *Config) SetRunMaxIterations(n int)   { c.RunCfg.MaxIterations = n }
func (c *Config) SetRunLaunchPath(p string)   { c.RunCfg.LaunchPath = p }
func (c *Config) SetRunArtifactsDir(d string) { c.RunCfg.ArtifactsDir = d }
func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SUTConfig points at the agent running next to the application under test.
type SUTConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// ActionRate caps dispatched actions per second. Zero disables the limit.
	ActionRate  float64 `mapstructure:"action_rate" yaml:"action_rate"`
	ActionBurst int     `mapstructure:"action_burst" yaml:"action_burst"`
	// MaxRetries bounds retries of transient transport failures.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// DetectorKind selects an element detection backend.
type DetectorKind string

const (
	DetectorOmniparser DetectorKind = "omniparser"
	DetectorOpenAI     DetectorKind = "openai"
	DetectorGemini     DetectorKind = "gemini"
)

// DetectorConfig configures the element detector.
type DetectorConfig struct {
	Kind        DetectorKind  `mapstructure:"kind" yaml:"kind"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxElements int           `mapstructure:"max_elements" yaml:"max_elements"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// Backend names an input/capture backend.
const (
	BackendSUT     = "sut"
	BackendBrowser = "browser"
)

// RunConfig tunes the run loop.
type RunConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	MaxIterations   int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	StateTimeout    time.Duration `mapstructure:"state_timeout" yaml:"state_timeout"`
	StartupWait     time.Duration `mapstructure:"startup_wait" yaml:"startup_wait"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	DefaultDelay    time.Duration `mapstructure:"default_delay" yaml:"default_delay"`
	LaunchPath      string        `mapstructure:"launch_path" yaml:"launch_path"`
	TerminateOnExit bool          `mapstructure:"terminate_on_exit" yaml:"terminate_on_exit"`
	// ArtifactsDir receives every observed frame and an annotated copy.
	// Empty disables it.
	ArtifactsDir    string        `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
}

// BrowserConfig holds settings for the headless browser backend, used when
// the application under test is a web page.
type BrowserConfig struct {
	URL            string         `mapstructure:"url" yaml:"url"`
	Headless       bool           `mapstructure:"headless" yaml:"headless"`
	DisableGPU     bool           `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	Args           []string       `mapstructure:"args" yaml:"args"`
	ViewportWidth  int            `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int            `mapstructure:"viewport_height" yaml:"viewport_height"`
	Humanoid       HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
}

// DatabaseConfig holds the database connection details. An empty URL
// disables run persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "benchpilot")
	v.SetDefault("logger.log_file", "benchpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- SUT Agent --
	v.SetDefault("sut.url", "http://127.0.0.1:8080")
	v.SetDefault("sut.timeout", "15s")
	v.SetDefault("sut.action_rate", 10.0)
	v.SetDefault("sut.action_burst", 1)
	v.SetDefault("sut.max_retries", 3)

	// -- Detector --
	v.SetDefault("detector.kind", string(DetectorOmniparser))
	v.SetDefault("detector.endpoint", "http://127.0.0.1:8000")
	v.SetDefault("detector.model", "")
	v.SetDefault("detector.timeout", "60s")
	v.SetDefault("detector.max_elements", 15)
	v.SetDefault("detector.temperature", 0.1)
	v.SetDefault("detector.max_tokens", 1024)
	v.SetDefault("detector.max_retries", 2)

	// -- Run --
	v.SetDefault("run.backend", BackendSUT)
	v.SetDefault("run.max_iterations", 50)
	v.SetDefault("run.state_timeout", "60s")
	v.SetDefault("run.startup_wait", "30s")
	v.SetDefault("run.max_retries", 3)
	v.SetDefault("run.default_delay", "1s")
	v.SetDefault("run.terminate_on_exit", false)
	v.SetDefault("run.artifacts_dir", "")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	// Humanoid defaults live next to HumanoidConfig.
	setHumanoidDefaults(v)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("detector.api_key", "BENCHPILOT_DETECTOR_API_KEY")
	v.BindEnv("database.url", "BENCHPILOT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Gemini keys are commonly exported under their own name.
	if cfg.DetectorCfg.Kind == DetectorGemini && cfg.DetectorCfg.APIKey == "" {
		cfg.DetectorCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.RunCfg.MaxIterations <= 0 {
		return fmt.Errorf("run.max_iterations must be a positive integer")
	}
	if c.RunCfg.MaxRetries <= 0 {
		return fmt.Errorf("run.max_retries must be a positive integer")
	}
	if c.RunCfg.StateTimeout <= 0 {
		return fmt.Errorf("run.state_timeout must be a positive duration")
	}
	switch c.RunCfg.Backend {
	case BackendSUT:
		if c.SUTCfg.URL == "" {
			return fmt.Errorf("sut.url is required for the sut backend")
		}
	case BackendBrowser:
		if c.BrowserCfg.URL == "" {
			return fmt.Errorf("browser.url is required for the browser backend")
		}
	default:
		return fmt.Errorf("run.backend must be one of '%s' or '%s', got '%s'", BackendSUT, BackendBrowser, c.RunCfg.Backend)
	}
	if err := c.DetectorCfg.Validate(); err != nil {
		return fmt.Errorf("detector configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the detector configuration.
func (d *DetectorConfig) Validate() error {
	switch d.Kind {
	case DetectorOmniparser, DetectorOpenAI:
		if d.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the %s detector", d.Kind)
		}
	case DetectorGemini:
		if d.APIKey == "" {
			return fmt.Errorf("api key is required for the gemini detector. Ensure BENCHPILOT_DETECTOR_API_KEY or GEMINI_API_KEY is set")
		}
	default:
		return fmt.Errorf("unknown detector kind '%s'", d.Kind)
	}
	if d.MaxElements <= 0 {
		return fmt.Errorf("max_elements must be a positive integer")
	}
	return nil
}
