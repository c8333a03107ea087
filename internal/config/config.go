package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Configuration system:
// - config.example.toml is auto-generated via -generate-config
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// PMU engine configuration
	Engine EngineConfig `toml:"engine"`

	// Command-ingress transport configuration
	Transport TransportConfig `toml:"transport"`

	// Peripheral unit configuration
	Peripherals PeripheralConfig `toml:"peripherals"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address for the metrics endpoint (default: "localhost:9357")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// EngineConfig contains PMU engine settings
type EngineConfig struct {
	// Number of cores to manage. 0 means all logical processors.
	NumCores int `toml:"num_cores"`

	// Multiplex group-rotation period in milliseconds (default: 10)
	MultiplexIntervalMS int `toml:"multiplex_interval_ms"`

	// Include kernel-level (EL1) execution in counts (default: false)
	KernelMode bool `toml:"kernel_mode"`

	// What to do when the default event set exceeds the free counters:
	// "truncate" silently drops the excess, "reject" fails the start.
	// Applies only when max_default_events is 0; a non-zero cap is used
	// as given, and events beyond the free counters are multiplexed.
	DefaultEventTruncation string `toml:"default_event_truncation"`

	// Cap on default events taken from the static table. 0 means as many
	// as fit in the reserved counters.
	MaxDefaultEvents int `toml:"max_default_events"`

	// Use the simulated register backend instead of hardware. Forced on
	// for every build except arm64 windows.
	Simulate bool `toml:"simulate"`
}

// TransportConfig contains command-ingress settings
type TransportConfig struct {
	// Network for the ingress listener: "tcp" or "unix" (default: "tcp")
	Network string `toml:"network"`

	// Endpoint the listener binds and clients dial (default: "localhost:9358")
	Endpoint string `toml:"endpoint"`
}

// DSUConfig contains DynamIQ Shared Unit settings
type DSUConfig struct {
	// Enable the DSU command surface (default: false)
	Enabled bool `toml:"enabled"`
}

// DMCConfig contains DRAM memory controller settings
type DMCConfig struct {
	// Enable the DMC command surface (default: false)
	Enabled bool `toml:"enabled"`
}

// SPEConfig contains Statistical Profiling Extension settings
type SPEConfig struct {
	// Enable the SPE command surface when the CPU implements it (default: false)
	Enabled bool `toml:"enabled"`
}

// PeripheralConfig groups the peripheral PMU-like units
type PeripheralConfig struct {
	DSU DSUConfig `toml:"dsu"`
	DMC DMCConfig `toml:"dmc"`
	SPE SPEConfig `toml:"spe"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog", "eventlog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console  *ConsoleConfig  `toml:"console,omitempty"`
	File     *FileConfig     `toml:"file,omitempty"`
	Syslog   *SyslogConfig   `toml:"syslog,omitempty"`
	Eventlog *EventlogConfig `toml:"eventlog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "wperf-engine")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// EventlogConfig contains Windows Event Log settings
type EventlogConfig struct {
	// Event source name (default: "WPerf Engine")
	Source string `toml:"source"`

	// Event ID for log entries (default: 1000)
	ID int `toml:"id"`

	// Target host (default: local machine)
	Host string `toml:"host"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// Truncation policies for EngineConfig.DefaultEventTruncation.
const (
	TruncationTruncate = "truncate"
	TruncationReject   = "reject"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9357",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Engine: EngineConfig{
			NumCores:               0,
			MultiplexIntervalMS:    10,
			KernelMode:             false,
			DefaultEventTruncation: TruncationTruncate,
			MaxDefaultEvents:       0,
			Simulate:               false,
		},
		Transport: TransportConfig{
			Network:  "tcp",
			Endpoint: "localhost:9358",
		},
		Peripherals: PeripheralConfig{
			DSU: DSUConfig{Enabled: false},
			DMC: DMCConfig{Enabled: false},
			SPE: SPEConfig{Enabled: false},
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/wperf-engine.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "wperf-engine",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
				{
					Type:    "eventlog",
					Enabled: false,
					Eventlog: &EventlogConfig{
						Source: "WPerf Engine",
						ID:     1000,
						Host:   "",    // localhost
						Async:  false, // Event log is typically synchronous
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If no config file specified, use defaults
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Create file
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	// Encode to TOML
	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	// Write header comments
	header := `# WPerf Engine Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Create default config and encode to TOML
	config := DefaultConfig()
	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	// Validate server config
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	// Validate engine config
	if c.Engine.NumCores < 0 {
		return fmt.Errorf("engine.num_cores cannot be negative")
	}
	if c.Engine.MultiplexIntervalMS <= 0 {
		return fmt.Errorf("engine.multiplex_interval_ms must be positive")
	}
	switch c.Engine.DefaultEventTruncation {
	case TruncationTruncate, TruncationReject:
	default:
		return fmt.Errorf("engine.default_event_truncation must be %q or %q",
			TruncationTruncate, TruncationReject)
	}
	if c.Engine.MaxDefaultEvents < 0 {
		return fmt.Errorf("engine.max_default_events cannot be negative")
	}

	// Validate transport config
	switch c.Transport.Network {
	case "tcp", "unix":
	default:
		return fmt.Errorf("transport.network must be \"tcp\" or \"unix\"")
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("transport.endpoint cannot be empty")
	}

	// Validate that at least one output is enabled
	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
	Simulate       bool
}

// ErrConfigGenerated signals that -generate-config ran and the program
// should exit cleanly.
var ErrConfigGenerated = errors.New("example config generated")

// NewConfig creates a new configuration by parsing flags and loading the config file.
func NewConfig() (*AppConfig, error) {
	flags := &Flags{}

	// Define flags and bind them to the Flags struct
	flag.StringVar(&flags.ListenAddress,
		"web.listen-address",
		"localhost:9357",
		"Address to listen on for web interface and telemetry.")
	flag.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	flag.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	flag.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	flag.BoolVar(&flags.Simulate,
		"simulate",
		false,
		"Use the simulated PMU register backend.")
	flag.Parse()

	// Handle config generation and exit.
	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, err
		}
		return nil, ErrConfigGenerated
	}

	config, err := LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, err
	}

	// Command-line flags override file settings when explicitly passed.
	if isFlagPassed("web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if isFlagPassed("web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if isFlagPassed("simulate") {
		config.Engine.Simulate = flags.Simulate
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// isFlagPassed reports whether a flag was set on the command line.
func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
