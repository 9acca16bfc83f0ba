package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/user/gosec-scan/pkg/engine"
)

// EnvPrefix is the prefix of environment overrides, e.g. GOSEC_STORE_DIR
const EnvPrefix = "GOSEC"

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // text or json
	Output     string `yaml:"output" mapstructure:"output"` // stdout, stderr or file
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
	Caller     bool   `yaml:"caller" mapstructure:"caller"`
}

type RuntimeConfig struct {
	Host       string `yaml:"host" mapstructure:"host"` // empty means DOCKER_HOST / default socket
	APIVersion string `yaml:"api_version" mapstructure:"api_version"`
}

// HostConfig describes a remote container host reached over SSH
type HostConfig struct {
	Name       string        `yaml:"name" mapstructure:"name"`
	Address    string        `yaml:"address" mapstructure:"address"`
	Port       int           `yaml:"port" mapstructure:"port"`
	User       string        `yaml:"user" mapstructure:"user"`
	Password   string        `yaml:"password,omitempty" mapstructure:"password"`
	KeyFile    string        `yaml:"key_file,omitempty" mapstructure:"key_file"`
	KnownHosts string        `yaml:"known_hosts,omitempty" mapstructure:"known_hosts"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type DiscoveryConfig struct {
	WebPorts             []int        `yaml:"web_ports" mapstructure:"web_ports"`
	Local                bool         `yaml:"local" mapstructure:"local"`
	LocalAddress         string       `yaml:"local_address" mapstructure:"local_address"`
	Hosts                []HostConfig `yaml:"hosts" mapstructure:"hosts"`
	TolerateHostFailures bool         `yaml:"tolerate_host_failures" mapstructure:"tolerate_host_failures"`
}

type ScanConfig struct {
	Tools          []string      `yaml:"tools" mapstructure:"tools"`
	Concurrency    int           `yaml:"concurrency" mapstructure:"concurrency"`
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	LaunchLimit    int           `yaml:"launch_limit" mapstructure:"launch_limit"`
	GracePeriod    time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
}

type PortsConfig struct {
	Low  int `yaml:"low" mapstructure:"low"`
	High int `yaml:"high" mapstructure:"high"`
}

// ToolConfig overrides the invocation of one tool kind
type ToolConfig struct {
	Image        string        `yaml:"image" mapstructure:"image"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Format       string        `yaml:"format,omitempty" mapstructure:"format"`
	CacheDir     string        `yaml:"cache_dir,omitempty" mapstructure:"cache_dir"`
	Spider       bool          `yaml:"spider,omitempty" mapstructure:"spider"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty" mapstructure:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls,omitempty" mapstructure:"max_polls"`
}

type StoreConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

type DashboardConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type Config struct {
	Log         LogConfig             `yaml:"log" mapstructure:"log"`
	Runtime     RuntimeConfig         `yaml:"runtime" mapstructure:"runtime"`
	Discovery   DiscoveryConfig       `yaml:"discovery" mapstructure:"discovery"`
	Scan        ScanConfig            `yaml:"scan" mapstructure:"scan"`
	Ports       PortsConfig           `yaml:"ports" mapstructure:"ports"`
	Tools       map[string]ToolConfig `yaml:"tools" mapstructure:"tools"`
	ProfilesDir string                `yaml:"profiles_dir" mapstructure:"profiles_dir"`
	Store       StoreConfig           `yaml:"store" mapstructure:"store"`
	Dashboard   DashboardConfig       `yaml:"dashboard" mapstructure:"dashboard"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   "logs/gosec-scan.log",
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
		},
		Discovery: DiscoveryConfig{
			WebPorts:     []int{80, 443},
			Local:        true,
			LocalAddress: "127.0.0.1",
		},
		Scan: ScanConfig{
			Tools:          kindNames(engine.AllToolKinds()),
			Concurrency:    4,
			DefaultTimeout: 15 * time.Minute,
			MaxAttempts:    3,
			RetryDelay:     5 * time.Second,
			LaunchLimit:    4,
			GracePeriod:    30 * time.Second,
		},
		Ports: PortsConfig{Low: 8000, High: 9000},
		Tools: map[string]ToolConfig{
			string(engine.KindComplianceBench): {Image: "docker/docker-bench-security:latest", Timeout: 10 * time.Minute},
			string(engine.KindVulnerability):   {Image: "aquasec/trivy:latest", Timeout: 15 * time.Minute, Format: "json"},
			string(engine.KindNetworkMap):      {Image: "instrumentisto/nmap:latest", Timeout: 10 * time.Minute, Format: "xml"},
			string(engine.KindActiveWeb): {
				Image:        "zaproxy/zap-stable:latest",
				Timeout:      60 * time.Minute,
				Spider:       true,
				PollInterval: 5 * time.Second,
				MaxPolls:     360,
			},
		},
		ProfilesDir: "profiles",
		Store:       StoreConfig{Dir: "scan_reports"},
		Dashboard:   DashboardConfig{Addr: ":8080"},
	}
}

func kindNames(kinds []engine.ToolKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// GetConfigPath returns ~/.gosec-scan/config.yaml, creating the directory
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".gosec-scan")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Load reads the configuration. Built-in defaults are layered under the
// file at path (or ./gosec-scan.yaml, then ~/.gosec-scan/config.yaml when
// path is empty), and GOSEC_* environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	file, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}
	candidates := []string{"gosec-scan.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".gosec-scan", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

// SaveConfig writes cfg to path with owner-only permissions
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	// 0600: host entries may carry SSH passwords
	return os.WriteFile(path, data, 0600)
}

// Validate checks the configuration for values the scanner cannot run with
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.Dir) == "" {
		errs = append(errs, errors.New("store.dir must not be empty"))
	}
	if c.Ports.Low < 1 || c.Ports.High > 65535 || c.Ports.Low > c.Ports.High {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.Ports.Low, c.Ports.High))
	}
	if c.Scan.Concurrency < 1 {
		errs = append(errs, errors.New("scan.concurrency must be at least 1"))
	}
	if c.Scan.MaxAttempts < 1 {
		errs = append(errs, errors.New("scan.max_attempts must be at least 1"))
	}
	if c.Scan.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("scan.default_timeout must be positive"))
	}
	if _, err := c.ToolKinds(); err != nil {
		errs = append(errs, err)
	}
	for name := range c.Tools {
		if _, err := engine.ParseToolKind(name); err != nil {
			errs = append(errs, fmt.Errorf("tools: %w", err))
		}
	}
	for i, h := range c.Discovery.Hosts {
		if h.Address == "" || h.User == "" {
			errs = append(errs, fmt.Errorf("discovery.hosts[%d]: address and user are required", i))
		}
	}
	return errors.Join(errs...)
}

// ToolKinds returns the configured scan tools as kinds
func (c *Config) ToolKinds() ([]engine.ToolKind, error) {
	return ParseKinds(c.Scan.Tools)
}

// ParseKinds converts tool names into kinds, rejecting unknown names
func ParseKinds(names []string) ([]engine.ToolKind, error) {
	kinds := make([]engine.ToolKind, 0, len(names))
	for _, n := range names {
		k, err := engine.ParseToolKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Tool returns the settings for kind, falling back to defaults
func (c *Config) Tool(kind engine.ToolKind) ToolConfig {
	tc, ok := c.Tools[string(kind)]
	def := Default().Tools[string(kind)]
	if !ok {
		tc = def
	}
	if tc.Image == "" {
		tc.Image = def.Image
	}
	if tc.Timeout <= 0 {
		tc.Timeout = c.Scan.DefaultTimeout
	}
	return tc
}

// Host returns the inventory host with the given name
func (c *Config) Host(name string) (HostConfig, bool) {
	for _, h := range c.Discovery.Hosts {
		if h.Name == name || h.Address == name {
			return h, true
		}
	}
	return HostConfig{}, false
}

// AddHost inserts or replaces a host entry by name
func (c *Config) AddHost(h HostConfig) {
	for i, existing := range c.Discovery.Hosts {
		if existing.Name == h.Name {
			c.Discovery.Hosts[i] = h
			return
		}
	}
	c.Discovery.Hosts = append(c.Discovery.Hosts, h)
}
