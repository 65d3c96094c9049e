package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/tclconsole/internal/files"
	"gopkg.in/yaml.v3"
)

// FileName is looked up from the working directory upwards when no path is given.
const FileName = "tclconsole.yaml"

const (
	BackendCreack = "creack"
	BackendGoPty  = "go-pty"
)

type Config struct {
	Log struct {
		Level string `yaml:"level,omitempty"`
	} `yaml:"log,omitempty"`

	XSCT   XSCT   `yaml:"xsct"`
	Vivado Vivado `yaml:"vivado"`
	Agent  Agent  `yaml:"agent"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `yaml:"-"`
}

type XSCT struct {
	Executable string        `yaml:"executable"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	Verbose    bool          `yaml:"verbose"`
}

type Vivado struct {
	Executable string        `yaml:"executable"`
	Args       []string      `yaml:"args"`
	Prompt     string        `yaml:"prompt"`
	Backend    string        `yaml:"backend"`
	Timeout    time.Duration `yaml:"timeout"`
	Encoding   string        `yaml:"encoding"`
}

type Agent struct {
	ListenAddr string `yaml:"listen_addr"`
	// CertDir holds the files written by "tclconsole agent certs". Empty disables TLS.
	CertDir          string        `yaml:"cert_dir,omitempty"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout,omitempty"`
}

// Default returns the configuration used when no file exists. Durations set here survive loading a file that does
// not mention them.
func Default() *Config {
	cfg := &Config{}
	cfg.XSCT.Timeout = 10 * time.Second
	cfg.Vivado.Args = []string{"-mode", "tcl", "-nolog", "-nojournal"}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills the fields that are empty after loading.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	if cfg.XSCT.Executable == "" {
		cfg.XSCT.Executable = "xsct"
	}
	if cfg.XSCT.Host == "" {
		cfg.XSCT.Host = "127.0.0.1"
	}
	if cfg.XSCT.Port == 0 {
		cfg.XSCT.Port = 4567
	}
	if cfg.Vivado.Executable == "" {
		cfg.Vivado.Executable = "vivado"
	}
	if cfg.Vivado.Prompt == "" {
		cfg.Vivado.Prompt = "Vivado% "
	}
	if cfg.Vivado.Backend == "" {
		cfg.Vivado.Backend = BackendCreack
	}
	if cfg.Vivado.Encoding == "" {
		cfg.Vivado.Encoding = "utf-8"
	}
	if cfg.Agent.ListenAddr == "" {
		cfg.Agent.ListenAddr = "127.0.0.1:8080"
	}
}

func (c *Config) validate() error {
	if c.XSCT.Port < 0 || c.XSCT.Port > 65535 {
		return fmt.Errorf("xsct.port %d is out of range", c.XSCT.Port)
	}
	if c.XSCT.Timeout < 0 || c.Vivado.Timeout < 0 || c.Agent.HeartbeatTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	switch c.Vivado.Backend {
	case BackendCreack, BackendGoPty:
	default:
		return fmt.Errorf("vivado.backend must be %q or %q, not %q", BackendCreack, BackendGoPty, c.Vivado.Backend)
	}
	return nil
}

// Load reads the configuration at path. With an empty path, FileName is searched from dir upwards and defaults are
// returned when it is not found.
func Load(path, dir string) (*Config, error) {
	if path == "" {
		path = files.FindUp(FileName, dir)
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config yaml %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}
