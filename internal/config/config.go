// Package config holds the server policy: everything the session
// engine consults but never mutates after startup.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	shellquote "github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v3"
)

// Config is immutable after Load returns. The command string is split
// into Argv and the signal name resolved into SignalCode by Validate.
type Config struct {
	Address     string `yaml:"address"`
	Port        int    `yaml:"port"`
	Path        string `yaml:"path"`
	Command     string `yaml:"command"`
	Credential  string `yaml:"credential"`
	Signal      string `yaml:"signal"`
	Reconnect   int    `yaml:"reconnect"`
	Prefs       string `yaml:"prefs"`
	CheckOrigin bool   `yaml:"check_origin"`
	Readonly    bool   `yaml:"readonly"`
	Once        bool   `yaml:"once"`
	MaxClients  int    `yaml:"max_clients"`

	ConfigPath string `yaml:"-"`

	// Derived by Validate.
	Argv       []string       `yaml:"-"`
	SignalCode syscall.Signal `yaml:"-"`
}

// New returns a Config carrying the built-in defaults.
func New() *Config {
	cfg := &Config{
		Address:   "0.0.0.0",
		Port:      7681,
		Path:      "/ws",
		Command:   "sh",
		Signal:    "SIGHUP",
		Reconnect: 10,
		Prefs:     "{}",
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.ConfigPath = filepath.Join(home, ".config", "ttyd", "config.yaml")
	}
	return cfg
}

// Load builds the policy: defaults, then the YAML config file if it
// exists, then command-line flags, then validation. The command to
// run may also be given as trailing arguments, which win over both.
func Load(args []string) (*Config, error) {
	cfg := New()

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	fs := flag.NewFlagSet("ttyd", flag.ContinueOnError)
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address to listen on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on (1-65535)")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "web socket endpoint path")
	fs.StringVar(&cfg.Command, "command", cfg.Command, "command to run, with arguments")
	fs.StringVar(&cfg.Credential, "credential", cfg.Credential, "token clients must present to authenticate")
	fs.StringVar(&cfg.Signal, "signal", cfg.Signal, "signal sent to the child on session close (name or number)")
	fs.IntVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "reconnect hint sent to clients, in seconds")
	fs.StringVar(&cfg.Prefs, "prefs", cfg.Prefs, "client preferences as a JSON object")
	fs.BoolVar(&cfg.CheckOrigin, "check-origin", cfg.CheckOrigin, "refuse clients whose Origin does not match the Host header")
	fs.BoolVar(&cfg.Readonly, "readonly", cfg.Readonly, "discard client input")
	fs.BoolVar(&cfg.Once, "once", cfg.Once, "serve one client, then exit")
	fs.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "maximum concurrent clients (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command = shellquote.Join(rest...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile() error {
	if c.ConfigPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	return c.applyYAML(data)
}

func (c *Config) applyYAML(data []byte) error {
	return yaml.Unmarshal(data, c)
}

// Validate checks field ranges and derives Argv and SignalCode.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") || c.Path == "/" {
		return fmt.Errorf("invalid path %q: must start with / and not be the root", c.Path)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("invalid max-clients %d: must not be negative", c.MaxClients)
	}
	if c.Reconnect < 0 {
		return fmt.Errorf("invalid reconnect %d: must not be negative", c.Reconnect)
	}

	argv, err := shellquote.Split(c.Command)
	if err != nil {
		return fmt.Errorf("invalid command %q: %w", c.Command, err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("command must not be empty")
	}
	c.Argv = argv

	sig, err := parseSignal(c.Signal)
	if err != nil {
		return err
	}
	c.SignalCode = sig
	c.Signal = unix.SignalName(sig)

	var prefs map[string]any
	if err := json.Unmarshal([]byte(c.Prefs), &prefs); err != nil {
		return fmt.Errorf("invalid prefs %q: not a JSON object: %w", c.Prefs, err)
	}

	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// parseSignal accepts a number ("1"), a name ("SIGHUP"), or a name
// without the SIG prefix ("HUP").
func parseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("signal must not be empty")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 {
			return 0, fmt.Errorf("invalid signal number %d", n)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}
