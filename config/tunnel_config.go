package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	TransportTCP       = "tcp"
	TransportQUIC      = "quic"
	TransportWebSocket = "ws"
)

const (
	DefaultClientListenAddress = "127.0.0.1:51820"
	DefaultServerListenAddress = "0.0.0.0:51820"
	DefaultTargetAddress       = "127.0.0.1:51280"
	DefaultIdleTimeout         = 30 * time.Second
	DefaultDialTimeout         = 10 * time.Second
)

// GlobalLogConfig holds optional global log file settings
type GlobalLogConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
	Verbose    bool   `yaml:"Verbose,omitempty"`
}

// DurationString accepts Go durations ("30s", "5m", "500ms") or a bare
// integer number of seconds.
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if value.Tag == "!!int" || isDigits(s) {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

// SizeString is a byte count: a bare integer or a humanized size such as
// "10MB" or "1.5 MiB".
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(strings.TrimSpace(value.Value), 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	v, err := ParseSize(value.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize parses a bare byte count or a humanized size.
func ParseSize(raw string) (SizeString, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty size string")
	}
	if isDigits(raw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		return SizeString(v), nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	return SizeString(v), nil
}

func (s SizeString) String() string {
	if s <= 0 {
		return "unlimited"
	}
	return humanize.Bytes(uint64(s))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ClientConfig describes one client relay: a local UDP socket tunnelled to a
// remote server.
type ClientConfig struct {
	Name           string         `yaml:"Name"`
	ListenAddress  string         `yaml:"ListenAddress,omitempty"`  // default "127.0.0.1:51820"
	ServerAddress  string         `yaml:"ServerAddress"`            // required
	IdleTimeout    DurationString `yaml:"IdleTimeout,omitempty"`    // default "30s"
	DialTimeout    DurationString `yaml:"DialTimeout,omitempty"`    // default "10s"
	Transport      string         `yaml:"Transport,omitempty"`      // default "tcp"
	InterfaceName  string         `yaml:"InterfaceName,omitempty"`  // default ""
	BandwidthLimit SizeString     `yaml:"BandwidthLimit,omitempty"` // bytes/s, default unlimited
}

// ServerConfig describes one server relay: a stream listener bridging every
// accepted connection to a fixed UDP target.
type ServerConfig struct {
	Name               string     `yaml:"Name"`
	ListenAddress      string     `yaml:"ListenAddress,omitempty"` // default "0.0.0.0:51820"
	TargetAddress      string     `yaml:"TargetAddress,omitempty"` // default "127.0.0.1:51280"
	Transport          string     `yaml:"Transport,omitempty"`     // default "tcp"
	InterfaceName      string     `yaml:"InterfaceName,omitempty"`
	BandwidthLimit     SizeString `yaml:"BandwidthLimit,omitempty"`
	AllowedInAddresses []string   `yaml:"AllowedInAddresses,omitempty"` // default [] (everyone)
}

type APIConfig struct {
	ListenAddress string `yaml:"ListenAddress"`
}

// TunnelConfig holds every relay run by one process.
type TunnelConfig struct {
	Clients   []ClientConfig   `yaml:"Clients,omitempty"`
	Servers   []ServerConfig   `yaml:"Servers,omitempty"`
	API       *APIConfig       `yaml:"Api,omitempty"`
	GlobalLog *GlobalLogConfig `yaml:"GlobalLog,omitempty"`
}

// SetDefaults sets default values for optional fields
func (c *TunnelConfig) SetDefaults() {
	for i := range c.Clients {
		cl := &c.Clients[i]
		if cl.Name == "" {
			cl.Name = fmt.Sprintf("client-%d", i)
		}
		if cl.ListenAddress == "" {
			cl.ListenAddress = DefaultClientListenAddress
		}
		if cl.IdleTimeout == 0 {
			cl.IdleTimeout = DurationString(DefaultIdleTimeout)
		}
		if cl.DialTimeout == 0 {
			cl.DialTimeout = DurationString(DefaultDialTimeout)
		}
		if cl.Transport == "" {
			cl.Transport = TransportTCP
		}
		cl.Transport = strings.ToLower(cl.Transport)
	}
	for i := range c.Servers {
		sv := &c.Servers[i]
		if sv.Name == "" {
			sv.Name = fmt.Sprintf("server-%d", i)
		}
		if sv.ListenAddress == "" {
			sv.ListenAddress = DefaultServerListenAddress
		}
		if sv.TargetAddress == "" {
			sv.TargetAddress = DefaultTargetAddress
		}
		if sv.Transport == "" {
			sv.Transport = TransportTCP
		}
		sv.Transport = strings.ToLower(sv.Transport)
	}
	// Empty filename means log to stderr
	if c.GlobalLog == nil {
		c.GlobalLog = &GlobalLogConfig{}
	} else if c.GlobalLog.Filename != "" {
		if c.GlobalLog.MaxSize == 0 {
			c.GlobalLog.MaxSize = 20
		}
		if c.GlobalLog.MaxBackups == 0 {
			c.GlobalLog.MaxBackups = 5
		}
		if c.GlobalLog.MaxAge == 0 {
			c.GlobalLog.MaxAge = 28
		}
	}
}

func validTransport(t string) bool {
	switch t {
	case TransportTCP, TransportQUIC, TransportWebSocket:
		return true
	}
	return false
}

// Validate reports the first configuration problem found. SetDefaults must
// have been called.
func (c *TunnelConfig) Validate() error {
	if len(c.Clients) == 0 && len(c.Servers) == 0 {
		return errors.New("no clients or servers configured")
	}
	names := make(map[string]bool)
	for _, cl := range c.Clients {
		if names[cl.Name] {
			return fmt.Errorf("duplicate relay name %q", cl.Name)
		}
		names[cl.Name] = true
		if cl.ServerAddress == "" {
			return fmt.Errorf("client %s: ServerAddress is required", cl.Name)
		}
		if !validTransport(cl.Transport) {
			return fmt.Errorf("client %s: unknown transport %q", cl.Name, cl.Transport)
		}
		if cl.IdleTimeout <= 0 {
			return fmt.Errorf("client %s: IdleTimeout must be positive", cl.Name)
		}
		if cl.DialTimeout <= 0 {
			return fmt.Errorf("client %s: DialTimeout must be positive", cl.Name)
		}
	}
	for _, sv := range c.Servers {
		if names[sv.Name] {
			return fmt.Errorf("duplicate relay name %q", sv.Name)
		}
		names[sv.Name] = true
		if !validTransport(sv.Transport) {
			return fmt.Errorf("server %s: unknown transport %q", sv.Name, sv.Transport)
		}
	}
	return nil
}

// LoadConfig loads config from YAML file and parses it
func LoadConfig(path string) (*TunnelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg TunnelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
