package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationString_UnmarshalYAML(t *testing.T) {
	var d DurationString
	cases := []struct {
		input     string
		tag       string
		expect    time.Duration
		shouldErr bool
	}{
		{"10s", "", 10 * time.Second, false},
		{"5m", "", 5 * time.Minute, false},
		{"250ms", "", 250 * time.Millisecond, false},
		{"1h", "", time.Hour, false},
		{"15", "!!int", 15 * time.Second, false},
		{"30", "", 30 * time.Second, false},
		{"bad", "", 0, true},
		{"10x", "", 0, true},
	}
	for _, c := range cases {
		node := yaml.Node{Value: c.input, Tag: c.tag}
		err := d.UnmarshalYAML(&node)
		if c.shouldErr && err == nil {
			t.Errorf("expected error for input %q", c.input)
		}
		if !c.shouldErr && (err != nil || time.Duration(d) != c.expect) {
			t.Errorf("input %q: got %v (err %v), want %v", c.input, time.Duration(d), err, c.expect)
		}
	}
}

func TestSizeString_UnmarshalYAML(t *testing.T) {
	var s SizeString
	cases := []struct {
		input     string
		expect    int64
		shouldErr bool
	}{
		{"100", 100, false},
		{"10KB", 10 * 1000, false},
		{"10KiB", 10 * 1024, false},
		{"2MB", 2 * 1000 * 1000, false},
		{"1 MiB", 1 << 20, false},
		{"1GiB", 1 << 30, false},
		{"bad", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		node := yaml.Node{Value: c.input}
		err := s.UnmarshalYAML(&node)
		if c.shouldErr && err == nil {
			t.Errorf("expected error for input %q", c.input)
		}
		if !c.shouldErr && (err != nil || int64(s) != c.expect) {
			t.Errorf("input %q: got %v (err %v), want %v", c.input, int64(s), err, c.expect)
		}
	}
}

func TestSizeString_String(t *testing.T) {
	if got := SizeString(0).String(); got != "unlimited" {
		t.Errorf("expected unlimited, got %q", got)
	}
	if got := SizeString(2000000).String(); got != "2.0 MB" {
		t.Errorf("expected 2.0 MB, got %q", got)
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := TunnelConfig{
		Clients: []ClientConfig{{ServerAddress: "example.com:51820"}},
		Servers: []ServerConfig{{}},
	}
	cfg.SetDefaults()

	c := cfg.Clients[0]
	if c.Name != "client-0" {
		t.Errorf("client name default not set, got %q", c.Name)
	}
	if c.ListenAddress != DefaultClientListenAddress {
		t.Errorf("ListenAddress default not set, got %q", c.ListenAddress)
	}
	if c.IdleTimeout.Duration() != 30*time.Second {
		t.Errorf("IdleTimeout default not set, got %v", c.IdleTimeout.Duration())
	}
	if c.DialTimeout.Duration() != 10*time.Second {
		t.Errorf("DialTimeout default not set, got %v", c.DialTimeout.Duration())
	}
	if c.Transport != TransportTCP {
		t.Errorf("Transport default not set, got %q", c.Transport)
	}

	s := cfg.Servers[0]
	if s.Name != "server-0" {
		t.Errorf("server name default not set, got %q", s.Name)
	}
	if s.ListenAddress != DefaultServerListenAddress {
		t.Errorf("ListenAddress default not set, got %q", s.ListenAddress)
	}
	if s.TargetAddress != DefaultTargetAddress {
		t.Errorf("TargetAddress default not set, got %q", s.TargetAddress)
	}

	if cfg.GlobalLog == nil || cfg.GlobalLog.Filename != "" {
		t.Errorf("GlobalLog should default to stderr logging, got %+v", cfg.GlobalLog)
	}
}

func TestSetDefaults_GlobalLogRotation(t *testing.T) {
	cfg := TunnelConfig{GlobalLog: &GlobalLogConfig{Filename: "tunnel.log"}}
	cfg.SetDefaults()
	if cfg.GlobalLog.MaxSize != 20 || cfg.GlobalLog.MaxBackups != 5 || cfg.GlobalLog.MaxAge != 28 {
		t.Errorf("rotation defaults not set: %+v", cfg.GlobalLog)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     TunnelConfig
		wantErr string
	}{
		{"empty", TunnelConfig{}, "no clients or servers"},
		{"missing server address", TunnelConfig{Clients: []ClientConfig{{}}}, "ServerAddress is required"},
		{"bad client transport", TunnelConfig{Clients: []ClientConfig{{ServerAddress: "a:1", Transport: "sctp"}}}, "unknown transport"},
		{"bad server transport", TunnelConfig{Servers: []ServerConfig{{Transport: "udp"}}}, "unknown transport"},
		{"duplicate names", TunnelConfig{
			Clients: []ClientConfig{{Name: "wg", ServerAddress: "a:1"}},
			Servers: []ServerConfig{{Name: "wg"}},
		}, "duplicate relay name"},
		{"valid", TunnelConfig{
			Clients: []ClientConfig{{ServerAddress: "a:1", Transport: "QUIC"}},
			Servers: []ServerConfig{{Transport: "ws"}},
		}, ""},
	}
	for _, c := range cases {
		c.cfg.SetDefaults()
		err := c.cfg.Validate()
		if c.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error: %v", c.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), c.wantErr) {
			t.Errorf("%s: expected error containing %q, got %v", c.name, c.wantErr, err)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	yamlData := `Clients:
  - Name: wg-client
    ListenAddress: 127.0.0.1:41820
    ServerAddress: vpn.example.com:443
    IdleTimeout: 45s
    Transport: quic
    BandwidthLimit: 10MB
Servers:
  - Name: wg-server
    ListenAddress: 0.0.0.0:443
    TargetAddress: 127.0.0.1:51820
    Transport: ws
    AllowedInAddresses:
      - 10.0.0.1
Api:
  ListenAddress: 127.0.0.1:9090
GlobalLog:
  Filename: "custom.log"
  MaxSize: 42
  Compress: true
  Verbose: true
`
	path := filepath.Join(t.TempDir(), "tunnel.yml")
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Clients) != 1 || len(cfg.Servers) != 1 {
		t.Fatalf("expected 1 client and 1 server, got %d/%d", len(cfg.Clients), len(cfg.Servers))
	}
	c := cfg.Clients[0]
	if c.Name != "wg-client" || c.ListenAddress != "127.0.0.1:41820" || c.ServerAddress != "vpn.example.com:443" {
		t.Errorf("client fields not parsed correctly: %+v", c)
	}
	if c.IdleTimeout.Duration() != 45*time.Second {
		t.Errorf("IdleTimeout not parsed correctly, got %v", c.IdleTimeout.Duration())
	}
	if c.DialTimeout.Duration() != DefaultDialTimeout {
		t.Errorf("DialTimeout default not applied, got %v", c.DialTimeout.Duration())
	}
	if c.Transport != TransportQUIC {
		t.Errorf("Transport not parsed correctly, got %q", c.Transport)
	}
	if c.BandwidthLimit != SizeString(10*1000*1000) {
		t.Errorf("BandwidthLimit not parsed correctly, got %d", c.BandwidthLimit)
	}

	s := cfg.Servers[0]
	if s.TargetAddress != "127.0.0.1:51820" || s.Transport != TransportWebSocket {
		t.Errorf("server fields not parsed correctly: %+v", s)
	}
	if len(s.AllowedInAddresses) != 1 || s.AllowedInAddresses[0] != "10.0.0.1" {
		t.Errorf("AllowedInAddresses not parsed correctly: %v", s.AllowedInAddresses)
	}

	if cfg.API == nil || cfg.API.ListenAddress != "127.0.0.1:9090" {
		t.Errorf("Api not parsed correctly: %+v", cfg.API)
	}
	if cfg.GlobalLog.Filename != "custom.log" || cfg.GlobalLog.MaxSize != 42 || !cfg.GlobalLog.Compress || !cfg.GlobalLog.Verbose {
		t.Errorf("GlobalLog not parsed correctly: %+v", cfg.GlobalLog)
	}
	if cfg.GlobalLog.MaxBackups != 5 {
		t.Errorf("MaxBackups default not applied, got %d", cfg.GlobalLog.MaxBackups)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.yml")
	if err := os.WriteFile(path, []byte("Clients:\n  - Name: nope\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for client without ServerAddress")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
