// Package config provides configuration parsing and validation for VEIL.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete VEIL configuration surface (spec.md §6). The core
// itself never reads flags or INI files; this struct is the boundary an
// external loader (daemon, CLI) populates before constructing the core.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Server     ServerConfig     `yaml:"server"`
	Client     ClientConfig     `yaml:"client"`
	Auth       AuthConfig       `yaml:"auth"`
	Transport  TransportConfig  `yaml:"transport"`
	Handshake  HandshakeConfig  `yaml:"handshake"`
	Retransmit RetransmitConfig `yaml:"retransmit"`
	Congestion CongestionConfig `yaml:"congestion"`
	Ack        AckConfig        `yaml:"ack"`
}

// AgentConfig contains process-identity settings; the core only consumes
// LogLevel/LogFormat (see internal/logging), the rest is for the owning
// daemon collaborator.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ServerConfig configures the server-side session table and UDP listener.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ListenPort    int           `yaml:"listen_port"`
	MaxClients    int           `yaml:"max_clients"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	IPPoolStart   string        `yaml:"ip_pool_start"`
	IPPoolEnd     string        `yaml:"ip_pool_end"`
}

// ClientConfig configures the client-side dial target.
type ClientConfig struct {
	ServerAddress string `yaml:"server_address"`
	ServerPort    int    `yaml:"server_port"`
}

// AuthConfig configures pre-shared key material.
type AuthConfig struct {
	// PSKFile is a path to a raw pre-shared key, 32-64 bytes.
	PSKFile string `yaml:"psk_file"`

	// Clients is the server-side per-client PSK registry, keyed by
	// client_id. FallbackPSKFile covers legacy clients that omit a
	// client_id during handshake.
	Clients         []ClientAuthEntry `yaml:"clients"`
	FallbackPSKFile string            `yaml:"fallback_psk_file"`
}

// ClientAuthEntry is one entry of the server's client registry.
type ClientAuthEntry struct {
	ClientID string `yaml:"client_id"`
	PSKFile  string `yaml:"psk_file"`
	Enabled  bool   `yaml:"enabled"`
}

// TransportConfig tunes the outer UDP transport and per-session wire
// parameters shared by client and server.
type TransportConfig struct {
	MTU                     int           `yaml:"mtu"`
	ReplayWindowSize        int           `yaml:"replay_window_size"`
	SessionRotationInterval time.Duration `yaml:"session_rotation_interval"`
	SessionRotationPackets  uint64        `yaml:"session_rotation_packets"`
	BindInterface           string        `yaml:"bind_interface"`
}

// HandshakeConfig tunes handshake validation.
type HandshakeConfig struct {
	SkewTolerance time.Duration `yaml:"handshake_skew_tolerance"`
	RateLimit     float64       `yaml:"rate_limit"`       // tokens/sec
	RateBurst     int           `yaml:"rate_burst"`       // bucket capacity
	ReplayCacheSize int         `yaml:"replay_cache_size"`
}

// RetransmitConfig mirrors internal/retransmit.Config's tunables.
type RetransmitConfig struct {
	InitialRTT     time.Duration `yaml:"initial_rtt"`
	MinRTO         time.Duration `yaml:"min_rto"`
	MaxRTO         time.Duration `yaml:"max_rto"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxBufferBytes int           `yaml:"max_buffer_bytes"`
	DropPolicy     string        `yaml:"drop_policy"` // oldest, newest, low_priority
}

// CongestionConfig mirrors internal/congestion.Config's tunables.
type CongestionConfig struct {
	InitialCwnd             int     `yaml:"initial_cwnd"`
	InitialSsthresh         int     `yaml:"initial_ssthresh"`
	MSS                     int     `yaml:"mss"`
	FastRetransmitThreshold int     `yaml:"fast_retransmit_threshold"`
	EnablePacing            bool    `yaml:"enable_pacing"`
	PacingGain              float64 `yaml:"pacing_gain"`
}

// AckConfig mirrors internal/ack.Config's tunables.
type AckConfig struct {
	MaxAckDelay      time.Duration `yaml:"max_ack_delay"`
	AckEveryNPackets int           `yaml:"ack_every_n_packets"`
}

// Default returns a Config with the spec.md §2/§4 defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			ListenAddress:  "0.0.0.0",
			ListenPort:     51820,
			MaxClients:     1000,
			SessionTimeout: 5 * time.Minute,
		},
		Client: ClientConfig{
			ServerPort: 51820,
		},
		Transport: TransportConfig{
			MTU:                     1400,
			ReplayWindowSize:        1024,
			SessionRotationInterval: 30 * time.Second,
			SessionRotationPackets:  1_000_000,
		},
		Handshake: HandshakeConfig{
			SkewTolerance:   30 * time.Second,
			RateLimit:       100,
			RateBurst:       100,
			ReplayCacheSize: 4096,
		},
		Retransmit: RetransmitConfig{
			InitialRTT:     100 * time.Millisecond,
			MinRTO:         50 * time.Millisecond,
			MaxRTO:         10 * time.Second,
			MaxRetries:     5,
			MaxBufferBytes: 1 << 20,
			DropPolicy:     "oldest",
		},
		Congestion: CongestionConfig{
			InitialCwnd:             4 * 1400,
			InitialSsthresh:         64 * 1024,
			MSS:                     1400,
			FastRetransmitThreshold: 3,
			EnablePacing:            false,
			PacingGain:              1.25,
		},
		Ack: AckConfig{
			MaxAckDelay:      20 * time.Millisecond,
			AckEveryNPackets: 2,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults first and
// validating the result (spec.md §7: configuration errors fail fast).
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values,
// supporting ${VAR:-default}.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks the configuration for errors (spec.md §7, §3 client
// registry field constraints).
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid agent.log_level: %s", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid agent.log_format: %s", c.Agent.LogFormat))
	}

	if c.Server.MaxClients < 1 || c.Server.MaxClients > 10000 {
		errs = append(errs, "server.max_clients must be in [1, 10000]")
	}
	if c.Server.IPPoolStart != "" || c.Server.IPPoolEnd != "" {
		if err := c.validateIPPool(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for i, entry := range c.Auth.Clients {
		if !clientIDPattern.MatchString(entry.ClientID) {
			errs = append(errs, fmt.Sprintf("auth.clients[%d]: invalid client_id %q", i, entry.ClientID))
		}
	}

	if c.Transport.MTU < 576 {
		errs = append(errs, "transport.mtu must be at least 576")
	}
	if c.Transport.ReplayWindowSize < 64 {
		errs = append(errs, "transport.replay_window_size must be at least 64")
	}

	switch c.Retransmit.DropPolicy {
	case "oldest", "newest", "low_priority":
	default:
		errs = append(errs, fmt.Sprintf("invalid retransmit.drop_policy: %s", c.Retransmit.DropPolicy))
	}
	if c.Retransmit.MinRTO > c.Retransmit.MaxRTO {
		errs = append(errs, "retransmit.min_rto must be <= retransmit.max_rto")
	}

	if c.Congestion.MSS < 1 {
		errs = append(errs, "congestion.mss must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateIPPool checks that ip_pool_start/_end form a valid, non-empty
// range at least as large as max_clients.
func (c *Config) validateIPPool() error {
	start := net.ParseIP(c.Server.IPPoolStart).To4()
	end := net.ParseIP(c.Server.IPPoolEnd).To4()
	if start == nil {
		return fmt.Errorf("server.ip_pool_start is not a valid IPv4 address")
	}
	if end == nil {
		return fmt.Errorf("server.ip_pool_end is not a valid IPv4 address")
	}

	startN := ipToUint32(start)
	endN := ipToUint32(end)
	if endN < startN {
		return fmt.Errorf("server.ip_pool_end must be >= server.ip_pool_start")
	}
	poolSize := int(endN-startN) + 1
	if poolSize < c.Server.MaxClients {
		return fmt.Errorf("ip pool size (%d) must be >= server.max_clients (%d)", poolSize, c.Server.MaxClients)
	}
	return nil
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a YAML representation of the config, for debugging.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
