// Package config loads and saves turnrelayd's configuration, split across
// a world-readable config.toml (public addresses, port range, portal URL,
// metrics address) and a restricted secrets.toml (auth_secret, portal
// token).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// DefaultConfigDir is the system-wide config directory for turnrelayd.
const DefaultConfigDir = "/etc/turnrelayd"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Default relay settings.
const (
	DefaultLowestPort  = 49152
	DefaultHighestPort = 65535
	DefaultClientPort  = 3478
	DefaultHeartbeat   = 30
)

// Config is the top-level configuration for turnrelayd.
type Config struct {
	Network NetworkConfig `toml:"network"`
	Relay   RelayConfig   `toml:"relay"`
	Portal  PortalConfig  `toml:"portal"`
	Metrics MetricsConfig `toml:"metrics"`
}

// NetworkConfig carries the relay's public addresses. At least one must
// be set.
type NetworkConfig struct {
	// PublicIP4Addr is the relay's public IPv4 address, advertised in
	// XOR-RELAYED-ADDRESS for V4 allocations.
	PublicIP4Addr string `toml:"public_ip4_addr,omitempty"`

	// PublicIP6Addr is the relay's public IPv6 address, advertised for V6
	// allocations.
	PublicIP6Addr string `toml:"public_ip6_addr,omitempty"`

	// ClientPort is the UDP port the client-facing STUN/TURN socket binds,
	// default 3478.
	ClientPort uint16 `toml:"client_port,omitempty"`
}

// RelayConfig controls allocation port selection and lifetime limits.
type RelayConfig struct {
	// LowestPort and HighestPort bound the relay socket port range handed
	// out to allocations, default 49152-65535.
	LowestPort  uint16 `toml:"lowest_port,omitempty"`
	HighestPort uint16 `toml:"highest_port,omitempty"`

	// AuthSecret is the shared stamp_secret, hex-encoded, used to derive
	// ephemeral-credential passwords and forwarded to the portal's
	// phx_join payload. Generated with `turnrelayd genkey`.
	AuthSecret string `toml:"auth_secret,omitempty"`

	// RngSeed deterministically seeds relay port selection; nonces stay
	// random. Debug builds only (see cmd/turnrelayd); ignored otherwise.
	RngSeed int64 `toml:"rng_seed,omitempty"`
}

// PortalConfig holds the optional connection to the remote portal. When
// Token is empty the relay runs standalone.
type PortalConfig struct {
	// WSURL is the portal's WebSocket base URL (portal_ws_url).
	WSURL string `toml:"ws_url,omitempty"`

	// Token authorizes the portal connection (portal_token).
	Token string `toml:"token,omitempty"`

	// HeartbeatSeconds paces keepalive frames on the portal channel,
	// default 30.
	HeartbeatSeconds int `toml:"heartbeat_seconds,omitempty"`
}

// MetricsConfig carries the Prometheus scrape endpoint address, passed
// through to the external metrics collector; turnrelayd never serves the
// endpoint itself.
type MetricsConfig struct {
	Addr string `toml:"addr,omitempty"`
}

// configFile is the TOML representation for config.toml (world-readable,
// no secrets).
type configFile struct {
	Network netConfigFile  `toml:"network"`
	Relay   relConfigFile  `toml:"relay"`
	Portal  portConfigFile `toml:"portal"`
	Metrics MetricsConfig  `toml:"metrics"`
}

type netConfigFile struct {
	PublicIP4Addr string `toml:"public_ip4_addr,omitempty"`
	PublicIP6Addr string `toml:"public_ip6_addr,omitempty"`
	ClientPort    uint16 `toml:"client_port,omitempty"`
}

type relConfigFile struct {
	LowestPort  uint16 `toml:"lowest_port,omitempty"`
	HighestPort uint16 `toml:"highest_port,omitempty"`
	RngSeed     int64  `toml:"rng_seed,omitempty"`
}

type portConfigFile struct {
	WSURL            string `toml:"ws_url,omitempty"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (written with mode
// 0600, owner only).
type secretsFile struct {
	Relay  relSecretsFile  `toml:"relay"`
	Portal portSecretsFile `toml:"portal"`
}

type relSecretsFile struct {
	AuthSecret string `toml:"auth_secret,omitempty"`
}

type portSecretsFile struct {
	Token string `toml:"token,omitempty"`
}

func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Network: netConfigFile{
			PublicIP4Addr: cfg.Network.PublicIP4Addr,
			PublicIP6Addr: cfg.Network.PublicIP6Addr,
			ClientPort:    cfg.Network.ClientPort,
		},
		Relay: relConfigFile{
			LowestPort:  cfg.Relay.LowestPort,
			HighestPort: cfg.Relay.HighestPort,
			RngSeed:     cfg.Relay.RngSeed,
		},
		Portal: portConfigFile{
			WSURL:            cfg.Portal.WSURL,
			HeartbeatSeconds: cfg.Portal.HeartbeatSeconds,
		},
		Metrics: cfg.Metrics,
	}
}

func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		Relay:  relSecretsFile{AuthSecret: cfg.Relay.AuthSecret},
		Portal: portSecretsFile{Token: cfg.Portal.Token},
	}
}

func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Relay.AuthSecret = s.Relay.AuthSecret
	cfg.Portal.Token = s.Portal.Token
}

// DefaultConfig returns a Config populated with sensible defaults. Network-
// specific fields (public addresses, auth_secret, portal URL/token) are left
// empty and must be filled in by the operator.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{ClientPort: DefaultClientPort},
		Relay: RelayConfig{
			LowestPort:  DefaultLowestPort,
			HighestPort: DefaultHighestPort,
		},
		Portal: PortalConfig{HeartbeatSeconds: DefaultHeartbeat},
	}
}

// DefaultConfigPath returns the default path for turnrelayd's config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, "config.toml")
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml
// path, keeping secrets.toml alongside config.toml.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml from the directory
// containing path, merging them into a single Config. If config.toml does
// not exist, it returns an error wrapping fs.ErrNotExist. If secrets.toml
// does not exist, the secret fields are left at their zero values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
		// secrets.toml missing: leave secret fields at zero values.
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	if err := writeFile(path, 0644, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0600, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}

	return nil
}

// writeFile encodes v as TOML and writes it to path with the given file
// mode, correcting permissions even if the file already existed.
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if cfg.Network.ClientPort == 0 {
		cfg.Network.ClientPort = DefaultClientPort
	}
	if cfg.Relay.LowestPort == 0 {
		cfg.Relay.LowestPort = DefaultLowestPort
	}
	if cfg.Relay.HighestPort == 0 {
		cfg.Relay.HighestPort = DefaultHighestPort
	}
	if cfg.Portal.HeartbeatSeconds == 0 {
		cfg.Portal.HeartbeatSeconds = DefaultHeartbeat
	}
}

// Validate reports whether cfg is runnable: at least one public address is
// set, the port range is non-empty, and an auth_secret is present.
func (c *Config) Validate() error {
	if c.Network.PublicIP4Addr == "" && c.Network.PublicIP6Addr == "" {
		return errors.New("at least one of network.public_ip4_addr or network.public_ip6_addr is required")
	}
	if c.Relay.HighestPort < c.Relay.LowestPort {
		return fmt.Errorf("relay.highest_port (%d) must be >= relay.lowest_port (%d)", c.Relay.HighestPort, c.Relay.LowestPort)
	}
	if c.Relay.AuthSecret == "" {
		return errors.New("relay.auth_secret is required (generate one with `turnrelayd genkey`)")
	}
	if c.Portal.Token != "" && c.Portal.WSURL == "" {
		return errors.New("portal.ws_url is required when portal.token is set")
	}
	return nil
}

// The following config fields can also be supplied via environment for
// container deployments, taking precedence over the TOML file. Port ranges,
// client_port and heartbeat_seconds have no environment override.
const (
	EnvPublicIP4   = "TURNRELAYD_PUBLIC_IP4_ADDR"
	EnvPublicIP6   = "TURNRELAYD_PUBLIC_IP6_ADDR"
	EnvAuthSecret  = "TURNRELAYD_AUTH_SECRET"
	EnvPortalURL   = "TURNRELAYD_PORTAL_WS_URL"
	EnvPortalToken = "TURNRELAYD_PORTAL_TOKEN"
	EnvMetricsAddr = "TURNRELAYD_METRICS_ADDR"
	EnvRngSeed     = "TURNRELAYD_RNG_SEED"
)

// ApplyEnvOverrides overlays recognized environment variables onto cfg,
// letting container deployments supply secrets without a secrets.toml file
// on disk.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv(EnvPublicIP4); ok {
		cfg.Network.PublicIP4Addr = v
	}
	if v, ok := os.LookupEnv(EnvPublicIP6); ok {
		cfg.Network.PublicIP6Addr = v
	}
	if v, ok := os.LookupEnv(EnvAuthSecret); ok {
		cfg.Relay.AuthSecret = v
	}
	if v, ok := os.LookupEnv(EnvPortalURL); ok {
		cfg.Portal.WSURL = v
	}
	if v, ok := os.LookupEnv(EnvPortalToken); ok {
		cfg.Portal.Token = v
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		cfg.Metrics.Addr = v
	}
	if v, ok := os.LookupEnv(EnvRngSeed); ok {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Relay.RngSeed = seed
		}
	}
}
