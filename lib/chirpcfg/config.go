// Package chirpcfg loads the handful of settings a CHIRP peer needs —
// group, name, and the addresses its beacon binds and sends to — layering
// a YAML file under environment variables under command-line flags, in
// that order of increasing precedence.
package chirpcfg

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

// WellKnownPort is the UDP port CHIRP peers rendezvous on unless
// overridden, matching the protocol's well-known-port convention.
const WellKnownPort = 21027

// DefaultMulticastAddress is the IPv6 multicast group used when no address
// is configured, following the same [group]:port shape syncthing's local
// discovery uses for its own multicast address.
const DefaultMulticastAddress = "[ff12::8385]:21027"

// DefaultAPIAddress is where chirpd's status API listens by default, and
// where chirpd's "show" subcommands look for it.
const DefaultAPIAddress = "127.0.0.1:21028"

// Config holds everything a chirpd process needs to construct a
// lib/chirp.Manager and its lib/beacon transport(s).
type Config struct {
	Group string `json:"group"`
	Name  string `json:"name"`

	Port             int    `json:"port"`
	BindAddress      string `json:"bindAddress"`
	BroadcastEnabled bool   `json:"broadcastEnabled"`
	MulticastEnabled bool   `json:"multicastEnabled"`
	MulticastAddress string `json:"multicastAddress"`

	APIAddress string `json:"apiAddress"`
}

// Default returns the baseline configuration applied before a config
// file, the environment, or flags are layered on top.
func Default() Config {
	return Config{
		Port:             WellKnownPort,
		BindAddress:      "0.0.0.0",
		BroadcastEnabled: true,
		MulticastEnabled: false,
		MulticastAddress: DefaultMulticastAddress,
		APIAddress:       DefaultAPIAddress,
	}
}

// Load builds a Config by starting from Default, merging in path (a YAML
// file, skipped entirely if empty or missing), merging in a .env file at
// envPath (skipped the same way), then applying CHIRP_-prefixed
// environment variables. Flags are expected to be applied by the caller
// afterwards, as the outermost and highest-precedence layer.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeYAMLFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("chirpcfg: loading %s: %w", path, err)
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("chirpcfg: loading %s: %w", envPath, err)
		}
	}

	mergeEnv(&cfg)

	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(bs, cfg)
}

func mergeEnv(cfg *Config) {
	if v := os.Getenv("CHIRP_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := os.Getenv("CHIRP_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("CHIRP_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("CHIRP_MULTICAST_ADDRESS"); v != "" {
		cfg.MulticastAddress = v
	}
	if v := os.Getenv("CHIRP_API_ADDRESS"); v != "" {
		cfg.APIAddress = v
	}
	if v := os.Getenv("CHIRP_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("CHIRP_MULTICAST_ENABLED"); v != "" {
		cfg.MulticastEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("CHIRP_BROADCAST_ENABLED"); v != "" {
		cfg.BroadcastEnabled = v == "1" || v == "true"
	}
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("chirpcfg: port %d out of range", port)
	}
	return port, nil
}

// Validate checks that the minimum required fields are set, returning a
// descriptive error naming the first missing one.
func (c Config) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("chirpcfg: group must not be empty")
	}
	if c.Name == "" {
		return fmt.Errorf("chirpcfg: name must not be empty")
	}
	if !c.BroadcastEnabled && !c.MulticastEnabled {
		return fmt.Errorf("chirpcfg: at least one of broadcast or multicast must be enabled")
	}
	return nil
}
